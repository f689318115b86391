package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantKind string
		wantCode ErrorCode
	}{
		{name: "request", in: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, wantKind: KindRequest},
		{name: "string id", in: `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, wantKind: KindRequest},
		{name: "notification", in: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, wantKind: KindNotification},
		{name: "response", in: `{"jsonrpc":"2.0","id":1,"result":{}}`, wantKind: KindResponse},
		{name: "syntax", in: `{"jsonrpc":`, wantCode: ErrorCodeParseError},
		{name: "wrong version", in: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, wantCode: ErrorCodeInvalidRequest},
		{name: "request with result", in: `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`, wantCode: ErrorCodeInvalidRequest},
		{name: "empty response", in: `{"jsonrpc":"2.0","id":1}`, wantCode: ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.in))
			if tt.wantCode != 0 {
				var rpcErr *Error
				require.True(t, errors.As(err, &rpcErr), "expected *Error, got %v", err)
				require.Equal(t, tt.wantCode, rpcErr.Code)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantKind, msg.Type())
		})
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	var msg AnyMessage
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":42,"method":"x"}`), &msg))
	require.Equal(t, int64(42), msg.ID.Value())
	require.Equal(t, "42", msg.ID.String())

	res, err := NewResultResponse(msg.ID, map[string]any{})
	require.NoError(t, err)
	b, err := json.Marshal(res)
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":42,"result":{}}`, string(b))
}

func TestErrorResponseKeepsNullID(t *testing.T) {
	b, err := json.Marshal(ErrorResponse(nil, NewError(ErrorCodeParseError, "bad")))
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"bad"}}`, string(b))
}

func TestErrorString(t *testing.T) {
	err := Errorf(ErrorCodeInvalidParams, "missing %s", "credential")
	require.Equal(t, "jsonrpc invalid_params (-32602): missing credential", err.Error())
	require.Equal(t, "code_-1", ErrorCode(-1).String())
}
