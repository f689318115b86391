package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Message is the raw encoding of one outbound JSON-RPC message.
type Message []byte

// Message kinds reported by AnyMessage.Type.
const (
	KindRequest      = "request"
	KindNotification = "notification"
	KindResponse     = "response"
)

var (
	errBadVersion      = errors.New("jsonrpc: unsupported protocol version")
	errRequestHasReply = errors.New("jsonrpc: request cannot carry result or error")
	errAmbiguousReply  = errors.New("jsonrpc: response must carry exactly one of result or error")
)

// AnyMessage is any inbound JSON-RPC message: request, notification or
// response.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request is a request (with an id) or a notification (without).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response is a reply to a request.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// Parse decodes and validates a single message. Decoding failures are
// returned as *Error values with the parse or invalid-request code.
func Parse(data []byte) (*AnyMessage, error) {
	var msg AnyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, Errorf(ErrorCodeParseError, "parse error: %v", err)
	}
	return &msg, nil
}

// UnmarshalJSON enforces JSON-RPC 2.0 structure.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type raw AnyMessage

	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return Errorf(ErrorCodeParseError, "parse error: %v", err)
	}

	if r.JSONRPCVersion != ProtocolVersion {
		return Errorf(ErrorCodeInvalidRequest, "%v: %q", errBadVersion, r.JSONRPCVersion)
	}

	hasResult := len(r.Result) > 0
	hasError := r.Error != nil

	if r.Method != "" {
		if hasResult || hasError {
			return NewError(ErrorCodeInvalidRequest, errRequestHasReply.Error())
		}
	} else if hasResult == hasError {
		return NewError(ErrorCodeInvalidRequest, errAmbiguousReply.Error())
	}

	*m = AnyMessage(r)
	return nil
}

// Type classifies the message.
func (m *AnyMessage) Type() string {
	if m.Method == "" {
		return KindResponse
	}
	if m.ID.IsNil() {
		return KindNotification
	}
	return KindRequest
}

// AsRequest returns the message as a Request, or nil for responses.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		Method:         m.Method,
		Params:         m.Params,
		ID:             m.ID,
	}
}

// AsResponse returns the message as a Response, or nil for requests.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}
	return &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
		ID:             m.ID,
	}
}

// NewResultResponse builds a successful response.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         b,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

// ErrorResponse builds an error response from an existing protocol error.
func ErrorResponse(id *RequestID, err *Error) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          err,
		ID:             id,
	}
}

// NewNotification builds an outbound notification.
func NewNotification(method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = b
	}
	return &Request{
		JSONRPCVersion: ProtocolVersion,
		Method:         method,
		Params:         raw,
	}, nil
}
