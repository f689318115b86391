package operations

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ggoodman/relay-mcp/internal/jsonrpc"
	"github.com/ggoodman/relay-mcp/mcp"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo"`
	Repeat  int    `json:"repeat,omitempty" jsonschema:"minimum=1,maximum=5"`
}

func echoOp(opts ...Option) Descriptor {
	return New("echo", func(ctx context.Context, call *Call, args echoArgs) (*mcp.CallToolResult, error) {
		n := args.Repeat
		if n == 0 {
			n = 1
		}
		return TextResult(strings.Repeat(args.Message, n)), nil
	}, append([]Option{WithDescription("Echo a message")}, opts...)...)
}

func TestNewReflectsSchema(t *testing.T) {
	d := echoOp(WithTier(TierMinimal), ReadOnly())

	require.Equal(t, "object", d.InputSchema.Type)
	require.Equal(t, []string{"message"}, d.InputSchema.Required)
	require.False(t, d.InputSchema.AdditionalProperties)
	require.Equal(t, "string", d.InputSchema.Properties["message"].Type)
	require.Equal(t, "Text to echo", d.InputSchema.Properties["message"].Description)
	require.NotNil(t, d.InputSchema.Properties["repeat"].Minimum)
	require.Equal(t, 1.0, *d.InputSchema.Properties["repeat"].Minimum)

	require.NotNil(t, d.Annotations)
	require.True(t, *d.Annotations.ReadOnlyHint)
	require.Nil(t, d.Annotations.DestructiveHint)
	require.Equal(t, TierMinimal, d.Tier)
	require.NoError(t, Validate(d))
}

func TestNewUnnamedArgumentTypes(t *testing.T) {
	anon := New("anon", func(ctx context.Context, call *Call, _ struct{}) (*mcp.CallToolResult, error) {
		return TextResult("ok"), nil
	}, WithDescription("Takes no arguments"))
	require.Equal(t, "object", anon.InputSchema.Type)
	require.Empty(t, anon.InputSchema.Properties)
	require.False(t, anon.InputSchema.AdditionalProperties)
	require.NoError(t, Validate(anon))

	free := New("free", func(ctx context.Context, call *Call, args map[string]any) (*mcp.CallToolResult, error) {
		return TextResult(args["k"].(string)), nil
	}, WithDescription("Takes any object"))
	require.Equal(t, "object", free.InputSchema.Type)
	require.True(t, free.InputSchema.AdditionalProperties)
	require.NoError(t, Validate(free))

	res, err := free.Handler(context.Background(), &Call{}, json.RawMessage(`{"k":"v"}`))
	require.NoError(t, err)
	require.Equal(t, "v", res.Content[0].Text)
}

func TestNewDecodesArguments(t *testing.T) {
	d := echoOp()
	res, err := d.Handler(context.Background(), &Call{}, json.RawMessage(`{"message":"hi","repeat":2}`))
	require.NoError(t, err)
	require.Equal(t, "hihi", res.Content[0].Text)
}

func TestNewRejectsBadArguments(t *testing.T) {
	d := echoOp()

	for name, raw := range map[string]string{
		"unknown field":    `{"message":"hi","nope":1}`,
		"wrong type":       `{"message":42}`,
		"missing required": `{"repeat":2}`,
		"null args":        `null`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := d.Handler(context.Background(), &Call{}, json.RawMessage(raw))
			var rpcErr *jsonrpc.Error
			require.True(t, errors.As(err, &rpcErr), "got %v", err)
			require.Equal(t, jsonrpc.ErrorCodeInvalidParams, rpcErr.Code)
		})
	}
}

func TestDestructiveAnnotations(t *testing.T) {
	d := echoOp(Destructive(), Idempotent())
	require.False(t, *d.Annotations.ReadOnlyHint)
	require.True(t, *d.Annotations.DestructiveHint)
	require.True(t, *d.Annotations.IdempotentHint)

	tool := d.Tool()
	b, err := json.Marshal(tool)
	require.NoError(t, err)
	require.Contains(t, string(b), `"destructiveHint":true`)
}

func TestRegistryTiers(t *testing.T) {
	minimal := echoOp(WithTier(TierMinimal))
	full := New("account", func(ctx context.Context, call *Call, _ struct{}) (*mcp.CallToolResult, error) {
		return TextResult("ok"), nil
	}, WithDescription("Account"))

	r, err := NewRegistry(TierFull, minimal, full)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())
	require.Equal(t, []string{"echo", "account"}, toolNames(r.Tools()))

	r, err = NewRegistry(TierMinimal, minimal, full)
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())
	require.Equal(t, 2, r.Total())
	_, ok := r.Lookup("account")
	require.False(t, ok)
	_, ok = r.Lookup("echo")
	require.True(t, ok)
}

func TestRegistryRejectsInvalidCatalog(t *testing.T) {
	bad := echoOp()
	bad.Description = ""

	_, err := NewRegistry(TierFull, echoOp(), echoOp())
	require.ErrorContains(t, err, "duplicate name")

	_, err = NewRegistry(TierFull, bad)
	require.ErrorContains(t, err, "description is required")

	noHandler := echoOp()
	noHandler.Handler = nil
	_, err = NewRegistry(TierFull, noHandler)
	require.ErrorContains(t, err, "handler is required")

	badName := echoOp()
	badName.Name = "Echo Tool"
	_, err = NewRegistry(TierFull, badName)
	require.ErrorContains(t, err, "name must match")

	_, err = NewRegistry(Tier("huge"))
	require.ErrorIs(t, err, ErrUnknownTier)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("MINIMAL")
	require.NoError(t, err)
	require.Equal(t, TierMinimal, tier)

	tier, err = ParseTier("")
	require.NoError(t, err)
	require.Equal(t, TierFull, tier)

	_, err = ParseTier("most")
	require.ErrorIs(t, err, ErrUnknownTier)
}

func TestJSONResult(t *testing.T) {
	res, err := JSONResult(map[string]any{"id": "c_1"})
	require.NoError(t, err)
	require.Equal(t, "c_1", res.StructuredContent["id"])
	require.Contains(t, res.Content[0].Text, `"id": "c_1"`)

	res, err = JSONResult([]string{"a"})
	require.NoError(t, err)
	require.Nil(t, res.StructuredContent)
}

func toolNames(tools []mcp.Tool) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}
