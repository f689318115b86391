package engine

import (
	"context"

	"github.com/ggoodman/relay-mcp/internal/jsonrpc"
)

// MessageWriter delivers an outbound message to one session.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

type MessageWriterFunc func(ctx context.Context, msg jsonrpc.Message) error

func (f MessageWriterFunc) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	return f(ctx, msg)
}
