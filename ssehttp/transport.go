package ssehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/ggoodman/relay-mcp/internal/jsonrpc"
)

var errTransportClosed = errors.New("sse transport closed")

// transport is one live SSE connection. Writes from concurrent POST
// handlers are serialized and refused once the connection is closed.
type transport struct {
	id string

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	w      io.Writer
	f      http.Flusher
	closed bool
}

func newTransport(ctx context.Context, id string, w io.Writer, f http.Flusher) *transport {
	ctx, cancel := context.WithCancelCause(ctx)
	return &transport{id: id, ctx: ctx, cancel: cancel, w: w, f: f}
}

// WriteMessage implements engine.MessageWriter.
func (t *transport) WriteMessage(_ context.Context, msg jsonrpc.Message) error {
	return t.writeEvent("message", msg)
}

func (t *transport) writeEvent(event string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if err := writeSSEEvent(t.w, event, payload); err != nil {
		return err
	}
	t.f.Flush()
	return nil
}

func (t *transport) writeComment(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if _, err := fmt.Fprintf(t.w, ": %s\n\n", text); err != nil {
		return err
	}
	t.f.Flush()
	return nil
}

// close marks the transport closed and cancels in-flight work. It reports
// whether this call performed the close.
func (t *transport) close(cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	t.cancel(cause)
	return true
}

// writeSSEEvent writes one Server-Sent Event frame.
func writeSSEEvent(w io.Writer, event string, payload []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	return nil
}
