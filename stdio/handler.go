package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/relay-mcp/internal/engine"
	"github.com/ggoodman/relay-mcp/internal/jsonrpc"
	"github.com/ggoodman/relay-mcp/internal/logctx"
	"github.com/ggoodman/relay-mcp/sessions"
)

// ErrAlreadyServed is returned when Serve is called more than once.
var ErrAlreadyServed = errors.New("stdio: handler already served")

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses to an io.Writer. By default, it uses
// os.Stdin and os.Stdout.
type Handler struct {
	eng    *engine.Engine
	r      io.Reader
	w      io.Writer
	l      *slog.Logger
	header http.Header

	writeMu sync.Mutex
	served  atomic.Bool
	closed  atomic.Bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		eng:    eng,
		r:      os.Stdin,
		w:      os.Stdout,
		l:      slog.Default(),
		header: http.Header{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It may be called at most once.
//
// On EOF, requests already being handled are allowed to write their
// responses. On context cancellation Serve returns immediately and in-flight
// requests are abandoned.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}

	reg := h.eng.Sessions()
	reg.Open(sessions.StdioSessionID)
	defer reg.Forget(sessions.StdioSessionID)
	defer h.closed.Store(true)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sessions.StdioSessionID,
		Transport: "stdio",
	})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go h.readLoop(ctx, lines, readErr)

	h.l.InfoContext(ctx, "stdio.serve.start")

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			h.l.InfoContext(ctx, "stdio.serve.stop", slog.String("reason", "context"))
			return nil
		case err := <-readErr:
			wg.Wait()
			if err != nil && !errors.Is(err, io.EOF) {
				h.l.ErrorContext(ctx, "stdio.serve.read_fail", slog.String("err", err.Error()))
				return fmt.Errorf("stdio: read: %w", err)
			}
			h.l.InfoContext(ctx, "stdio.serve.stop", slog.String("reason", "eof"))
			return nil
		case line := <-lines:
			h.handleLine(ctx, line, &wg)
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, out chan<- []byte, errCh chan<- error) {
	br := bufio.NewReader(h.r)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

func (h *Handler) handleLine(ctx context.Context, line []byte, wg *sync.WaitGroup) {
	msg, err := jsonrpc.Parse(bytes.TrimSpace(line))
	if err != nil {
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = jsonrpc.NewError(jsonrpc.ErrorCodeParseError, err.Error())
		}
		h.l.InfoContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
		h.writeResponse(ctx, jsonrpc.ErrorResponse(nil, rpcErr))
		return
	}

	if peer, ok := engine.HandshakePeer(msg); ok {
		h.eng.Sessions().RecordHandshake(sessions.StdioSessionID, peer)
		h.l.InfoContext(ctx, "stdio.session.handshake", slog.String("client", peer.ClientName))
	}

	inv := &engine.Invocation{
		SessionID: sessions.StdioSessionID,
		Header:    h.header,
		Writer:    engine.MessageWriterFunc(h.writeMessage),
	}

	if msg.Type() != jsonrpc.KindRequest {
		_, _ = h.eng.HandleMessage(ctx, inv, msg)
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := h.eng.HandleRequest(ctx, inv, msg.AsRequest())
		if err != nil {
			h.l.ErrorContext(ctx, "stdio.request.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
		}
		h.writeResponse(ctx, res)
	}()
}

func (h *Handler) writeResponse(ctx context.Context, res *jsonrpc.Response) {
	if res == nil {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		h.l.ErrorContext(ctx, "stdio.write.encode_fail", slog.String("err", err.Error()))
		return
	}
	if err := h.writeMessage(ctx, b); err != nil {
		h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

// writeMessage serializes writes so that frames never interleave.
func (h *Handler) writeMessage(_ context.Context, msg jsonrpc.Message) error {
	if h.closed.Load() {
		return io.ErrClosedPipe
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	_, err := h.w.Write(buf)
	return err
}
