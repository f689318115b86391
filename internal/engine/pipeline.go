package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/relay-mcp/backend"
	"github.com/ggoodman/relay-mcp/internal/jsonrpc"
	"github.com/ggoodman/relay-mcp/internal/logctx"
	"github.com/ggoodman/relay-mcp/mcp"
	"github.com/ggoodman/relay-mcp/operations"
	"github.com/ggoodman/relay-mcp/sessions"
)

// CallTool runs one operation through the dispatch pipeline.
//
// Errors are always *jsonrpc.Error values: handler errors that already have
// that shape pass through untouched, anything else becomes an internal error
// carrying the original message.
func (e *Engine) CallTool(ctx context.Context, inv *Invocation, params *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	start := e.now()
	sessionID := e.sessionID(inv)
	peer, hasPeer := e.sessions.PeerFor(sessionID)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:  sessionID,
		ClientName: peer.ClientName,
	})
	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{Name: params.Name, Started: start})

	e.log.InfoContext(ctx, "engine.call.start")

	desc, ok := e.ops.Lookup(params.Name)
	if !ok {
		return nil, e.fail(ctx, inv, sessionID, params.Name, start,
			jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "unknown tool: %s", params.Name))
	}

	client, err := e.clientFor(inv)
	if err != nil {
		return nil, e.fail(ctx, inv, sessionID, params.Name, start, err)
	}

	headers := forwardHeaders(inv, peer, hasPeer)

	res, err := e.invoke(ctx, desc, &operations.Call{
		Client:    client,
		Headers:   headers,
		SessionID: sessionID,
	}, params.Arguments)
	if err != nil {
		return nil, e.fail(ctx, inv, sessionID, params.Name, start, err)
	}
	if res == nil {
		res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
	}

	e.log.InfoContext(ctx, "engine.call.ok",
		slog.Int64("dur_ms", e.now().Sub(start).Milliseconds()),
		slog.String("client_fp", client.Fingerprint()),
		slog.Bool("is_error", res.IsError),
	)
	return res, nil
}

// clientFor picks the backend client for an invocation: a credential found
// in the headers wins, then the eagerly built default client, then the
// resolver's own default credential.
func (e *Engine) clientFor(inv *Invocation) (*backend.Client, error) {
	var h http.Header
	if inv != nil {
		h = inv.Header
	}
	if cred, ok := e.resolver.FromHeaders(h); ok {
		c, err := e.clients.GetOrCreate(cred)
		if err != nil {
			return nil, jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "invalid credential: %v", err)
		}
		return c, nil
	}
	if e.defaultClient != nil {
		return e.defaultClient, nil
	}
	cred, err := e.resolver.Resolve(h)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, err.Error())
	}
	c, err := e.clients.GetOrCreate(cred)
	if err != nil {
		return nil, jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "invalid credential: %v", err)
	}
	return c, nil
}

// sessionID prefers the transport's explicit id, then the session header,
// then the stdio sentinel.
func (e *Engine) sessionID(inv *Invocation) string {
	if inv == nil {
		return sessions.StdioSessionID
	}
	if inv.SessionID != "" {
		return inv.SessionID
	}
	if id := inv.Header.Get(HeaderSessionID); id != "" {
		return id
	}
	return sessions.StdioSessionID
}

func forwardHeaders(inv *Invocation, peer sessions.PeerInfo, hasPeer bool) http.Header {
	var h http.Header
	if inv != nil && inv.Header != nil {
		h = inv.Header.Clone()
	} else {
		h = http.Header{}
	}
	if hasPeer && peer.ClientName != "" {
		h.Set("User-Agent", peer.ClientName)
	}
	return h
}

func (e *Engine) invoke(ctx context.Context, desc operations.Descriptor, call *operations.Call, args json.RawMessage) (res *mcp.CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", desc.Name, r)
		}
	}()
	return desc.Handler(ctx, call, args)
}

// fail logs err to both sinks and returns the error to hand to the caller.
func (e *Engine) fail(ctx context.Context, inv *Invocation, sessionID, tool string, start time.Time, err error) error {
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		rpcErr = jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, err.Error())
	}

	attrs := []slog.Attr{
		slog.String("err", err.Error()),
		slog.Int("code", int(rpcErr.Code)),
		slog.Int64("dur_ms", e.now().Sub(start).Milliseconds()),
	}
	data := map[string]any{
		"message": fmt.Sprintf("tool %s failed: %s", tool, rpcErr.Message),
		"tool":    tool,
		"code":    int(rpcErr.Code),
	}
	// The code stays internal; only the hint tells the peer to check its key.
	if backend.IsUnauthorized(err) {
		attrs = append(attrs, slog.Bool("credential_rejected", true))
		data["credential_rejected"] = true
	}
	e.log.LogAttrs(ctx, slog.LevelError, "engine.call.fail", attrs...)

	e.notify(ctx, inv, sessionID, mcp.LoggingLevelError, data)

	return rpcErr
}

// notify sends a log message to the calling session. It never fails and
// never panics; the local log is unaffected by what happens here.
func (e *Engine) notify(ctx context.Context, inv *Invocation, sessionID string, level mcp.LoggingLevel, data any) {
	if inv == nil || inv.Writer == nil {
		return
	}
	if !e.sessions.LogLevel(sessionID).Allows(level) {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.DebugContext(ctx, "engine.notify.panic", slog.Any("panic", r))
		}
	}()

	n, err := jsonrpc.NewNotification(string(mcp.LoggingMessageNotificationMethod), &mcp.LoggingMessageNotification{
		Level:  level,
		Logger: loggerName,
		Data:   data,
	})
	if err != nil {
		e.log.DebugContext(ctx, "engine.notify.encode_fail", slog.String("err", err.Error()))
		return
	}
	b, err := json.Marshal(n)
	if err != nil {
		e.log.DebugContext(ctx, "engine.notify.encode_fail", slog.String("err", err.Error()))
		return
	}
	if err := inv.Writer.WriteMessage(ctx, b); err != nil {
		e.log.DebugContext(ctx, "engine.notify.write_fail", slog.String("err", err.Error()))
	}
}
