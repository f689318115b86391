package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/relay-mcp/auth"
	"github.com/ggoodman/relay-mcp/backend"
	"github.com/ggoodman/relay-mcp/internal/jsonrpc"
	"github.com/ggoodman/relay-mcp/internal/logctx"
	"github.com/ggoodman/relay-mcp/mcp"
	"github.com/ggoodman/relay-mcp/operations"
	"github.com/ggoodman/relay-mcp/sessions"
)

// HeaderSessionID is consulted when a transport does not pass an explicit
// session id.
const HeaderSessionID = "Mcp-Session-Id"

const loggerName = "relay-mcp"

// Invocation is what a transport knows about an inbound message.
type Invocation struct {
	// SessionID is the transport session that delivered the message. Empty
	// means unknown.
	SessionID string
	// Header is the metadata that travelled with the message. The engine
	// never mutates it.
	Header http.Header
	// Writer reaches the calling session. It may be nil.
	Writer MessageWriter
}

// Engine is the long-lived dispatch context shared by every transport
// session. It owns no transport state of its own.
type Engine struct {
	ops      *operations.Registry
	clients  *backend.Cache
	sessions *sessions.Registry
	resolver *auth.Resolver
	log      *slog.Logger

	defaultClient *backend.Client
	serverInfo    mcp.ImplementationInfo
	instructions  string
	now           func() time.Time

	// in-flight tool calls by session and request id
	toolCtxMu      sync.Mutex
	toolCtxCancels map[string]context.CancelCauseFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the local log sink.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithDefaultClient sets the client used when an invocation carries no
// credential of its own.
func WithDefaultClient(c *backend.Client) EngineOption {
	return func(e *Engine) { e.defaultClient = c }
}

// WithCredentialResolver overrides how credentials are read from headers.
func WithCredentialResolver(r *auth.Resolver) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.resolver = r
		}
	}
}

// WithServerInfo sets the identity reported during initialize.
func WithServerInfo(info mcp.ImplementationInfo) EngineOption {
	return func(e *Engine) { e.serverInfo = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) EngineOption {
	return func(e *Engine) { e.instructions = s }
}

// WithClock overrides the time source used for durations.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an Engine dispatching tool calls to ops. Backend clients
// come from clients and session state is shared with the transports through
// reg.
func NewEngine(ops *operations.Registry, clients *backend.Cache, reg *sessions.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		ops:            ops,
		clients:        clients,
		sessions:       reg,
		resolver:       auth.NewResolver(),
		log:            slog.Default(),
		serverInfo:     mcp.ImplementationInfo{Name: "relay-mcp", Version: "dev"},
		now:            time.Now,
		toolCtxCancels: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Sessions returns the session registry shared with the transports.
func (e *Engine) Sessions() *sessions.Registry { return e.sessions }

// Operations returns the active operation registry.
func (e *Engine) Operations() *operations.Registry { return e.ops }

// ServerInfo returns the identity reported during initialize.
func (e *Engine) ServerInfo() mcp.ImplementationInfo { return e.serverInfo }

// HandshakePeer extracts the peer self-description from an initialize
// request. ok is false for any other message.
func HandshakePeer(msg *jsonrpc.AnyMessage) (sessions.PeerInfo, bool) {
	if msg == nil || msg.Method != string(mcp.InitializeMethod) {
		return sessions.PeerInfo{}, false
	}
	var req mcp.InitializeRequest
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return sessions.PeerInfo{}, false
		}
	}
	return sessions.PeerInfo{
		ClientName:      req.ClientInfo.Name,
		ClientVersion:   req.ClientInfo.Version,
		ProtocolVersion: req.ProtocolVersion,
	}, true
}

// HandleMessage routes any inbound message. The returned response is nil for
// notifications and responses.
func (e *Engine) HandleMessage(ctx context.Context, inv *Invocation, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	switch msg.Type() {
	case jsonrpc.KindRequest:
		return e.HandleRequest(ctx, inv, msg.AsRequest())
	case jsonrpc.KindNotification:
		e.HandleNotification(ctx, inv, msg.AsRequest())
		return nil, nil
	default:
		e.log.DebugContext(ctx, "engine.handle_message.unexpected_response", slog.String("id", msg.ID.String()))
		return nil, nil
	}
}

// HandleRequest answers a single request.
func (e *Engine) HandleRequest(ctx context.Context, inv *Invocation, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   jsonrpc.KindRequest,
	})

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, inv, req)
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return e.handleToolCall(ctx, inv, req)
	case mcp.LoggingSetLevelMethod:
		return e.handleSetLoggingLevel(ctx, inv, req)
	}

	e.log.InfoContext(ctx, "engine.handle_request.unsupported")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil), nil
}

// HandleNotification processes a notification. Unknown methods are ignored.
func (e *Engine) HandleNotification(ctx context.Context, inv *Invocation, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.DebugContext(ctx, "engine.session.initialized", slog.String("session_id", e.sessionID(inv)))
	case mcp.CancelledNotificationMethod:
		var params struct {
			RequestID jsonrpc.RequestID `json:"requestId"`
			Reason    string            `json:"reason,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.cancel.invalid", slog.String("err", err.Error()))
			return
		}
		key := callKey(e.sessionID(inv), params.RequestID.String())
		e.toolCtxMu.Lock()
		cancel, ok := e.toolCtxCancels[key]
		e.toolCtxMu.Unlock()
		if ok {
			cancel(fmt.Errorf("cancelled by client: %s", params.Reason))
			e.log.InfoContext(ctx, "engine.cancel.ok", slog.String("request_id", params.RequestID.String()))
		}
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.ignored", slog.String("method", req.Method))
	}
}

func (e *Engine) handleInitialize(ctx context.Context, inv *Invocation, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	version := mcp.LatestProtocolVersion
	if slices.Contains(mcp.SupportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	e.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("session_id", e.sessionID(inv)),
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocol_version", version),
	)

	return jsonrpc.NewResultResponse(req.ID, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Logging: &struct{}{},
			Tools:   &mcp.ToolsCapability{},
		},
		ServerInfo:   e.serverInfo,
		Instructions: e.instructions,
	})
}

func (e *Engine) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	tools := e.ops.Tools()
	e.log.DebugContext(ctx, "engine.handle_request.ok", slog.Int("tool_count", len(tools)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: tools})
}

func (e *Engine) handleSetLoggingLevel(ctx context.Context, inv *Invocation, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || !mcp.IsValidLoggingLevel(params.Level) {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("level", string(params.Level)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid logging level", nil), nil
	}
	e.sessions.SetLogLevel(e.sessionID(inv), params.Level)
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (e *Engine) handleToolCall(ctx context.Context, inv *Invocation, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params: tool name is required", nil), nil
	}

	key := callKey(e.sessionID(inv), req.ID.String())
	toolCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	e.toolCtxMu.Lock()
	if _, busy := e.toolCtxCancels[key]; busy {
		e.toolCtxMu.Unlock()
		e.log.InfoContext(ctx, "engine.handle_request.duplicate_id", slog.String("request_id", req.ID.String()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest,
			fmt.Sprintf("request id %s is already in flight", req.ID.String()), nil), nil
	}
	e.toolCtxCancels[key] = cancel
	e.toolCtxMu.Unlock()
	defer func() {
		e.toolCtxMu.Lock()
		delete(e.toolCtxCancels, key)
		e.toolCtxMu.Unlock()
	}()

	res, err := e.CallTool(toolCtx, inv, &params)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return jsonrpc.ErrorResponse(req.ID, rpcErr), nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil), nil
	}
	return jsonrpc.NewResultResponse(req.ID, res)
}

func callKey(sessionID, requestID string) string {
	return sessionID + "|" + requestID
}
