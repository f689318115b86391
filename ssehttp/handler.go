package ssehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/relay-mcp/internal/engine"
	"github.com/ggoodman/relay-mcp/internal/jsonrpc"
	"github.com/ggoodman/relay-mcp/internal/logctx"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	ErrSessionIDMissing = errors.New("missing or ambiguous sessionId query parameter")
	ErrSessionNotFound  = errors.New("no live session for sessionId")
	ErrHandlerClosed    = errors.New("handler is shutting down")
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	sessionIDParam = "sessionId"
	maxMessageBody = 4 << 20
)

// HealthInfo is reported by the health endpoint.
type HealthInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Tools     string `json:"tools"`
	Transport string `json:"transport"`
}

// Handler serves the multi-session SSE transport: a GET endpoint that opens
// one session per connection, a POST endpoint that delivers messages to a
// session by id, and a health endpoint.
type Handler struct {
	eng *engine.Engine
	log *slog.Logger

	ssePath     string
	messagePath string
	keepAlive   time.Duration
	health      HealthInfo

	rebinding      bool
	allowedHosts   []string
	allowedOrigins []string

	handler http.Handler

	mu         sync.Mutex
	transports map[string]*transport
	closed     bool
}

// New builds a Handler dispatching to eng.
func New(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		eng:         eng,
		log:         slog.Default(),
		ssePath:     DefaultSSEPath,
		messagePath: DefaultMessagePath,
		keepAlive:   30 * time.Second,
		health: HealthInfo{
			Name:      eng.ServerInfo().Name,
			Version:   eng.ServerInfo().Version,
			Tools:     string(eng.Operations().Tier()),
			Transport: "sse",
		},
		transports: make(map[string]*transport),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+h.ssePath, h.handleGetSSE)
	mux.HandleFunc("POST "+h.messagePath, h.handlePostMessage)
	mux.HandleFunc("GET "+DefaultHealthPath, h.handleGetHealth)

	var mws []Middleware
	if h.rebinding {
		if len(h.allowedHosts) > 0 {
			mws = append(mws, hostValidation(h.allowedHosts))
		}
		if len(h.allowedOrigins) > 0 {
			mws = append(mws, originValidation(h.allowedOrigins))
		}
	}
	h.handler = Chain(mux, mws...)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// SessionCount returns the number of live connections.
func (h *Handler) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

// Close terminates every live connection and refuses new ones.
func (h *Handler) Close() error {
	h.mu.Lock()
	h.closed = true
	live := make([]*transport, 0, len(h.transports))
	for _, t := range h.transports {
		live = append(live, t)
	}
	h.mu.Unlock()

	for _, t := range live {
		t.cancel(ErrHandlerClosed)
	}
	return nil
}

func (h *Handler) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
			h.log.WarnContext(ctx, "sse.open.not_acceptable")
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	id := uuid.NewString()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: "sse"})
	t := newTransport(ctx, id, w, f)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		t.close(ErrHandlerClosed)
		writeJSONError(w, http.StatusServiceUnavailable, ErrHandlerClosed.Error())
		return
	}
	h.transports[id] = t
	h.mu.Unlock()
	h.eng.Sessions().Open(id)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	endpoint := h.messagePath + "?" + sessionIDParam + "=" + url.QueryEscape(id)
	if err := t.writeEvent("endpoint", []byte(endpoint)); err != nil {
		h.onError(ctx, t, err)
		h.onClose(ctx, t, start, "establish_failed")
		return
	}

	h.log.InfoContext(ctx, "sse.session.open")

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	reason := "client_closed"
loop:
	for {
		select {
		case <-t.ctx.Done():
			if errors.Is(context.Cause(t.ctx), ErrHandlerClosed) {
				reason = "server_closed"
			}
			break loop
		case <-tick:
			if err := t.writeComment("ping"); err != nil {
				h.onError(ctx, t, err)
				reason = "write_failed"
				break loop
			}
		}
	}

	h.onClose(ctx, t, start, reason)
}

// onClose removes the session from the transport map and the session
// registry.
func (h *Handler) onClose(ctx context.Context, t *transport, start time.Time, reason string) {
	t.close(context.Canceled)

	h.mu.Lock()
	delete(h.transports, t.id)
	h.mu.Unlock()
	h.eng.Sessions().Forget(t.id)

	h.log.InfoContext(ctx, "sse.session.close",
		slog.String("reason", reason),
		slog.Duration("dur", time.Since(start)),
	)
}

func (h *Handler) onError(ctx context.Context, t *transport, err error) {
	h.log.ErrorContext(ctx, "sse.session.error", slog.String("session_id", t.id), slog.String("err", err.Error()))
}

func (h *Handler) lookup(id string) *transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[id]
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ids, present := r.URL.Query()[sessionIDParam]
	if !present || len(ids) != 1 || ids[0] == "" {
		writeJSONError(w, http.StatusBadRequest, ErrSessionIDMissing.Error())
		h.log.InfoContext(ctx, "sse.message.bad_session_id", slog.Int("count", len(ids)))
		return
	}
	id := ids[0]
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: "sse"})

	t := h.lookup(id)
	if t == nil {
		writeJSONError(w, http.StatusNotFound, ErrSessionNotFound.Error())
		h.log.InfoContext(ctx, "sse.message.miss")
		return
	}

	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			h.log.WarnContext(ctx, "sse.message.content_type.unsupported")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBody))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read body: %v", err))
		h.log.ErrorContext(ctx, "sse.message.read_fail", slog.String("err", err.Error()))
		return
	}

	msg, err := jsonrpc.Parse(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid message: %v", err))
		h.log.InfoContext(ctx, "sse.message.invalid", slog.String("err", err.Error()))
		return
	}

	if err := h.handleMessage(ctx, t, r.Header, msg); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		h.onError(ctx, t, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
	h.log.DebugContext(ctx, "sse.message.accepted", slog.Duration("dur", time.Since(start)))
}

// handleMessage hands msg to the engine. Requests are answered
// asynchronously on the session's stream.
func (h *Handler) handleMessage(ctx context.Context, t *transport, header http.Header, msg *jsonrpc.AnyMessage) error {
	if peer, ok := engine.HandshakePeer(msg); ok {
		h.eng.Sessions().RecordHandshake(t.id, peer)
		h.log.InfoContext(ctx, "sse.session.handshake", slog.String("client", peer.ClientName))
	}

	inv := &engine.Invocation{
		SessionID: t.id,
		Header:    header.Clone(),
		Writer:    t,
	}

	if msg.Type() != jsonrpc.KindRequest {
		_, err := h.eng.HandleMessage(ctx, inv, msg)
		return err
	}

	if t.ctx.Err() != nil {
		return errTransportClosed
	}

	// The POST returns before the request is answered, so the work runs on
	// the connection's context rather than the POST's.
	reqCtx := logctx.WithRPCMessage(t.ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   jsonrpc.KindRequest,
	})
	go func() {
		res, err := h.eng.HandleRequest(reqCtx, inv, msg.AsRequest())
		if err != nil {
			h.log.ErrorContext(reqCtx, "sse.request.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
		}
		b, err := json.Marshal(res)
		if err != nil {
			h.log.ErrorContext(reqCtx, "sse.response.encode_fail", slog.String("err", err.Error()))
			return
		}
		if err := t.WriteMessage(reqCtx, b); err != nil {
			h.log.InfoContext(reqCtx, "sse.response.drop", slog.String("err", err.Error()))
		}
	}()
	return nil
}

func (h *Handler) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		HealthInfo
		Sessions int `json:"sessions"`
	}{
		Status:     "ok",
		HealthInfo: h.health,
		Sessions:   h.SessionCount(),
	})
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
