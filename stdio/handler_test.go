package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/relay-mcp/backend"
	"github.com/ggoodman/relay-mcp/internal/engine"
	"github.com/ggoodman/relay-mcp/internal/jsonrpc"
	"github.com/ggoodman/relay-mcp/mcp"
	"github.com/ggoodman/relay-mcp/operations"
	"github.com/ggoodman/relay-mcp/sessions"
)

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t       *testing.T
	eng     *engine.Engine
	stdinW  *io.PipeWriter
	stdoutR *bufio.Scanner
	outMu   sync.Mutex
	lines   []string
	served  chan error
}

type noArgs struct{}

func newEngine(t *testing.T, defaultClient *backend.Client) *engine.Engine {
	t.Helper()
	ops := []operations.Descriptor{
		operations.New("get_account", func(ctx context.Context, call *operations.Call, _ noArgs) (*mcp.CallToolResult, error) {
			var out map[string]any
			if err := call.Client.Do(ctx, backend.Request{Method: http.MethodGet, Path: "/v1/account", Header: call.Headers}, &out); err != nil {
				return nil, err
			}
			return operations.JSONResult(out)
		}, operations.WithDescription("Fetch the account"), operations.WithTier(operations.TierMinimal)),
	}
	reg, err := operations.NewRegistry(operations.TierFull, ops...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	var opts []engine.EngineOption
	opts = append(opts, engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if defaultClient != nil {
		opts = append(opts, engine.WithDefaultClient(defaultClient))
	}
	return engine.NewEngine(reg, backend.NewCache("https://api.relayhq.io"), sessions.NewRegistry(), opts...)
}

func newHarness(t *testing.T, eng *engine.Engine) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := NewHandler(eng, WithIO(inR, outW), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, eng: eng, stdinW: inW, stdoutR: bufio.NewScanner(outR), served: make(chan error, 1)}

	go func() {
		th.served <- h.Serve(ctx)
	}()

	go func() {
		for th.stdoutR.Scan() {
			line := strings.TrimSpace(th.stdoutR.Text())
			th.t.Logf("OUT: %s", line)
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
		time.Sleep(10 * time.Millisecond)
	})
	return th
}

func (th *testHarness) send(req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = th.stdinW.Write(append(b, '\n'))
	return err
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

// expectResponse skips notifications and returns the next response, along
// with the notifications seen on the way.
func (th *testHarness) expectResponse(timeout time.Duration) (*jsonrpc.Response, []*jsonrpc.Request, error) {
	var notes []*jsonrpc.Request
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := th.nextLine(time.Until(deadline))
		if err != nil {
			return nil, notes, err
		}
		var any jsonrpc.AnyMessage
		if err := json.Unmarshal([]byte(line), &any); err != nil {
			return nil, notes, err
		}
		if any.Type() == jsonrpc.KindResponse {
			return any.AsResponse(), notes, nil
		}
		notes = append(notes, any.AsRequest())
	}
	return nil, notes, fmt.Errorf("timeout waiting for response")
}

func (th *testHarness) call(t *testing.T, id any, method string, params any) (*jsonrpc.Response, []*jsonrpc.Request) {
	t.Helper()
	if err := th.send(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		ID:             jsonrpc.NewRequestID(id),
		Params:         mustJSON(t, params),
	}); err != nil {
		t.Fatalf("send %s: %v", method, err)
	}
	res, notes, err := th.expectResponse(2 * time.Second)
	if err != nil {
		t.Fatalf("expect %s response: %v", method, err)
	}
	return res, notes
}

func (th *testHarness) initialize(t *testing.T, clientName string) *mcp.InitializeResult {
	t.Helper()
	res, _ := th.call(t, "init", string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: clientName, Version: "0.0.1"},
	})
	if res.Error != nil {
		t.Fatalf("initialize failed: %+v", res.Error)
	}
	var initRes mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)}); err != nil {
		t.Fatalf("send initialized: %v", err)
	}
	return &initRes
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestInitializeRecordsHandshake(t *testing.T) {
	th := newHarness(t, newEngine(t, nil))

	initRes := th.initialize(t, "claude-desktop")
	if initRes.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("unexpected protocol version %q", initRes.ProtocolVersion)
	}

	peer, ok := th.eng.Sessions().PeerFor(sessions.StdioSessionID)
	if !ok || peer.ClientName != "claude-desktop" {
		t.Fatalf("expected handshake recorded, got %+v ok=%v", peer, ok)
	}

	res, _ := th.call(t, 2, string(mcp.ToolsListMethod), nil)
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "get_account" {
		t.Fatalf("unexpected tools %+v", list.Tools)
	}
}

func TestToolCallUsesDefaultClientAndPeerUserAgent(t *testing.T) {
	var gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.UserAgent()
		_, _ = w.Write([]byte(`{"name":"Acme"}`))
	}))
	defer srv.Close()

	def, err := backend.NewClient(srv.URL, "default-key")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	th := newHarness(t, newEngine(t, def))
	th.initialize(t, "claude-desktop")

	res, _ := th.call(t, 3, string(mcp.ToolsCallMethod), map[string]any{"name": "get_account", "arguments": map[string]any{}})
	if res.Error != nil {
		t.Fatalf("tool call failed: %+v", res.Error)
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.StructuredContent["name"] != "Acme" {
		t.Fatalf("unexpected result %+v", out)
	}
	if gotAuth != "Bearer default-key" {
		t.Fatalf("unexpected Authorization %q", gotAuth)
	}
	if gotUA != "claude-desktop" {
		t.Fatalf("unexpected User-Agent %q", gotUA)
	}
}

func TestToolCallWithoutCredential(t *testing.T) {
	th := newHarness(t, newEngine(t, nil))
	th.initialize(t, "client")

	res, notes := th.call(t, 4, string(mcp.ToolsCallMethod), map[string]any{"name": "get_account"})
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", res.Error)
	}
	if len(notes) != 1 || notes[0].Method != string(mcp.LoggingMessageNotificationMethod) {
		t.Fatalf("expected one log notification, got %+v", notes)
	}
}

func TestMalformedLineGetsParseError(t *testing.T) {
	th := newHarness(t, newEngine(t, nil))

	if _, err := th.stdinW.Write([]byte("{not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, _, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect response: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", res.Error)
	}
	if !res.ID.IsNil() {
		t.Fatalf("expected null id, got %v", res.ID)
	}
}

func TestEOFStopsServeAndForgetsSession(t *testing.T) {
	eng := newEngine(t, nil)
	th := newHarness(t, eng)
	th.initialize(t, "client")

	if err := th.stdinW.Close(); err != nil {
		t.Fatalf("close stdin: %v", err)
	}
	select {
	case err := <-th.served:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after EOF")
	}
	if _, ok := eng.Sessions().Lookup(sessions.StdioSessionID); ok {
		t.Fatalf("expected stdio session to be forgotten")
	}
}

func TestServeTwice(t *testing.T) {
	h := NewHandler(newEngine(t, nil), WithIO(strings.NewReader(""), io.Discard))
	if err := h.Serve(context.Background()); err != nil {
		t.Fatalf("first Serve: %v", err)
	}
	if err := h.Serve(context.Background()); err != ErrAlreadyServed {
		t.Fatalf("expected ErrAlreadyServed, got %v", err)
	}
}
