// Command relay-mcp exposes the Relay API to MCP clients over stdio or SSE.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/relay-mcp/auth"
	"github.com/ggoodman/relay-mcp/backend"
	"github.com/ggoodman/relay-mcp/catalog"
	"github.com/ggoodman/relay-mcp/config"
	"github.com/ggoodman/relay-mcp/internal/engine"
	"github.com/ggoodman/relay-mcp/internal/logctx"
	"github.com/ggoodman/relay-mcp/mcp"
	"github.com/ggoodman/relay-mcp/sessions"
	"github.com/ggoodman/relay-mcp/ssehttp"
	"github.com/ggoodman/relay-mcp/stdio"
)

const serverName = "relay-mcp"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const instructions = `Tools operate on the Relay account bound to the API key of each call.
Send the key in the X-Relay-Api-Key header or as an Authorization bearer token; otherwise the server's default key is used.`

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run returns the process exit code: 0 on a graceful stop or after help, 1
// on misconfiguration or a serve failure.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		if config.IsHelp(err) {
			fmt.Fprintln(stderr, err.Error())
			return 0
		}
		fmt.Fprintf(stderr, "relay-mcp: invalid configuration: %v\n", err)
		return 1
	}

	log := newLogger(stderr, cfg)

	eng, err := newEngine(cfg, log)
	if err != nil {
		log.Error("startup.fail", slog.String("err", err.Error()))
		return 1
	}

	log.Info("startup.ok",
		slog.String("transport", cfg.Transport),
		slog.String("tools", cfg.Tools),
		slog.Int("tool_count", eng.Operations().Len()),
		slog.String("backend", cfg.BackendURL()),
		slog.String("version", version),
	)
	for _, d := range eng.Operations().List() {
		log.Debug("startup.tool", slog.String("name", d.Name), slog.String("tier", string(d.Tier)))
	}

	switch cfg.Transport {
	case config.TransportSSE:
		err = serveSSE(ctx, cfg, eng, log)
	default:
		err = stdio.NewHandler(eng, stdio.WithIO(stdin, stdout), stdio.WithLogger(log)).Serve(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("serve.fail", slog.String("err", err.Error()))
		return 1
	}

	log.Info("shutdown.ok")
	return 0
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var h slog.Handler
	if cfg.LogFormat == config.LogFormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

func newEngine(cfg *config.Config, log *slog.Logger) (*engine.Engine, error) {
	ops, err := catalog.Registry(cfg.Tier())
	if err != nil {
		return nil, fmt.Errorf("failed to build operation registry: %w", err)
	}

	clients := backend.NewCache(cfg.BackendURL(),
		backend.WithUserAgent(serverName+"/"+version),
		backend.WithTimeout(cfg.Timeout),
	)
	resolver := auth.NewResolver(auth.WithDefaultCredential(cfg.APIKey))

	opts := []engine.EngineOption{
		engine.WithLogger(log),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: serverName, Version: version}),
		engine.WithInstructions(instructions),
		engine.WithCredentialResolver(resolver),
	}
	if resolver.HasDefault() {
		def, err := clients.GetOrCreate(cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create default client: %w", err)
		}
		opts = append(opts, engine.WithDefaultClient(def))
	}

	return engine.NewEngine(ops, clients, sessions.NewRegistry(), opts...), nil
}

func serveSSE(ctx context.Context, cfg *config.Config, eng *engine.Engine, log *slog.Logger) error {
	var opts []ssehttp.Option
	opts = append(opts,
		ssehttp.WithLogger(log),
		ssehttp.WithPaths(cfg.SSEPath, cfg.MessagePath),
		ssehttp.WithHealth(ssehttp.HealthInfo{
			Name:      serverName,
			Version:   version,
			Tools:     cfg.Tools,
			Transport: config.TransportSSE,
		}),
	)
	if cfg.DNSRebindingProtection {
		opts = append(opts, ssehttp.WithRebindingProtection(cfg.AllowedHosts, cfg.AllowedOrigins))
	}
	h := ssehttp.New(eng, opts...)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("sse.listen", slog.String("addr", srv.Addr), slog.String("sse_path", cfg.SSEPath), slog.String("message_path", cfg.MessagePath))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = h.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("sse.shutdown.start", slog.Int("sessions", h.SessionCount()))

	// Streams never finish on their own, so they are closed before waiting
	// on the server.
	_ = h.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
