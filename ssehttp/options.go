package ssehttp

import (
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultSSEPath     = "/sse"
	DefaultMessagePath = "/messages"
	DefaultHealthPath  = "/health"
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithPaths overrides the connection and message endpoint paths. Paths are
// normalized to begin with "/".
func WithPaths(ssePath, messagePath string) Option {
	return func(h *Handler) {
		if ssePath != "" {
			h.ssePath = NormalizePath(ssePath)
		}
		if messagePath != "" {
			h.messagePath = NormalizePath(messagePath)
		}
	}
}

// WithRebindingProtection enables Host and Origin validation. Empty lists
// leave the corresponding header unchecked.
func WithRebindingProtection(allowedHosts, allowedOrigins []string) Option {
	return func(h *Handler) {
		h.rebinding = true
		h.allowedHosts = append([]string(nil), allowedHosts...)
		h.allowedOrigins = append([]string(nil), allowedOrigins...)
	}
}

// WithHealth sets what the health endpoint reports.
func WithHealth(info HealthInfo) Option {
	return func(h *Handler) { h.health = info }
}

// WithKeepAlive sets the interval of SSE comment frames that keep idle
// connections open through proxies. Zero disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// NormalizePath ensures p begins with "/".
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
