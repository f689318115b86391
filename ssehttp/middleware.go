package ssehttp

import (
	"net"
	"net/http"
	"strings"
)

// Middleware wraps an http.Handler.
type Middleware func(next http.Handler) http.Handler

// Chain applies mws so that the first one is outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// hostValidation rejects requests whose Host header is not allowed. Entries
// may be "host" or "host:port"; a bare host matches any port.
func hostValidation(allowed []string) Middleware {
	return func(next http.Handler) http.Handler {
		allowedMap := make(map[string]bool, len(allowed))
		for _, v := range allowed {
			allowedMap[strings.ToLower(v)] = true
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := strings.ToLower(r.Host)
			hostname := host
			if h, _, err := net.SplitHostPort(host); err == nil {
				hostname = h
			}
			if allowedMap["*"] || allowedMap[host] || allowedMap[hostname] {
				next.ServeHTTP(w, r)
				return
			}
			writeJSONError(w, http.StatusForbidden, "host not allowed")
		})
	}
}

// originValidation rejects browser requests from unknown origins. Requests
// without an Origin header pass. A wildcard "*" allows any origin.
func originValidation(allowed []string) Middleware {
	return func(next http.Handler) http.Handler {
		allowedMap := make(map[string]bool, len(allowed))
		for _, v := range allowed {
			allowedMap[strings.TrimRight(v, "/")] = true
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || allowedMap["*"] || allowedMap[strings.TrimRight(origin, "/")] {
				next.ServeHTTP(w, r)
				return
			}
			writeJSONError(w, http.StatusForbidden, "origin not allowed")
		})
	}
}
