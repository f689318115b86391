package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrMissingCredential indicates that neither the request headers nor the
// process configuration supplied a backend credential.
var ErrMissingCredential = errors.New("missing credential: provide an API key header, an Authorization bearer token, or configure a default key")

// HeaderAPIKey is the primary credential header.
const HeaderAPIKey = "X-Relay-Api-Key"

// DefaultCredentialHeaders lists the direct credential headers in the order
// they are consulted. Matching is case-insensitive.
var DefaultCredentialHeaders = []string{
	HeaderAPIKey,
	"X-Api-Key",
	"Relay-Api-Key",
}

const bearerPrefix = "bearer "

// Resolver picks a single credential out of a header bag.
//
// Direct credential headers win over Authorization, and Authorization wins
// over the configured default. A Resolver is immutable and safe for
// concurrent use.
type Resolver struct {
	headers           []string
	defaultCredential string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefaultCredential sets the process-wide fallback credential.
func WithDefaultCredential(cred string) Option {
	return func(r *Resolver) { r.defaultCredential = strings.TrimSpace(cred) }
}

// WithCredentialHeaders replaces the direct credential header list.
func WithCredentialHeaders(names ...string) Option {
	return func(r *Resolver) { r.headers = append([]string(nil), names...) }
}

// NewResolver returns a Resolver using DefaultCredentialHeaders.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{headers: append([]string(nil), DefaultCredentialHeaders...)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the credential for h, falling back to the default.
func (r *Resolver) Resolve(h http.Header) (string, error) {
	if cred, ok := r.FromHeaders(h); ok {
		return cred, nil
	}
	if r.defaultCredential != "" {
		return r.defaultCredential, nil
	}
	return "", ErrMissingCredential
}

// FromHeaders returns the credential carried by h without consulting the
// default.
func (r *Resolver) FromHeaders(h http.Header) (string, bool) {
	if len(h) == 0 {
		return "", false
	}
	for _, name := range r.headers {
		if v := firstValue(h, name); v != "" {
			return v, true
		}
	}
	for _, v := range lookup(h, "Authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= len(bearerPrefix) && strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
			if tok := strings.TrimSpace(v[len(bearerPrefix):]); tok != "" {
				return tok, true
			}
		}
	}
	return "", false
}

// HasDefault reports whether a fallback credential is configured.
func (r *Resolver) HasDefault() bool {
	return r.defaultCredential != ""
}

// IsCredentialHeader reports whether name carries a credential and must not
// be forwarded verbatim to third parties.
func IsCredentialHeader(name string) bool {
	if strings.EqualFold(name, "Authorization") {
		return true
	}
	for _, h := range DefaultCredentialHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func firstValue(h http.Header, name string) string {
	for _, v := range lookup(h, name) {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// lookup tolerates header bags whose keys were never canonicalized.
func lookup(h http.Header, name string) []string {
	if vs, ok := h[http.CanonicalHeaderKey(name)]; ok {
		return vs
	}
	for k, vs := range h {
		if strings.EqualFold(k, name) {
			return vs
		}
	}
	return nil
}
