package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/relay-mcp/auth"
	"golang.org/x/oauth2"
)

// DefaultUserAgent is sent when the caller did not forward one.
const DefaultUserAgent = "relay-mcp"

// DefaultTimeout bounds a backend exchange unless WithTimeout says otherwise.
const DefaultTimeout = 60 * time.Second

const maxErrorBody = 64 << 10

// Client talks to the Relay REST API on behalf of exactly one credential.
// It is safe for concurrent use.
type Client struct {
	baseURL     *url.URL
	hc          *http.Client
	fingerprint string
	userAgent   string
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout   time.Duration
	userAgent string
}

// WithTimeout bounds a single backend HTTP exchange.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithUserAgent sets the user agent used when none is forwarded.
func WithUserAgent(ua string) ClientOption {
	return func(o *clientOptions) { o.userAgent = ua }
}

// NewClient binds a client to credential and baseURL.
func NewClient(baseURL, credential string, opts ...ClientOption) (*Client, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrEmptyCredential
	}

	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend base url %q: scheme must be http or https", baseURL)
	}

	o := clientOptions{
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(&o)
	}

	base := &http.Client{Transport: http.DefaultTransport}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: credential,
		TokenType:   "Bearer",
	}))
	hc.Timeout = o.timeout

	return &Client{
		baseURL:     u,
		hc:          hc,
		fingerprint: Fingerprint(credential),
		userAgent:   o.userAgent,
	}, nil
}

// Fingerprint is a short, non-reversible identifier for a credential that
// is safe to log.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(credential)))
	return hex.EncodeToString(sum[:6])
}

// Fingerprint identifies the client's credential in logs.
func (c *Client) Fingerprint() string { return c.fingerprint }

// BaseURL returns the backend address the client is bound to.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// Request describes one backend call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	// Header holds forwarded request metadata. Credential and hop-by-hop
	// headers are never copied.
	Header http.Header
}

// Do performs req and decodes a JSON reply into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	u := c.baseURL.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build backend request: %w", err)
	}
	copyForwardedHeaders(hreq.Header, req.Header)
	if hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", c.userAgent)
	}
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(hreq)
	if err != nil {
		return fmt.Errorf("backend %s %s: %w", method, req.Path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return decodeAPIError(res.StatusCode, b)
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode backend response: %w", err)
	}
	return nil
}

var skipForward = map[string]struct{}{
	"Accept":              {},
	"Accept-Encoding":     {},
	"Connection":          {},
	"Content-Length":      {},
	"Content-Type":        {},
	"Cookie":              {},
	"Host":                {},
	"Keep-Alive":          {},
	"Mcp-Session-Id":      {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyForwardedHeaders(dst, src http.Header) {
	for k, vs := range src {
		ck := http.CanonicalHeaderKey(k)
		if _, skip := skipForward[ck]; skip || auth.IsCredentialHeader(ck) {
			continue
		}
		for _, v := range vs {
			dst.Add(ck, v)
		}
	}
}
