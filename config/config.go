// Package config loads the process configuration from the environment and
// the command line.
//
// The environment is read first with envdecode, using struct-tag defaults.
// Command-line flags parsed with go-flags are applied on top, so any flag
// that was set wins over its environment variable.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/relay-mcp/backend"
	"github.com/ggoodman/relay-mcp/operations"
	"github.com/jessevdk/go-flags"
	"github.com/joeshaw/envdecode"
)

// Transport kinds.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

var (
	ErrUnknownTransport      = errors.New("unknown transport")
	ErrMissingDefaultAPIKey  = errors.New("the stdio transport requires a default API key (RELAY_API_KEY or --api-key)")
	ErrInvalidPort           = errors.New("port must be between 1 and 65535")
	ErrInvalidBaseURL        = errors.New("base URL must be an absolute http or https URL")
	ErrConflictingPaths      = errors.New("SSE and message paths must differ from each other and from /health")
	ErrUnknownLogFormat      = errors.New("unknown log format")
	ErrRebindingWithoutHosts = errors.New("DNS rebinding protection requires at least one allowed host")
	ErrInvalidTimeout        = errors.New("backend timeout must be positive")
)

// Config is the validated process configuration.
type Config struct {
	Transport string `env:"MCP_TRANSPORT,default=stdio"`
	Tools     string `env:"MCP_TOOLS,default=full"`

	Region  string `env:"RELAY_REGION,default=us"`
	BaseURL string `env:"RELAY_BASE_URL"`
	APIKey  string `env:"RELAY_API_KEY"`

	// Timeout bounds one backend HTTP exchange.
	Timeout time.Duration `env:"RELAY_TIMEOUT,default=60s,strict"`

	Host        string `env:"MCP_HOST,default=127.0.0.1"`
	Port        int    `env:"MCP_PORT,default=3000,strict"`
	SSEPath     string `env:"MCP_SSE_PATH,default=/sse"`
	MessagePath string `env:"MCP_MESSAGE_PATH,default=/messages"`

	// AllowedHosts and AllowedOrigins are ';'-separated in the environment.
	AllowedHosts           []string `env:"MCP_ALLOWED_HOSTS"`
	AllowedOrigins         []string `env:"MCP_ALLOWED_ORIGINS"`
	DNSRebindingProtection bool     `env:"MCP_DNS_REBINDING_PROTECTION,strict"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	tier     operations.Tier
	level    slog.Level
	resolved string
}

// Flags is the command-line surface. Unset flags leave the environment value
// in place.
type Flags struct {
	Transport              string        `short:"t" long:"transport" description:"transport to serve" choice:"stdio" choice:"sse"`
	Tools                  string        `long:"tools" description:"operation tier to expose" choice:"minimal" choice:"full"`
	Region                 string        `short:"r" long:"region" description:"backend region code (us, eu, au)"`
	BaseURL                string        `long:"base-url" description:"backend base URL, overrides the region"`
	APIKey                 string        `long:"api-key" description:"default API key used when a call carries none"`
	Timeout                time.Duration `long:"timeout" description:"backend request timeout (e.g. 30s)"`
	Host                   string        `long:"host" description:"SSE listen host"`
	Port                   int           `short:"p" long:"port" description:"SSE listen port"`
	SSEPath                string        `long:"sse-path" description:"SSE connection endpoint path"`
	MessagePath            string        `long:"message-path" description:"SSE message endpoint path"`
	AllowedHosts           []string      `long:"allowed-host" description:"allowed Host header value (repeatable)"`
	AllowedOrigins         []string      `long:"allowed-origin" description:"allowed Origin header value (repeatable)"`
	DNSRebindingProtection bool          `long:"dns-rebinding-protection" description:"validate Host and Origin headers"`
	LogLevel               string        `long:"log-level" description:"log level (debug, info, warn, error)"`
	LogFormat              string        `long:"log-format" description:"log format" choice:"text" choice:"json"`
}

// Load reads the environment, applies args and validates the result. When
// args request help, the returned error satisfies IsHelp and carries the
// usage text.
func Load(args []string) (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.ApplyArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsHelp reports whether err is the help request produced by Load.
func IsHelp(err error) bool {
	return flags.WroteHelp(err)
}

// ApplyArgs parses args and overwrites every field whose flag was set.
func (c *Config) ApplyArgs(args []string) error {
	var f Flags
	p := flags.NewParser(&f, flags.HelpFlag|flags.PassDoubleDash)
	p.Name = "relay-mcp"
	rest, err := p.ParseArgs(args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
	}

	set := func(long string) bool {
		opt := p.FindOptionByLongName(long)
		return opt != nil && opt.IsSet()
	}

	if set("transport") {
		c.Transport = f.Transport
	}
	if set("tools") {
		c.Tools = f.Tools
	}
	if set("region") {
		c.Region = f.Region
	}
	if set("base-url") {
		c.BaseURL = f.BaseURL
	}
	if set("api-key") {
		c.APIKey = f.APIKey
	}
	if set("timeout") {
		c.Timeout = f.Timeout
	}
	if set("host") {
		c.Host = f.Host
	}
	if set("port") {
		c.Port = f.Port
	}
	if set("sse-path") {
		c.SSEPath = f.SSEPath
	}
	if set("message-path") {
		c.MessagePath = f.MessagePath
	}
	if set("allowed-host") {
		c.AllowedHosts = f.AllowedHosts
	}
	if set("allowed-origin") {
		c.AllowedOrigins = f.AllowedOrigins
	}
	if set("dns-rebinding-protection") {
		c.DNSRebindingProtection = f.DNSRebindingProtection
	}
	if set("log-level") {
		c.LogLevel = f.LogLevel
	}
	if set("log-format") {
		c.LogFormat = f.LogFormat
	}
	return nil
}

// Validate normalizes the configuration and reports the first problem found.
func (c *Config) Validate() error {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case "":
		c.Transport = TransportStdio
	case TransportStdio, TransportSSE:
	default:
		return fmt.Errorf("%w %q: expected %q or %q", ErrUnknownTransport, c.Transport, TransportStdio, TransportSSE)
	}

	tier, err := operations.ParseTier(c.Tools)
	if err != nil {
		return err
	}
	c.tier = tier
	c.Tools = string(tier)

	base, err := backend.ResolveRegion(c.Region)
	if err != nil {
		return err
	}
	c.Region = strings.ToLower(strings.TrimSpace(c.Region))
	if c.Region == "" {
		c.Region = backend.DefaultRegion
	}
	c.resolved = base
	if c.BaseURL = strings.TrimSpace(c.BaseURL); c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.BaseURL)
		}
		c.resolved = strings.TrimRight(c.BaseURL, "/")
	}

	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.Transport == TransportStdio && c.APIKey == "" {
		return ErrMissingDefaultAPIKey
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidTimeout, c.Timeout)
	}

	if err := c.level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	switch c.LogFormat {
	case "":
		c.LogFormat = LogFormatText
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("%w %q: expected %q or %q", ErrUnknownLogFormat, c.LogFormat, LogFormatText, LogFormatJSON)
	}

	if c.Transport != TransportSSE {
		return nil
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Port)
	}
	c.Host = strings.TrimSpace(c.Host)

	c.SSEPath = normalizePath(c.SSEPath, "/sse")
	c.MessagePath = normalizePath(c.MessagePath, "/messages")
	if c.SSEPath == c.MessagePath || c.SSEPath == "/health" || c.MessagePath == "/health" {
		return fmt.Errorf("%w: sse=%q message=%q", ErrConflictingPaths, c.SSEPath, c.MessagePath)
	}

	c.AllowedHosts = compact(c.AllowedHosts)
	c.AllowedOrigins = compact(c.AllowedOrigins)
	if c.DNSRebindingProtection && len(c.AllowedHosts) == 0 {
		c.AllowedHosts = c.defaultAllowedHosts()
		if len(c.AllowedHosts) == 0 {
			return ErrRebindingWithoutHosts
		}
	}
	return nil
}

// Tier returns the validated operation tier.
func (c *Config) Tier() operations.Tier { return c.tier }

// Level returns the validated log level.
func (c *Config) Level() slog.Level { return c.level }

// BackendURL returns the backend base URL: the override when set, otherwise
// the region's address.
func (c *Config) BackendURL() string { return c.resolved }

// Addr returns the SSE listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// defaultAllowedHosts covers the listen address and the loopback names a
// local client would use to reach it.
func (c *Config) defaultAllowedHosts() []string {
	port := strconv.Itoa(c.Port)
	hosts := []string{"localhost:" + port, "127.0.0.1:" + port}
	if c.Host != "" && c.Host != "localhost" && c.Host != "127.0.0.1" && c.Host != "0.0.0.0" && c.Host != "::" {
		hosts = append(hosts, net.JoinHostPort(c.Host, port))
	}
	return hosts
}

func normalizePath(p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func compact(in []string) []string {
	out := in[:0:0]
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
