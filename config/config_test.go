package config

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/relay-mcp/backend"
	"github.com/ggoodman/relay-mcp/operations"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"MCP_TRANSPORT", "MCP_TOOLS", "RELAY_REGION", "RELAY_BASE_URL", "RELAY_API_KEY",
	"RELAY_TIMEOUT", "MCP_HOST", "MCP_PORT", "MCP_SSE_PATH", "MCP_MESSAGE_PATH", "MCP_ALLOWED_HOSTS",
	"MCP_ALLOWED_ORIGINS", "MCP_DNS_REBINDING_PROTECTION", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv blanks every variable Load reads. envdecode treats empty values
// as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_API_KEY", "  key  ")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, TransportStdio, cfg.Transport)
	require.Equal(t, operations.TierFull, cfg.Tier())
	require.Equal(t, "us", cfg.Region)
	require.Equal(t, "https://api.relayhq.io", cfg.BackendURL())
	require.Equal(t, "key", cfg.APIKey)
	require.Equal(t, slog.LevelInfo, cfg.Level())
	require.Equal(t, LogFormatText, cfg.LogFormat)
	require.Equal(t, backend.DefaultTimeout, cfg.Timeout)
}

func TestBackendTimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_API_KEY", "key")

	t.Run("from env", func(t *testing.T) {
		t.Setenv("RELAY_TIMEOUT", "15s")
		cfg, err := Load(nil)
		require.NoError(t, err)
		require.Equal(t, 15*time.Second, cfg.Timeout)
	})

	t.Run("flag wins", func(t *testing.T) {
		t.Setenv("RELAY_TIMEOUT", "15s")
		cfg, err := Load([]string{"--timeout", "2m"})
		require.NoError(t, err)
		require.Equal(t, 2*time.Minute, cfg.Timeout)
	})

	t.Run("unparsable env", func(t *testing.T) {
		t.Setenv("RELAY_TIMEOUT", "soon")
		_, err := Load(nil)
		require.Error(t, err)
	})

	t.Run("not positive", func(t *testing.T) {
		_, err := Load([]string{"--timeout", "0s"})
		require.ErrorIs(t, err, ErrInvalidTimeout)
	})
}

func TestLoadRegion(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_API_KEY", "key")

	t.Run("eu from env", func(t *testing.T) {
		t.Setenv("RELAY_REGION", "eu")
		cfg, err := Load(nil)
		require.NoError(t, err)
		require.Equal(t, "https://api.eu.relayhq.io", cfg.BackendURL())
	})

	t.Run("unknown lists supported codes", func(t *testing.T) {
		_, err := Load([]string{"--region", "xx"})
		require.ErrorIs(t, err, backend.ErrUnknownRegion)
		require.Contains(t, err.Error(), "au, eu, us")
	})

	t.Run("base url overrides region", func(t *testing.T) {
		cfg, err := Load([]string{"-r", "au", "--base-url", "http://localhost:9999/"})
		require.NoError(t, err)
		require.Equal(t, "http://localhost:9999", cfg.BackendURL())
	})

	t.Run("invalid base url", func(t *testing.T) {
		_, err := Load([]string{"--base-url", "localhost:9999"})
		require.ErrorIs(t, err, ErrInvalidBaseURL)
	})
}

func TestStdioRequiresDefaultKey(t *testing.T) {
	clearEnv(t)

	_, err := Load(nil)
	require.ErrorIs(t, err, ErrMissingDefaultAPIKey)

	_, err = Load([]string{"--api-key", "   "})
	require.ErrorIs(t, err, ErrMissingDefaultAPIKey)

	cfg, err := Load([]string{"-t", "sse"})
	require.NoError(t, err)
	require.Empty(t, cfg.APIKey)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCP_TRANSPORT", "stdio")
	t.Setenv("MCP_PORT", "4000")
	t.Setenv("MCP_TOOLS", "full")
	t.Setenv("MCP_ALLOWED_HOSTS", "a.example.com;b.example.com")

	cfg, err := Load([]string{"-t", "sse", "--tools", "minimal", "--allowed-host", "c.example.com"})
	require.NoError(t, err)
	require.Equal(t, TransportSSE, cfg.Transport)
	require.Equal(t, operations.TierMinimal, cfg.Tier())
	require.Equal(t, 4000, cfg.Port)
	require.Equal(t, []string{"c.example.com"}, cfg.AllowedHosts)
	require.Equal(t, "127.0.0.1:4000", cfg.Addr())
}

func TestEnvironmentLists(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCP_TRANSPORT", "sse")
	t.Setenv("MCP_ALLOWED_HOSTS", "a.example.com; ;b.example.com")
	t.Setenv("MCP_ALLOWED_ORIGINS", "https://app.example.com")
	t.Setenv("MCP_DNS_REBINDING_PROTECTION", "true")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.True(t, cfg.DNSRebindingProtection)
	require.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.AllowedHosts)
	require.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins)
}

func TestRebindingDefaultsAllowedHosts(t *testing.T) {
	clearEnv(t)

	cfg, err := Load([]string{"-t", "sse", "-p", "8080", "--dns-rebinding-protection"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"localhost:8080", "127.0.0.1:8080"}, cfg.AllowedHosts)

	cfg, err = Load([]string{"-t", "sse", "-p", "8080", "--host", "mcp.internal", "--dns-rebinding-protection"})
	require.NoError(t, err)
	require.Contains(t, cfg.AllowedHosts, "mcp.internal:8080")
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		args []string
		want error
	}{
		{name: "stdio with key", args: []string{"--api-key", "k"}, want: nil},
		{name: "port too large", args: []string{"-t", "sse", "-p", "70000"}, want: ErrInvalidPort},
		{name: "port zero", args: []string{"-t", "sse", "-p", "0"}, want: ErrInvalidPort},
		{name: "same paths", args: []string{"-t", "sse", "--sse-path", "/x", "--message-path", "x"}, want: ErrConflictingPaths},
		{name: "health path", args: []string{"-t", "sse", "--sse-path", "health"}, want: ErrConflictingPaths},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("transport from env", func(t *testing.T) {
		t.Setenv("MCP_TRANSPORT", "websocket")
		_, err := Load(nil)
		require.ErrorIs(t, err, ErrUnknownTransport)
	})

	t.Run("tier from env", func(t *testing.T) {
		t.Setenv("MCP_TOOLS", "everything")
		_, err := Load([]string{"--api-key", "k"})
		require.ErrorIs(t, err, operations.ErrUnknownTier)
	})

	t.Run("log level", func(t *testing.T) {
		_, err := Load([]string{"--api-key", "k", "--log-level", "loud"})
		require.Error(t, err)
	})
}

func TestPathsNormalized(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCP_SSE_PATH", "events")

	cfg, err := Load([]string{"-t", "sse", "--message-path", " rpc "})
	require.NoError(t, err)
	require.Equal(t, "/events", cfg.SSEPath)
	require.Equal(t, "/rpc", cfg.MessagePath)
}

func TestHelp(t *testing.T) {
	clearEnv(t)

	_, err := Load([]string{"--help"})
	require.True(t, IsHelp(err))
	require.True(t, strings.Contains(err.Error(), "--transport"))

	_, err = Load([]string{"--bogus"})
	require.Error(t, err)
	require.False(t, IsHelp(err))
	require.False(t, errors.Is(err, ErrMissingDefaultAPIKey))
}
