package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/neolink/internal/auth"
	"github.com/Tyrowin/neolink/internal/logging"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, logging.FormatConsole, cfg.LogFormat)

	assert.Equal(t, "0.0.0.0:3030", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, int64(4096), cfg.Server.MaxMessageSize)
	assert.Equal(t, 10, cfg.Server.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.Server.RateLimit.RefillInterval)
	assert.False(t, cfg.Server.ExcludeSender)

	assert.Equal(t, "0.0.0.0:0", cfg.Overlay.ListenAddr)
	assert.Equal(t, 15*time.Second, cfg.Overlay.PingInterval)
	assert.Equal(t, 3, cfg.Overlay.MaxPingFailures)

	assert.Equal(t, AuthModeAny, cfg.Auth.Mode)
	assert.False(t, cfg.DatabaseEnabled())
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "neolink", cfg.Database.Database)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"ENV":                        "production",
		"HOST":                       "127.0.0.1",
		"PORT":                       "8080",
		"ALLOWED_ORIGINS":            "https://a.example, https://b.example",
		"MAX_MESSAGE_SIZE":           "1024",
		"RATE_LIMIT_BURST":           "3",
		"RATE_LIMIT_REFILL_INTERVAL": "5",
		"SEND_TIMEOUT":               "250ms",
		"EXCLUDE_SENDER":             "true",
		"P2P_LISTEN_ADDR":            "127.0.0.1:4001",
		"P2P_BOOTSTRAP":              "10.0.0.1:4001,10.0.0.2:4001",
		"P2P_PING_INTERVAL":          "30",
		"P2P_MAX_PING_FAILURES":      "5",
		"DB_PASSWORD":                "secret",
		"DB_PORT":                    "6543",
	}))
	require.NoError(t, err)

	assert.Equal(t, logging.FormatJSON, cfg.LogFormat)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, int64(1024), cfg.Server.MaxMessageSize)
	assert.Equal(t, 3, cfg.Server.RateLimit.Burst)
	assert.Equal(t, 5*time.Second, cfg.Server.RateLimit.RefillInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.SendTimeout)
	assert.True(t, cfg.Server.ExcludeSender)

	assert.Equal(t, "127.0.0.1:4001", cfg.Overlay.ListenAddr)
	assert.Equal(t, []string{"10.0.0.1:4001", "10.0.0.2:4001"}, cfg.Overlay.Bootstrap)
	assert.Equal(t, 30*time.Second, cfg.Overlay.PingInterval)
	assert.Equal(t, 5, cfg.Overlay.MaxPingFailures)

	assert.True(t, cfg.DatabaseEnabled())
	assert.Equal(t, 6543, cfg.Database.Port)
}

func TestFromEnvInvalidNumbersFallBack(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"MAX_MESSAGE_SIZE":  "-1",
		"RATE_LIMIT_BURST":  "lots",
		"P2P_PING_INTERVAL": "0s",
	}))
	require.NoError(t, err)

	assert.Equal(t, int64(4096), cfg.Server.MaxMessageSize)
	assert.Equal(t, 10, cfg.Server.RateLimit.Burst)
	assert.Equal(t, 15*time.Second, cfg.Overlay.PingInterval)
}

func TestFromEnvStaticTokens(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"AUTH_MODE":   "static",
		"AUTH_TOKENS": "tok-a:alice:node-1, tok-b:bob",
	}))
	require.NoError(t, err)

	assert.Equal(t, map[string]auth.Identity{
		"tok-a": {Subject: "alice", NodeID: "node-1"},
		"tok-b": {Subject: "bob"},
	}, cfg.Auth.Tokens)
}

func TestFromEnvMissingSecrets(t *testing.T) {
	_, err := FromEnv(envMap(map[string]string{"AUTH_MODE": "static"}))
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = FromEnv(envMap(map[string]string{"AUTH_MODE": "database"}))
	assert.ErrorIs(t, err, ErrMissingSecret)

	cfg, err := FromEnv(envMap(map[string]string{"AUTH_MODE": "database", "DB_PASSWORD": "pw"}))
	require.NoError(t, err)
	assert.Equal(t, AuthModeDatabase, cfg.Auth.Mode)
}

func TestFromEnvInvalidValues(t *testing.T) {
	_, err := FromEnv(envMap(map[string]string{"AUTH_MODE": "kerberos"}))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = FromEnv(envMap(map[string]string{"AUTH_MODE": "static", "AUTH_TOKENS": "no-subject"}))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
}
