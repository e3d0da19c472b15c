// Package config loads process configuration from the environment, with an
// optional .env file for development.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/neolink/internal/auth"
	"github.com/Tyrowin/neolink/internal/logging"
	"github.com/Tyrowin/neolink/internal/overlay"
	"github.com/Tyrowin/neolink/internal/server"
	"github.com/Tyrowin/neolink/internal/store"
)

var (
	// ErrMissingSecret is returned when a mode needs a secret that is not set.
	ErrMissingSecret = errors.New("missing required secret")

	// ErrInvalidConfig is returned for values that cannot be parsed.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Auth modes.
const (
	AuthModeAny      = "any"
	AuthModeStatic   = "static"
	AuthModeDatabase = "database"
)

// AuthConfig selects how bearer tokens are validated.
type AuthConfig struct {
	Mode   string
	Tokens map[string]auth.Identity
}

// Config holds all configuration for the process.
type Config struct {
	Env       string
	LogLevel  string
	LogFormat string

	Server   server.Config
	Overlay  overlay.Config
	Auth     AuthConfig
	Database store.Config
}

// IsDevelopment reports whether ENV is development.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// DatabaseEnabled reports whether a database connection should be opened.
func (c *Config) DatabaseEnabled() bool {
	return c.Database.Password != ""
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults and validation.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, defaultValue string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return defaultValue
	}

	cfg := &Config{
		Env:      get("ENV", "development"),
		LogLevel: get("LOG_LEVEL", "info"),
	}
	defaultFormat := logging.FormatJSON
	if cfg.IsDevelopment() {
		defaultFormat = logging.FormatConsole
	}
	cfg.LogFormat = get("LOG_FORMAT", defaultFormat)

	srv := server.DefaultConfig()
	srv.Addr = net.JoinHostPort(get("HOST", "0.0.0.0"), get("PORT", "3030"))
	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		srv.AllowedOrigins = parseList(origins)
	}
	srv.MaxMessageSize = parseInt64Value(getenv("MAX_MESSAGE_SIZE"), srv.MaxMessageSize)
	srv.RateLimit.Burst = parseIntValue(getenv("RATE_LIMIT_BURST"), srv.RateLimit.Burst)
	srv.RateLimit.RefillInterval = parseSeconds(getenv("RATE_LIMIT_REFILL_INTERVAL"), srv.RateLimit.RefillInterval)
	srv.SendBuffer = parseIntValue(getenv("SEND_BUFFER"), srv.SendBuffer)
	srv.SendTimeout = parseDuration(getenv("SEND_TIMEOUT"), srv.SendTimeout)
	srv.ExcludeSender = parseBool(getenv("EXCLUDE_SENDER"), false)
	cfg.Server = srv.Sanitize()

	ov := overlay.DefaultConfig()
	ov.ListenAddr = get("P2P_LISTEN_ADDR", ov.ListenAddr)
	if bootstrap := getenv("P2P_BOOTSTRAP"); bootstrap != "" {
		ov.Bootstrap = parseList(bootstrap)
	}
	ov.PingInterval = parseDuration(getenv("P2P_PING_INTERVAL"), ov.PingInterval)
	ov.PingTimeout = parseDuration(getenv("P2P_PING_TIMEOUT"), ov.PingTimeout)
	ov.HandshakeTimeout = parseDuration(getenv("P2P_HANDSHAKE_TIMEOUT"), ov.HandshakeTimeout)
	ov.MaxPingFailures = parseIntValue(getenv("P2P_MAX_PING_FAILURES"), ov.MaxPingFailures)
	cfg.Overlay = ov.Sanitize()

	cfg.Database = store.Config{
		Host:     get("DB_HOST", "localhost"),
		Port:     parseIntValue(getenv("DB_PORT"), 5432),
		User:     get("DB_USER", "postgres"),
		Password: getenv("DB_PASSWORD"),
		Database: get("DB_NAME", "neolink"),
		SSLMode:  get("DB_SSLMODE", "disable"),
	}

	cfg.Auth.Mode = strings.ToLower(get("AUTH_MODE", AuthModeAny))
	switch cfg.Auth.Mode {
	case AuthModeAny:
	case AuthModeStatic:
		raw := getenv("AUTH_TOKENS")
		if raw == "" {
			return nil, fmt.Errorf("%w: AUTH_TOKENS is required when AUTH_MODE=static", ErrMissingSecret)
		}
		tokens, err := parseTokens(raw)
		if err != nil {
			return nil, err
		}
		cfg.Auth.Tokens = tokens
	case AuthModeDatabase:
		if cfg.Database.Password == "" {
			return nil, fmt.Errorf("%w: DB_PASSWORD is required when AUTH_MODE=database", ErrMissingSecret)
		}
	default:
		return nil, fmt.Errorf("%w: unknown AUTH_MODE %q", ErrInvalidConfig, cfg.Auth.Mode)
	}

	return cfg, nil
}

// parseTokens reads "token:subject[:node_id]" entries separated by commas.
func parseTokens(raw string) (map[string]auth.Identity, error) {
	tokens := make(map[string]auth.Identity)
	for _, entry := range parseList(raw) {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("%w: AUTH_TOKENS entry %q must be token:subject[:node_id]", ErrInvalidConfig, entry)
		}
		id := auth.Identity{Subject: parts[1]}
		if len(parts) == 3 {
			id.NodeID = parts[2]
		}
		tokens[parts[0]] = id
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: AUTH_TOKENS has no entries", ErrMissingSecret)
	}
	return tokens, nil
}

func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInt64Value(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds reads a whole number of seconds.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// parseDuration accepts Go durations ("15s") or bare seconds ("15").
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return parseSeconds(value, defaultValue)
}

func parseBool(value string, defaultValue bool) bool {
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	return defaultValue
}
