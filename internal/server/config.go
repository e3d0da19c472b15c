// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay gateway.
package server

import (
	"time"
)

const (
	defaultAddr            = "0.0.0.0:3030"
	defaultMaxMessageSize  = 4096
	defaultBurst           = 10
	defaultRefillInterval  = time.Second
	defaultSendBuffer      = 256
	defaultSendTimeout     = time.Second
	defaultPongWait        = 60 * time.Second
	defaultWriteWait       = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the gateway configuration settings including security controls.
type Config struct {
	Addr           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	// SendBuffer is the capacity of each connection's outbound queue and
	// SendTimeout how long a broadcast waits for room in it.
	SendBuffer  int
	SendTimeout time.Duration

	// ExcludeSender stops a connection from receiving its own messages.
	ExcludeSender bool

	PongWait        time.Duration
	WriteWait       time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config populated with default values for all settings.
func DefaultConfig() Config {
	return Config{
		Addr:           defaultAddr,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
		SendBuffer:      defaultSendBuffer,
		SendTimeout:     defaultSendTimeout,
		PongWait:        defaultPongWait,
		WriteWait:       defaultWriteWait,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// Sanitize replaces unset or non-positive values with their defaults.
func (cfg Config) Sanitize() Config {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefillInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// pingPeriod is how often the write side pings the client. It must be
// shorter than PongWait.
func (cfg Config) pingPeriod() time.Duration {
	return cfg.PongWait * 9 / 10
}
