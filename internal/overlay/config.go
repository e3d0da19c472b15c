package overlay

import "time"

const (
	defaultListenAddr       = "0.0.0.0:0"
	defaultPingInterval     = 15 * time.Second
	defaultPingTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultMaxPingFailures  = 3
	defaultEventBuffer      = 64
)

// Config holds the overlay's transport and liveness settings.
type Config struct {
	// ListenAddr is a TCP host:port. Port 0 picks a free port.
	ListenAddr string
	// Bootstrap peers are dialed at startup and re-dialed while disconnected.
	Bootstrap []string

	PingInterval     time.Duration
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
	// MaxPingFailures consecutive failures disconnect a peer.
	MaxPingFailures int
	// EventBuffer sizes the swarm event queue and the outbound event channel.
	EventBuffer int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       defaultListenAddr,
		PingInterval:     defaultPingInterval,
		PingTimeout:      defaultPingTimeout,
		HandshakeTimeout: defaultHandshakeTimeout,
		MaxPingFailures:  defaultMaxPingFailures,
		EventBuffer:      defaultEventBuffer,
	}
}

// Sanitize replaces unset or non-positive values with defaults.
func (c Config) Sanitize() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.MaxPingFailures <= 0 {
		c.MaxPingFailures = defaultMaxPingFailures
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	c.Bootstrap = append([]string(nil), c.Bootstrap...)
	return c
}
