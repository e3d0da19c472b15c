// Package server admits connections through the auth gate, registers them,
// and runs their read/write pumps via the Gateway type.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/neolink/internal/auth"
	"github.com/Tyrowin/neolink/internal/metrics"
)

// Gateway accepts WebSocket upgrades on behalf of the relay. It owns the
// connections it admits; the registry only references them for delivery.
type Gateway struct {
	cfg         Config
	registry    *Registry
	broadcaster *Broadcaster
	gate        *auth.Gate
	upgrader    websocket.Upgrader
	log         zerolog.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	closing atomic.Bool
}

// ErrGatewayClosed is returned by Accept after Shutdown has started.
var ErrGatewayClosed = errors.New("gateway closed")

// NewGateway wires a gateway over registry. Credential checks are delegated
// to gate.
func NewGateway(cfg Config, registry *Registry, gate *auth.Gate, logger zerolog.Logger) *Gateway {
	cfg = cfg.Sanitize()
	logger = logger.With().Str("component", "gateway").Logger()

	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	return &Gateway{
		cfg:         cfg,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, cfg.ExcludeSender, logger),
		gate:        gate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		log: logger,
	}
}

// Broadcaster returns the engine the read loops feed.
func (g *Gateway) Broadcaster() *Broadcaster {
	return g.broadcaster
}

// Count returns the number of registered connections.
func (g *Gateway) Count() int {
	return g.registry.Len()
}

// ServeHTTP authenticates the request, completes the upgrade, and admits the
// connection. A request that fails authentication is rejected before the
// upgrade and never reaches the registry.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if g.closing.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	identity, err := g.gate.Authenticate(r.Context(), r.Header)
	if err != nil {
		reason := auth.Reason(err)
		metrics.AuthRejections.WithLabelValues(reason).Inc()
		g.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Str("reason", reason).Msg("connection rejected")
		auth.WriteError(w, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	if _, err := g.Accept(conn, identity, r.RemoteAddr); err != nil {
		g.log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to admit connection")
	}
}

// Accept registers an upgraded connection under a fresh id and starts its
// pumps.
func (g *Gateway) Accept(conn *websocket.Conn, identity auth.Identity, addr string) (*Client, error) {
	client := newClient(uuid.NewString(), conn, g, identity, addr)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closing.Load() {
		_ = conn.Close()
		return nil, ErrGatewayClosed
	}
	if err := g.registry.Register(client.id, client); err != nil {
		_ = conn.Close()
		return nil, err
	}
	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
	client.log.Info().Int("total", g.registry.Len()).Msg("client registered")

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		client.writePump()
	}()
	go func() {
		defer g.wg.Done()
		client.readPump()
	}()

	return client, nil
}

// release is the read loop's cleanup. It runs once per connection.
func (g *Gateway) release(c *Client) {
	if g.registry.Unregister(c.id) {
		metrics.ConnectionsActive.Dec()
	}
	_ = c.Close()
	c.log.Info().Int("total", g.registry.Len()).Msg("client unregistered")
}

// shutdownClients closes every registered connection.
func (g *Gateway) shutdownClients() int {
	g.log.Info().Msg("shutting down all client connections...")

	entries := g.registry.Snapshot()
	for _, e := range entries {
		closer, ok := e.Outbound.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			g.log.Warn().Err(err).Str("connection_id", e.ID).Msg("error closing client connection")
		}
	}

	g.log.Info().Int("count", len(entries)).Msg("closed client connections")
	return len(entries)
}

// Shutdown stops admitting connections, closes the live ones and waits for
// their pumps, or until timeout.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.log.Info().Msg("initiating gateway shutdown...")
	g.mu.Lock()
	g.closing.Store(true)
	g.mu.Unlock()
	g.shutdownClients()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info().Msg("gateway shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		g.log.Warn().Msg("gateway shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
