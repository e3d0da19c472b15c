// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/neolink/internal/auth"
	"github.com/Tyrowin/neolink/internal/metrics"
)

var (
	// ErrConnectionClosed is returned by Send once the connection is shutting down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendTimeout is returned by Send when the outbound queue stays full.
	ErrSendTimeout = errors.New("send timed out: outbound queue full")
)

// Client represents one admitted WebSocket connection. The gateway owns its
// socket and outbound queue; the registry only holds it as an Outbound.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	gateway  *Gateway
	addr     string
	identity auth.Identity
	limiter  *rate.Limiter
	cfg      Config
	log      zerolog.Logger
}

func newClient(id string, conn *websocket.Conn, gw *Gateway, identity auth.Identity, addr string) *Client {
	cfg := gw.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
		gateway:  gw,
		addr:     addr,
		identity: identity,
		limiter:  newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		cfg:      cfg,
		log: gw.log.With().
			Str("connection_id", id).
			Str("remote_addr", addr).
			Str("subject", identity.Subject).
			Logger(),
	}
}

// ID returns the server-assigned connection id.
func (c *Client) ID() string {
	return c.id
}

// Identity returns what the auth gate learned about the client.
func (c *Client) Identity() auth.Identity {
	return c.identity
}

// Send queues payload for the write pump. It waits at most SendTimeout for
// room in the queue.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(c.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case c.send <- payload:
		// done may have closed while the queue still had room.
		select {
		case <-c.done:
			return ErrConnectionClosed
		default:
			return nil
		}
	case <-c.done:
		return ErrConnectionClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Close asks the write pump to send a close frame and close the socket,
// which in turn ends the read loop. It is safe to call more than once.
func (c *Client) Close() error {
	c.stop()
	return nil
}

func (c *Client) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
			c.log.Warn().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// logReadError records why the read loop is ending.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.cfg.MaxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Info().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info().Err(err).Msg("client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn().Err(err).Msg("unexpected WebSocket close")
	default:
		c.log.Warn().Err(err).Msg("WebSocket read error")
	}
}

// checkRateLimit reports whether the client may send another message now.
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		c.log.Warn().
			Int("burst", c.cfg.RateLimit.Burst).
			Dur("interval", c.cfg.RateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding message")
		metrics.MessagesDropped.WithLabelValues("rate_limit").Inc()
		return false
	}
	return true
}

// processMessage decodes a text frame and hands it to the broadcaster. A
// frame that does not decode is logged and dropped.
func (c *Client) processMessage(raw []byte) bool {
	msg, err := DecodeMessage(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed message")
		metrics.MessagesDropped.WithLabelValues("parse").Inc()
		return false
	}

	metrics.MessagesReceived.Inc()
	c.log.Debug().Str("message_id", msg.ID).Str("sender", msg.Sender).Msg("received message")

	if _, err := c.gateway.broadcaster.Broadcast(c.id, msg); err != nil {
		c.log.Error().Err(err).Str("message_id", msg.ID).Msg("broadcast failed")
		return false
	}
	return true
}

// readPump is the connection's read loop. Whatever ends it, the deferred
// release unregisters the connection exactly once.
func (c *Client) readPump() {
	defer c.gateway.release(c)

	c.setupReadConnection()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if messageType != websocket.TextMessage {
			c.log.Debug().Int("type", messageType).Msg("ignoring non-text frame")
			metrics.MessagesDropped.WithLabelValues("binary").Inc()
			continue
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(raw)
	}
}

// writePump owns the write side of the socket. One frame is written per
// queued message.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		c.writeCloseMessage()
		return false
	}
}

// closeConnection marks the client done and closes the socket so a blocked
// reader wakes up.
func (c *Client) closeConnection() {
	c.stop()
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn().Err(err).Msg("error closing connection in writePump")
	}
}

// writeCloseMessage sends a close frame to the client
func (c *Client) writeCloseMessage() {
	deadline := time.Now().Add(c.cfg.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("error writing close message")
	}
}

// writeTextMessage writes one message as a single text frame
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error writing message")
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error writing ping message")
		}
		return false
	}
	return true
}
