// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "neolink_connections_active",
			Help: "Currently registered WebSocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neolink_connections_total",
			Help: "Total WebSocket connections admitted",
		},
	)

	AuthRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neolink_auth_rejections_total",
			Help: "Connection attempts rejected by the auth gate",
		},
		[]string{"reason"},
	)

	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neolink_messages_received_total",
			Help: "Valid messages read from clients",
		},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neolink_messages_dropped_total",
			Help: "Inbound frames dropped before broadcast",
		},
		[]string{"reason"}, // "parse", "rate_limit", "binary"
	)

	// Broadcast metrics
	Broadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neolink_broadcasts_total",
			Help: "Messages fanned out to the registry",
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neolink_deliveries_total",
			Help: "Per-recipient delivery attempts",
		},
		[]string{"result"}, // "ok" or "failed"
	)

	// Overlay metrics
	PeersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "neolink_overlay_peers_connected",
			Help: "Peers with a live overlay connection",
		},
	)

	PingRTT = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neolink_overlay_ping_rtt_seconds",
			Help:    "Round-trip time of successful liveness pings",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	PingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neolink_overlay_ping_failures_total",
			Help: "Liveness pings that failed",
		},
	)

	HandshakeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neolink_overlay_handshake_failures_total",
			Help: "Overlay connection attempts dropped during the secure handshake",
		},
	)
)
