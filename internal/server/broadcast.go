// Package server fans validated messages out to every registered connection.
package server

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/neolink/internal/metrics"
)

// Delivery summarizes one broadcast.
type Delivery struct {
	Recipients int
	Delivered  int
	Failed     int
}

// Broadcaster serializes a message once and sends it to a registry snapshot.
type Broadcaster struct {
	registry      *Registry
	excludeSender bool
	log           zerolog.Logger
}

// NewBroadcaster creates a Broadcaster over registry. When excludeSender is
// set the originating connection does not receive its own message.
func NewBroadcaster(registry *Registry, excludeSender bool, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		registry:      registry,
		excludeSender: excludeSender,
		log:           logger.With().Str("component", "broadcast").Logger(),
	}
}

// Broadcast delivers msg to every connection registered at snapshot time.
// A failing recipient is logged and skipped; it never stops delivery to the
// others. senderID may be empty for server-originated messages.
func (b *Broadcaster) Broadcast(senderID string, msg Message) (Delivery, error) {
	payload, err := msg.Encode()
	if err != nil {
		return Delivery{}, fmt.Errorf("encode message %q: %w", msg.ID, err)
	}

	entries := b.registry.Snapshot()
	metrics.Broadcasts.Inc()

	var d Delivery
	for _, e := range entries {
		if b.excludeSender && senderID != "" && e.ID == senderID {
			continue
		}
		d.Recipients++

		if err := e.Outbound.Send(payload); err != nil {
			d.Failed++
			metrics.Deliveries.WithLabelValues("failed").Inc()
			b.log.Warn().Err(err).
				Str("connection_id", e.ID).
				Str("message_id", msg.ID).
				Msg("delivery failed")
			continue
		}
		d.Delivered++
		metrics.Deliveries.WithLabelValues("ok").Inc()
	}

	b.log.Debug().
		Str("message_id", msg.ID).
		Str("sender_connection", senderID).
		Int("recipients", d.Recipients).
		Int("failed", d.Failed).
		Msg("broadcast complete")

	return d, nil
}
