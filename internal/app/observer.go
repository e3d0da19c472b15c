package app

import (
	"github.com/Tyrowin/neolink/internal/metrics"
	"github.com/Tyrowin/neolink/internal/overlay"
)

// observe turns overlay events into peer metrics until the overlay stops.
func (a *App) observe(events <-chan overlay.Event) {
	for ev := range events {
		switch ev.Kind {
		case overlay.EventPing:
			if ev.Err != nil {
				metrics.PingFailures.Inc()
				continue
			}
			metrics.PingRTT.Observe(ev.RTT.Seconds())
		case overlay.EventPeerConnected, overlay.EventPeerDisconnected:
			metrics.PeersConnected.Set(float64(len(a.overlay.Swarm().Peers())))
		case overlay.EventHandshakeFailed:
			metrics.HandshakeFailures.Inc()
		}
	}
}
