package overlay

import "time"

// EventKind classifies a swarm event.
type EventKind int

const (
	EventNewListenAddr EventKind = iota + 1
	EventPing
	EventPeerConnected
	EventPeerDisconnected
	EventHandshakeFailed
	EventDialFailed
	EventUnknownProtocol
)

func (k EventKind) String() string {
	switch k {
	case EventNewListenAddr:
		return "new_listen_addr"
	case EventPing:
		return "ping"
	case EventPeerConnected:
		return "peer_connected"
	case EventPeerDisconnected:
		return "peer_disconnected"
	case EventHandshakeFailed:
		return "handshake_failed"
	case EventDialFailed:
		return "dial_failed"
	case EventUnknownProtocol:
		return "unknown_protocol"
	default:
		return "unknown"
	}
}

// Event is produced by the transport or the liveness behaviour and consumed
// by the overlay's event loop. Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	Peer     PeerID
	Addr     string
	RTT      time.Duration
	Err      error
	Protocol string
	Time     time.Time
}
