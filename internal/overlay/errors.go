package overlay

import (
	"errors"
	"fmt"
)

var (
	// ErrSwarmClosed is returned once the swarm has been closed.
	ErrSwarmClosed = errors.New("overlay: swarm closed")

	// ErrNotConnected is returned when there is no live connection to a peer.
	ErrNotConnected = errors.New("overlay: not connected to peer")

	// ErrPingMismatch is returned when a ping echo differs from the probe.
	ErrPingMismatch = errors.New("overlay: ping echo mismatch")

	// ErrUnknownProtocol is returned when a stream names an unregistered protocol.
	ErrUnknownProtocol = errors.New("overlay: unknown protocol")

	// ErrInvalidHandshakePayload is returned when the remote identity proof is malformed or does not verify.
	ErrInvalidHandshakePayload = errors.New("overlay: invalid handshake payload")

	// ErrPeerIDMismatch is returned when a dialed peer is not the one expected.
	ErrPeerIDMismatch = errors.New("overlay: peer id mismatch")
)

// HandshakeError reports a failed secure handshake with one remote address.
// It only ever drops that attempt.
type HandshakeError struct {
	Addr string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("overlay: handshake with %s failed: %v", e.Addr, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
