package overlay

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"time"
)

// ProtocolPing identifies liveness streams.
const ProtocolPing = "/neolink/ping/1.0.0"

const (
	// PingSize is the length of a probe.
	PingSize = 32

	// pingHandlerIdleTimeout bounds how long an idle inbound ping stream is kept.
	pingHandlerIdleTimeout = 60 * time.Second

	defaultStreamTimeout = 10 * time.Second
)

// handlePing echoes every probe it reads until the stream goes idle or closes.
func handlePing(_ PeerID, stream net.Conn) {
	defer stream.Close()

	buf := make([]byte, PingSize)
	for {
		_ = stream.SetReadDeadline(time.Now().Add(pingHandlerIdleTimeout))
		if _, err := io.ReadFull(stream, buf); err != nil {
			return
		}
		if _, err := stream.Write(buf); err != nil {
			return
		}
	}
}

// Ping probes peer over a fresh stream and returns the round-trip time. The
// probe is bounded by ctx's deadline, or 10s if it has none.
func Ping(ctx context.Context, swarm *Swarm, peer PeerID) (time.Duration, error) {
	stream, err := swarm.NewStream(ctx, peer, ProtocolPing)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultStreamTimeout)
	}
	_ = stream.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	probe := make([]byte, PingSize)
	if _, err := rand.Read(probe); err != nil {
		return 0, fmt.Errorf("generate ping payload: %w", err)
	}

	start := time.Now()
	if _, err := stream.Write(probe); err != nil {
		return 0, fmt.Errorf("write ping: %w", err)
	}
	echo := make([]byte, PingSize)
	if _, err := io.ReadFull(stream, echo); err != nil {
		return 0, fmt.Errorf("read pong: %w", err)
	}
	rtt := time.Since(start)

	if !bytes.Equal(probe, echo) {
		return 0, ErrPingMismatch
	}
	return rtt, nil
}
