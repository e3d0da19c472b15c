package overlay

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Liveness is the overlay's behaviour: on every tick it re-dials lost
// bootstrap peers and pings every connected peer. Each probe becomes an
// EventPing. A peer that fails MaxPingFailures probes in a row is
// disconnected.
type Liveness struct {
	swarm *Swarm
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	mu       sync.Mutex
	failures map[PeerID]int
	targets  map[string]PeerID
}

// NewLiveness returns a behaviour driving swarm on clk.
func NewLiveness(swarm *Swarm, cfg Config, clk clock.Clock, logger zerolog.Logger) *Liveness {
	return &Liveness{
		swarm:    swarm,
		cfg:      cfg.Sanitize(),
		clock:    clk,
		log:      logger.With().Str("component", "liveness").Logger(),
		failures: make(map[PeerID]int),
		targets:  make(map[string]PeerID),
	}
}

// AddTarget marks addr as a peer to keep connected.
func (l *Liveness) AddTarget(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.targets[addr]; !ok {
		l.targets[addr] = ""
	}
}

// Run ticks every PingInterval until ctx is done.
func (l *Liveness) Run(ctx context.Context) error {
	ticker := l.clock.Ticker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one round of re-dials and probes and waits for all of them.
func (l *Liveness) Tick(ctx context.Context) {
	l.redial(ctx)
	l.probeAll(ctx)
}

// dialTarget connects to a bootstrap address and remembers who answered.
func (l *Liveness) dialTarget(ctx context.Context, addr string) {
	dctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer cancel()

	id, err := l.swarm.Dial(dctx, addr)
	if err != nil {
		if ctx.Err() == nil {
			l.log.Warn().Err(err).Str("addr", addr).Msg("bootstrap dial failed")
		}
		return
	}

	l.mu.Lock()
	l.targets[addr] = id
	l.mu.Unlock()
}

func (l *Liveness) redial(ctx context.Context) {
	l.mu.Lock()
	var addrs []string
	for addr, id := range l.targets {
		if id == "" || !l.swarm.Connected(id) {
			addrs = append(addrs, addr)
		}
	}
	l.mu.Unlock()

	var wg sync.WaitGroup
	for _, addr := range addrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.dialTarget(ctx, addr)
		}()
	}
	wg.Wait()
}

func (l *Liveness) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, peer := range l.swarm.Peers() {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.probe(ctx, peer)
		}()
	}
	wg.Wait()
}

func (l *Liveness) probe(ctx context.Context, peer PeerID) {
	pctx, cancel := context.WithTimeout(ctx, l.cfg.PingTimeout)
	defer cancel()

	rtt, err := Ping(pctx, l.swarm, peer)
	if ctx.Err() != nil {
		return
	}

	l.swarm.emit(Event{Kind: EventPing, Peer: peer, RTT: rtt, Err: err, Time: l.clock.Now()})

	if err == nil {
		l.resetFailures(peer)
		return
	}

	if n := l.recordFailure(peer); n >= l.cfg.MaxPingFailures {
		l.log.Warn().
			Str("peer_id", peer.String()).
			Int("failures", n).
			Msg("peer failed too many pings; disconnecting")
		l.resetFailures(peer)
		_ = l.swarm.ClosePeer(peer)
	}
}

func (l *Liveness) recordFailure(peer PeerID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[peer]++
	return l.failures[peer]
}

func (l *Liveness) resetFailures(peer PeerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, peer)
}
