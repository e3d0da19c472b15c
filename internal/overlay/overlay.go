package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("overlay: already running")

// Option customizes an Overlay.
type Option func(*Overlay)

// WithClock sets the clock that schedules liveness probes.
func WithClock(clk clock.Clock) Option {
	return func(o *Overlay) {
		o.clock = clk
	}
}

// WithIdentity uses id instead of generating a fresh one.
func WithIdentity(id *Identity) Option {
	return func(o *Overlay) {
		o.identity = id
	}
}

// Overlay is one node of the peer overlay. It carries no application
// payload: it tracks identity, links and liveness.
type Overlay struct {
	cfg      Config
	identity *Identity
	clock    clock.Clock
	log      zerolog.Logger

	swarm    *Swarm
	liveness *Liveness
	table    *Table
	out      chan Event
	running  atomic.Bool
}

// New creates the node's identity and transport. The peer id is logged so
// operators can hand it to other nodes.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Overlay, error) {
	cfg = cfg.Sanitize()
	o := &Overlay{
		cfg:   cfg,
		clock: clock.New(),
		log:   logger.With().Str("component", "overlay").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.identity == nil {
		id, err := GenerateIdentity()
		if err != nil {
			return nil, err
		}
		o.identity = id
	}

	swarm, err := NewSwarm(o.identity, cfg, logger)
	if err != nil {
		return nil, err
	}
	swarm.SetStreamHandler(ProtocolPing, handlePing)

	o.swarm = swarm
	o.liveness = NewLiveness(swarm, cfg, o.clock, logger)
	o.table = NewTable(o.identity.PeerID())
	o.out = make(chan Event, cfg.EventBuffer)

	o.log.Info().Str("peer_id", o.identity.PeerID().String()).Msg("local peer id")
	return o, nil
}

// PeerID returns the node's public id.
func (o *Overlay) PeerID() PeerID {
	return o.identity.PeerID()
}

// State returns the NodeSwarm state table.
func (o *Overlay) State() *Table {
	return o.table
}

// Swarm returns the underlying transport.
func (o *Overlay) Swarm() *Swarm {
	return o.swarm
}

// Events delivers every event the loop has processed. Delivery is best
// effort: when the reader falls behind, events are dropped rather than
// stalling the loop. The channel is closed when Run returns.
func (o *Overlay) Events() <-chan Event {
	return o.out
}

// Connect dials addr and returns the remote peer id.
func (o *Overlay) Connect(ctx context.Context, addr string) (PeerID, error) {
	return o.swarm.Dial(ctx, addr)
}

// Run listens, dials bootstrap peers and runs the event loop and liveness
// behaviour until ctx is done. The swarm is closed before Run returns.
func (o *Overlay) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(o.out)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o.eventLoop(gctx)
		return nil
	})

	if err := o.swarm.Listen(o.cfg.ListenAddr); err != nil {
		_ = o.swarm.Close()
		_ = g.Wait()
		return err
	}

	for _, addr := range o.cfg.Bootstrap {
		addr := addr
		o.liveness.AddTarget(addr)
		g.Go(func() error {
			o.liveness.dialTarget(gctx, addr)
			return nil
		})
	}

	g.Go(func() error {
		return o.liveness.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := o.swarm.Close(); err != nil {
			return fmt.Errorf("close swarm: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// eventLoop is the single consumer of swarm events.
func (o *Overlay) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.swarm.closed:
			return
		case ev := <-o.swarm.events:
			o.handleEvent(ev)
			o.forward(ev)
		}
	}
}

func (o *Overlay) handleEvent(ev Event) {
	switch ev.Kind {
	case EventNewListenAddr:
		o.table.AddListenAddr(ev.Addr)
		o.log.Info().Str("addr", ev.Addr).Msg("listening on")
	case EventPing:
		o.table.RecordPing(ev.Peer, ev.RTT, ev.Err, ev.Time)
		if ev.Err != nil {
			o.log.Warn().Err(ev.Err).Str("peer_id", ev.Peer.String()).Msg("ping failed")
			return
		}
		o.log.Debug().Str("peer_id", ev.Peer.String()).Dur("rtt", ev.RTT).Msg("ping")
	case EventPeerConnected:
		o.table.MarkConnected(ev.Peer, ev.Addr, ev.Time)
	case EventPeerDisconnected:
		o.table.MarkDisconnected(ev.Peer)
	default:
		o.log.Debug().
			Stringer("event", ev.Kind).
			Str("peer_id", ev.Peer.String()).
			Str("addr", ev.Addr).
			Str("protocol", ev.Protocol).
			AnErr("cause", ev.Err).
			Msg("swarm event")
	}
}

func (o *Overlay) forward(ev Event) {
	select {
	case o.out <- ev:
	default:
		o.log.Debug().Stringer("event", ev.Kind).Msg("event subscriber lagging; dropping event")
	}
}
