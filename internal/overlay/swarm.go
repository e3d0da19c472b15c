package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// StreamHandler serves one inbound stream for a registered protocol. The
// handler owns the stream and must close it.
type StreamHandler func(peer PeerID, stream net.Conn)

type peerConn struct {
	id       PeerID
	addr     string
	outbound bool
	session  *yamux.Session
}

// initiator returns the id of the side that dialed.
func (pc *peerConn) initiator(local PeerID) PeerID {
	if pc.outbound {
		return local
	}
	return pc.id
}

// Swarm owns the overlay's physical links. Every link is TCP, secured with
// Noise XX and multiplexed with yamux; logical streams select a protocol with
// a varint-prefixed header.
type Swarm struct {
	identity *Identity
	static   noise.DHKey
	cfg      Config
	muxCfg   *yamux.Config
	log      zerolog.Logger

	events chan Event

	mu          sync.Mutex
	conns       map[PeerID]*peerConn
	pending     map[net.Conn]struct{}
	handlers    map[string]StreamHandler
	listener    net.Listener
	listenAddrs []string

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewSwarm creates a swarm for identity. Nothing is listening until Listen.
func NewSwarm(identity *Identity, cfg Config, logger zerolog.Logger) (*Swarm, error) {
	cfg = cfg.Sanitize()

	static, err := newStaticKey()
	if err != nil {
		return nil, fmt.Errorf("generate noise static key: %w", err)
	}

	muxCfg := yamux.DefaultConfig()
	muxCfg.LogOutput = io.Discard
	muxCfg.EnableKeepAlive = false
	if err := yamux.VerifyConfig(muxCfg); err != nil {
		return nil, fmt.Errorf("yamux config: %w", err)
	}

	return &Swarm{
		identity: identity,
		static:   static,
		cfg:      cfg,
		muxCfg:   muxCfg,
		log:      logger.With().Str("component", "swarm").Logger(),
		events:   make(chan Event, cfg.EventBuffer),
		conns:    make(map[PeerID]*peerConn),
		pending:  make(map[net.Conn]struct{}),
		handlers: make(map[string]StreamHandler),
		closed:   make(chan struct{}),
	}, nil
}

// LocalPeer returns the swarm's own id.
func (s *Swarm) LocalPeer() PeerID {
	return s.identity.PeerID()
}

// SetStreamHandler registers h for proto, replacing any previous handler.
func (s *Swarm) SetStreamHandler(proto string, h StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[proto] = h
}

func (s *Swarm) handler(proto string) StreamHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[proto]
}

func (s *Swarm) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// emit queues ev for the event loop. It blocks while the queue is full and
// gives up once the swarm is closed. Never call it with s.mu held.
func (s *Swarm) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

// Listen binds addr and starts accepting inbound links. One
// EventNewListenAddr is emitted per reachable address; an unspecified host is
// expanded to every interface address.
func (s *Swarm) Listen(addr string) error {
	if s.isClosed() {
		return ErrSwarmClosed
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("swarm already listening on %s", s.listener.Addr())
	}
	s.listener = ln
	addrs := expandListenAddr(ln.Addr())
	s.listenAddrs = addrs
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	for _, a := range addrs {
		s.emit(Event{Kind: EventNewListenAddr, Addr: a})
	}
	return nil
}

// ListenAddrs returns the addresses reported by Listen.
func (s *Swarm) ListenAddrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.listenAddrs...)
}

// expandListenAddr lists the dialable addresses for a bound listener.
func expandListenAddr(addr net.Addr) []string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok || !tcpAddr.IP.IsUnspecified() {
		return []string{addr.String()}
	}

	port := strconv.Itoa(tcpAddr.Port)
	wantV4 := tcpAddr.IP.To4() != nil

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return []string{addr.String()}
	}

	var out []string
	for _, ia := range ifaceAddrs {
		ipNet, ok := ia.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLinkLocalUnicast() {
			continue
		}
		if wantV4 && ip.To4() == nil {
			continue
		}
		out = append(out, net.JoinHostPort(ip.String(), port))
	}
	if len(out) == 0 {
		return []string{addr.String()}
	}
	sort.Strings(out)
	return out
}

func (s *Swarm) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		if !s.trackPending(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleInbound(conn)
	}
}

func (s *Swarm) trackPending(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return false
	}
	s.pending[conn] = struct{}{}
	return true
}

func (s *Swarm) untrackPending(conn net.Conn) {
	s.mu.Lock()
	delete(s.pending, conn)
	s.mu.Unlock()
}

// handleInbound secures an accepted link. A failed handshake drops only this
// link.
func (s *Swarm) handleInbound(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrackPending(conn)

	addr := conn.RemoteAddr().String()
	if _, err := s.upgrade(conn, addr, false, ""); err != nil {
		_ = conn.Close()
		if errors.Is(err, ErrSwarmClosed) {
			return
		}
		herr := &HandshakeError{Addr: addr, Err: err}
		s.log.Warn().Err(herr).Msg("inbound handshake failed")
		s.emit(Event{Kind: EventHandshakeFailed, Addr: addr, Err: herr})
	}
}

// Dial connects to addr, runs the handshake as initiator and returns the
// authenticated remote id. addr is host:port, optionally prefixed with
// "<peer-id>@" to require a specific remote identity. Dialing an already
// connected peer keeps a single link.
func (s *Swarm) Dial(ctx context.Context, addr string) (PeerID, error) {
	if s.isClosed() {
		return "", ErrSwarmClosed
	}

	expected, addr, err := splitPeerAddr(addr)
	if err != nil {
		return "", err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", addr, err)
		s.emit(Event{Kind: EventDialFailed, Addr: addr, Err: err})
		return "", err
	}

	if !s.trackPending(conn) {
		_ = conn.Close()
		return "", ErrSwarmClosed
	}
	defer s.untrackPending(conn)

	id, err := s.upgrade(conn, addr, true, expected)
	if err != nil {
		_ = conn.Close()
		if errors.Is(err, ErrSwarmClosed) {
			return "", err
		}
		herr := &HandshakeError{Addr: addr, Err: err}
		s.emit(Event{Kind: EventHandshakeFailed, Addr: addr, Err: herr})
		return "", herr
	}
	return id, nil
}

// splitPeerAddr separates an optional "<peer-id>@" prefix from host:port.
func splitPeerAddr(addr string) (PeerID, string, error) {
	idPart, hostPort, found := strings.Cut(addr, "@")
	if !found {
		return "", addr, nil
	}
	id := PeerID(idPart)
	if err := id.Validate(); err != nil {
		return "", "", err
	}
	return id, hostPort, nil
}

// upgrade runs the secure handshake and starts the multiplexer.
func (s *Swarm) upgrade(conn net.Conn, addr string, initiator bool, expected PeerID) (PeerID, error) {
	sc, err := secureHandshake(conn, s.identity, s.static, expected, initiator, s.cfg.HandshakeTimeout)
	if err != nil {
		return "", err
	}
	if sc.RemotePeer() == s.LocalPeer() {
		return "", errors.New("dialed self")
	}

	var session *yamux.Session
	if initiator {
		session, err = yamux.Client(sc, s.muxCfg)
	} else {
		session, err = yamux.Server(sc, s.muxCfg)
	}
	if err != nil {
		return "", fmt.Errorf("start yamux session: %w", err)
	}

	pc := &peerConn{
		id:       sc.RemotePeer(),
		addr:     addr,
		outbound: initiator,
		session:  session,
	}
	if err := s.addPeer(pc); err != nil {
		_ = session.Close()
		return "", err
	}
	return pc.id, nil
}

// addPeer records pc. When both sides dial each other at once, the link
// dialed by the lower id survives on both ends; a redial by the same side
// replaces the older link.
func (s *Swarm) addPeer(pc *peerConn) error {
	local := s.LocalPeer()

	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return ErrSwarmClosed
	}
	var replaced *peerConn
	if existing, ok := s.conns[pc.id]; ok && !existing.session.IsClosed() {
		ei, ni := existing.initiator(local), pc.initiator(local)
		if ei != ni && ei < ni {
			s.mu.Unlock()
			// Same peer, one link is enough.
			_ = pc.session.Close()
			return nil
		}
		replaced = existing
	}
	s.conns[pc.id] = pc
	s.wg.Add(1)
	s.mu.Unlock()

	go s.serveStreams(pc)

	if replaced != nil {
		_ = replaced.session.Close()
		return nil
	}

	s.log.Info().Str("peer_id", pc.id.String()).Str("addr", pc.addr).Bool("outbound", pc.outbound).Msg("peer connected")
	s.emit(Event{Kind: EventPeerConnected, Peer: pc.id, Addr: pc.addr})
	return nil
}

// removePeer drops pc if it is still the current link for its peer.
func (s *Swarm) removePeer(pc *peerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.conns[pc.id]; ok && cur == pc {
		delete(s.conns, pc.id)
		return true
	}
	return false
}

func (s *Swarm) serveStreams(pc *peerConn) {
	defer s.wg.Done()

	for {
		stream, err := pc.session.AcceptStream()
		if err != nil {
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(pc.id, stream)
		}()
	}

	if s.removePeer(pc) {
		s.log.Info().Str("peer_id", pc.id.String()).Msg("peer disconnected")
		s.emit(Event{Kind: EventPeerDisconnected, Peer: pc.id, Addr: pc.addr})
	}
}

func (s *Swarm) handleStream(peer PeerID, stream net.Conn) {
	_ = stream.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	proto, err := readProtocolHeader(stream)
	if err != nil {
		s.log.Debug().Err(err).Str("peer_id", peer.String()).Msg("bad stream header")
		_ = stream.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	h := s.handler(proto)
	if h == nil {
		_ = stream.Close()
		s.emit(Event{Kind: EventUnknownProtocol, Peer: peer, Protocol: proto, Err: ErrUnknownProtocol})
		return
	}
	h(peer, stream)
}

// NewStream opens a stream to a connected peer and selects proto on it.
func (s *Swarm) NewStream(ctx context.Context, peer PeerID, proto string) (net.Conn, error) {
	if s.isClosed() {
		return nil, ErrSwarmClosed
	}
	s.mu.Lock()
	pc, ok := s.conns[peer]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, peer.ShortString())
	}

	stream, err := pc.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", peer.ShortString(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	if err := writeProtocolHeader(stream, proto); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return stream, nil
}

// Peers returns the ids of all connected peers, sorted.
func (s *Swarm) Peers() []PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerID, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Connected reports whether there is a live link to peer.
func (s *Swarm) Connected(peer PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.conns[peer]
	return ok && !pc.session.IsClosed()
}

// ClosePeer tears down the link to peer. The disconnect event follows once
// the link's stream loop exits.
func (s *Swarm) ClosePeer(peer PeerID) error {
	s.mu.Lock()
	pc, ok := s.conns[peer]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer.ShortString())
	}
	return pc.session.Close()
}

// Close stops the listener, closes every link and waits for the swarm's
// goroutines.
func (s *Swarm) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		ln := s.listener
		conns := make([]*peerConn, 0, len(s.conns))
		for _, pc := range s.conns {
			conns = append(conns, pc)
		}
		pending := make([]net.Conn, 0, len(s.pending))
		for c := range s.pending {
			pending = append(pending, c)
		}
		s.mu.Unlock()

		var err error
		if ln != nil {
			if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, cerr)
			}
		}
		for _, pc := range conns {
			err = multierr.Append(err, pc.session.Close())
		}
		for _, c := range pending {
			_ = c.Close()
		}

		s.wg.Wait()
		s.closeErr = err
	})
	return s.closeErr
}
