package overlay

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// PeerState is the NodeSwarm state kept for one peer.
type PeerState struct {
	ID        PeerID        `json:"peer_id"`
	Addr      string        `json:"addr,omitempty"`
	Connected bool          `json:"connected"`
	LastRTT   time.Duration `json:"-"`
	RTTMillis float64       `json:"last_rtt_ms"`
	LastError string        `json:"last_error,omitempty"`
	LastSeen  time.Time     `json:"last_seen,omitempty"`
	LastProbe time.Time     `json:"last_probe,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures"`
}

// Table is the overlay's view of its peers and listen addresses. It is only
// written by the event loop.
type Table struct {
	local PeerID

	mu          sync.RWMutex
	peers       map[PeerID]*PeerState
	listenAddrs []string
}

// NewTable returns an empty table for the local node.
func NewTable(local PeerID) *Table {
	return &Table{
		local: local,
		peers: make(map[PeerID]*PeerState),
	}
}

// Local returns the local node id.
func (t *Table) Local() PeerID {
	return t.local
}

func (t *Table) peer(id PeerID) *PeerState {
	st, ok := t.peers[id]
	if !ok {
		st = &PeerState{ID: id}
		t.peers[id] = st
	}
	return st
}

// AddListenAddr records a listen address once.
func (t *Table) AddListenAddr(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.listenAddrs {
		if a == addr {
			return
		}
	}
	t.listenAddrs = append(t.listenAddrs, addr)
}

// RecordPing stores the outcome of one probe.
func (t *Table) RecordPing(id PeerID, rtt time.Duration, err error, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.peer(id)
	st.LastProbe = at
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
		return
	}
	st.Failures = 0
	st.LastError = ""
	st.LastRTT = rtt
	st.RTTMillis = float64(rtt) / float64(time.Millisecond)
	st.LastSeen = at
}

// MarkConnected records a new link to id.
func (t *Table) MarkConnected(id PeerID, addr string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.peer(id)
	st.Connected = true
	st.Addr = addr
	st.LastSeen = at
}

// MarkDisconnected records the loss of the link to id.
func (t *Table) MarkDisconnected(id PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peer(id).Connected = false
}

// Peer returns the state for id.
func (t *Table) Peer(id PeerID) (PeerState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.peers[id]
	if !ok {
		return PeerState{}, false
	}
	return *st, true
}

// Snapshot returns a copy of every peer's state, sorted by id.
func (t *Table) Snapshot() []PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PeerState, 0, len(t.peers))
	for _, st := range t.peers {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListenAddrs returns the recorded listen addresses.
func (t *Table) ListenAddrs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.listenAddrs...)
}

type tableView struct {
	PeerID      PeerID      `json:"peer_id"`
	ListenAddrs []string    `json:"listen_addrs"`
	Peers       []PeerState `json:"peers"`
}

// ServeHTTP writes the table as JSON.
func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	view := tableView{
		PeerID:      t.local,
		ListenAddrs: t.ListenAddrs(),
		Peers:       t.Snapshot(),
	}
	if view.ListenAddrs == nil {
		view.ListenAddrs = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}
