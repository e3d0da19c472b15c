// Package server keeps the set of live connections in a Registry that the
// broadcaster snapshots for delivery.
package server

import (
	"errors"
	"sync"
)

// ErrDuplicateConnection is returned when a connection id is registered twice.
var ErrDuplicateConnection = errors.New("connection already registered")

// Outbound is the delivery side of a connection. The registry only references
// it; the gateway owns it.
type Outbound interface {
	Send(payload []byte) error
}

// Entry is one registered connection as seen by a snapshot.
type Entry struct {
	ID       string
	Outbound Outbound
}

// Registry maps connection ids to their outbound channel. A single mutex
// guards every mutation and snapshot and is never held across I/O.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Outbound
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Outbound)}
}

// Register inserts a new entry. It returns ErrDuplicateConnection if id is
// already present.
func (r *Registry) Register(id string, out Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return ErrDuplicateConnection
	}
	r.entries[id] = out
	return nil
}

// Unregister removes id if present and reports whether an entry was removed.
// Calling it for an unknown id is a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return false
	}
	delete(r.entries, id)
	return true
}

// Snapshot copies the current entries. The lock is released before the
// caller delivers anything.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.entries))
	for id, out := range r.entries {
		entries = append(entries, Entry{ID: id, Outbound: out})
	}
	return entries
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
