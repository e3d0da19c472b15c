// Package server implements the relay's WebSocket gateway.
//
// Clients pass the auth gate, are registered in a Registry under a fresh
// connection id, and get a read pump and a write pump. Every valid message a
// read pump decodes is handed to the Broadcaster, which snapshots the
// registry and queues the serialized message on each connection. The
// registry lock is held only to mutate or copy the map, never across I/O.
package server
