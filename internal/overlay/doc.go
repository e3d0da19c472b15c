// Package overlay implements the node's peer-to-peer layer.
//
// Each process generates an Ed25519 identity whose public key hashes to its
// PeerID. Peers are linked over TCP, authenticated with a Noise XX handshake
// whose payload proves ownership of the identity key, and multiplexed with
// yamux. A liveness behaviour pings every connected peer on a fixed interval
// and a single event loop folds listen addresses and ping results into the
// NodeSwarm state table.
package overlay
