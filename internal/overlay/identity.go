package overlay

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
)

// PeerID is the public identifier of an overlay node: Base58(SHA-256(public key)).
type PeerID string

// String returns the id itself.
func (id PeerID) String() string {
	return string(id)
}

// ShortString returns a prefix of the id suitable for log lines.
func (id PeerID) ShortString() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// PeerIDFromPublicKey derives the id of pub.
func PeerIDFromPublicKey(pub ed25519.PublicKey) (PeerID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid ed25519 public key length: %d", len(pub))
	}
	sum := sha256.Sum256(pub)
	return PeerID(base58.Encode(sum[:])), nil
}

// Validate checks that id decodes to a SHA-256 digest.
func (id PeerID) Validate() error {
	raw, err := base58.Decode(string(id))
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", id, err)
	}
	if len(raw) != sha256.Size {
		return fmt.Errorf("invalid peer id %q: decoded length %d", id, len(raw))
	}
	return nil
}

// Identity is the per-process signing keypair. The private half never leaves
// the process.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   PeerID
}

// GenerateIdentity creates a fresh Ed25519 identity.
func GenerateIdentity() (*Identity, error) {
	return generateIdentity(rand.Reader)
}

func generateIdentity(r io.Reader) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	id, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv, pub: pub, id: id}, nil
}

// PeerID returns the identity's public id.
func (i *Identity) PeerID() PeerID {
	return i.id
}

// PublicKey returns the public half of the keypair.
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.pub
}

// Sign signs data with the private key.
func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.priv, data)
}
