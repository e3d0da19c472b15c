package overlay

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flynn/noise"
)

// payloadSigPrefix binds the Noise static key to the Ed25519 identity.
const payloadSigPrefix = "neolink-noise-static-key:"

const (
	// maxFrameSize is the largest Noise transport message.
	maxFrameSize = 65535
	// maxPlaintextSize leaves room for the ChaChaPoly tag.
	maxPlaintextSize = maxFrameSize - 16

	handshakePayloadSize = ed25519.PublicKeySize + ed25519.SignatureSize
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// newStaticKey generates the X25519 key used for Noise DH. It is separate
// from the Ed25519 identity and proven by a signature in the handshake.
func newStaticKey() (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(rand.Reader)
}

// secureHandshake runs a Noise XX handshake over conn:
//
//	-> e
//	<- e, ee, s, es, payload
//	-> s, se, payload
//
// XX gives mutual authentication and forward secrecy. The payload carries the
// Ed25519 public key and its signature over the Noise static key, so the
// remote PeerID is authenticated too. If expected is non-empty the remote
// must match it.
func secureHandshake(conn net.Conn, id *Identity, static noise.DHKey, expected PeerID, initiator bool, timeout time.Duration) (*secureConn, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set handshake deadline: %w", err)
		}
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	payload := make([]byte, 0, handshakePayloadSize)
	payload = append(payload, id.PublicKey()...)
	payload = append(payload, id.Sign(append([]byte(payloadSigPrefix), static.Public...))...)

	var (
		sendCS, recvCS *noise.CipherState
		remotePayload  []byte
	)
	if initiator {
		sendCS, recvCS, remotePayload, err = initiatorHandshake(conn, hs, payload)
	} else {
		sendCS, recvCS, remotePayload, err = responderHandshake(conn, hs, payload)
	}
	if err != nil {
		return nil, err
	}

	remote, err := verifyHandshakePayload(remotePayload, hs.PeerStatic())
	if err != nil {
		return nil, err
	}
	if expected != "" && remote != expected {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrPeerIDMismatch, expected, remote)
	}

	return &secureConn{
		Conn:   conn,
		sendCS: sendCS,
		recvCS: recvCS,
		local:  id.PeerID(),
		remote: remote,
	}, nil
}

func initiatorHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 1: %w", err)
	}
	if err := writeFrame(conn, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 1: %w", err)
	}

	msg2, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 2: %w", err)
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 2: %w", err)
	}

	msg3, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 3: %w", err)
	}
	if err := writeFrame(conn, msg3); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 3: %w", err)
	}

	// cs1 encrypts initiator -> responder.
	return cs1, cs2, remotePayload, nil
}

func responderHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	msg1, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("read message 1: %w", err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 2: %w", err)
	}
	if err := writeFrame(conn, msg2); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 2: %w", err)
	}

	msg3, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 3: %w", err)
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 3: %w", err)
	}

	return cs2, cs1, remotePayload, nil
}

// verifyHandshakePayload checks the identity proof and derives the remote PeerID.
func verifyHandshakePayload(payload, remoteStatic []byte) (PeerID, error) {
	if len(payload) != handshakePayloadSize {
		return "", fmt.Errorf("%w: length %d", ErrInvalidHandshakePayload, len(payload))
	}
	if len(remoteStatic) != 32 {
		return "", fmt.Errorf("%w: static key length %d", ErrInvalidHandshakePayload, len(remoteStatic))
	}

	pub := ed25519.PublicKey(payload[:ed25519.PublicKeySize])
	sig := payload[ed25519.PublicKeySize:]
	if !ed25519.Verify(pub, append([]byte(payloadSigPrefix), remoteStatic...), sig) {
		return "", fmt.Errorf("%w: static key not signed by identity key", ErrInvalidHandshakePayload)
	}
	return PeerIDFromPublicKey(pub)
}

// writeFrame writes a 2-byte big-endian length followed by data.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d", len(data))
	}
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[2:], data)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	data := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
