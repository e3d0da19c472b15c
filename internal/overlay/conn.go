package overlay

import (
	"fmt"
	"net"
	"sync"

	"github.com/flynn/noise"
)

// secureConn encrypts every write as one or more Noise transport frames.
type secureConn struct {
	net.Conn

	sendCS *noise.CipherState
	recvCS *noise.CipherState

	local  PeerID
	remote PeerID

	readMu  sync.Mutex
	writeMu sync.Mutex
	readBuf []byte
}

// LocalPeer returns the local node id.
func (c *secureConn) LocalPeer() PeerID {
	return c.local
}

// RemotePeer returns the authenticated remote node id.
func (c *secureConn) RemotePeer() PeerID {
	return c.remote
}

// Read decrypts the next frame, buffering whatever does not fit in p.
func (c *secureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.readBuf) == 0 {
		frame, err := readFrame(c.Conn)
		if err != nil {
			return 0, err
		}
		if len(frame) == 0 {
			continue
		}
		plaintext, err := c.recvCS.Decrypt(nil, nil, frame)
		if err != nil {
			return 0, fmt.Errorf("decrypt: %w", err)
		}
		c.readBuf = plaintext
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write encrypts p, splitting it so no frame exceeds the Noise message limit.
func (c *secureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(p) {
		end := written + maxPlaintextSize
		if end > len(p) {
			end = len(p)
		}
		ciphertext, err := c.sendCS.Encrypt(nil, nil, p[written:end])
		if err != nil {
			return written, fmt.Errorf("encrypt: %w", err)
		}
		if err := writeFrame(c.Conn, ciphertext); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}
