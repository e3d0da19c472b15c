package overlay

import (
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// maxProtocolIDLength bounds the protocol header a remote may send.
const maxProtocolIDLength = 1024

// writeProtocolHeader writes uvarint(len(proto)) followed by proto. It is the
// first thing sent on every new stream.
func writeProtocolHeader(w io.Writer, proto string) error {
	if proto == "" || len(proto) > maxProtocolIDLength {
		return fmt.Errorf("invalid protocol id length %d", len(proto))
	}
	buf := varint.ToUvarint(uint64(len(proto)))
	buf = append(buf, proto...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}
	return nil
}

// readProtocolHeader reads the protocol id written by writeProtocolHeader.
func readProtocolHeader(r io.Reader) (string, error) {
	n, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return "", fmt.Errorf("read protocol length: %w", err)
	}
	if n == 0 || n > maxProtocolIDLength {
		return "", fmt.Errorf("invalid protocol id length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read protocol id: %w", err)
	}
	return string(buf), nil
}

// byteReader reads one byte at a time so no stream data past the header is
// consumed.
type byteReader struct {
	io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.Reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
