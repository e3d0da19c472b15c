package overlay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeProtocolHeader(&buf, ProtocolPing))
	buf.WriteString("trailing")

	proto, err := readProtocolHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, ProtocolPing, proto)
	assert.Equal(t, "trailing", buf.String())
}

func TestProtocolHeaderLimits(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, writeProtocolHeader(&buf, ""))
	assert.Error(t, writeProtocolHeader(&buf, strings.Repeat("x", maxProtocolIDLength+1)))

	oversized := bytes.NewReader(varint.ToUvarint(maxProtocolIDLength + 1))
	_, err := readProtocolHeader(oversized)
	assert.Error(t, err)

	truncated := bytes.NewReader(append(varint.ToUvarint(10), "abc"...))
	_, err = readProtocolHeader(truncated)
	assert.Error(t, err)
}
