package hash

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C_KnownVector(t *testing.T) {
	// RFC 3720 B.4: 32 bytes of zeros.
	assert.Equal(t, uint32(0x8a9136aa), CRC32C(make([]byte, 32)))
}

func TestExtend_MatchesOneShot(t *testing.T) {
	data := []byte("header|body-bytes")
	assert.Equal(t, CRC32C(data), Extend(CRC32C(data[:7]), data[7:]))

	h := NewCRC32C()
	_, _ = h.Write(data[:3])
	_, _ = h.Write(data[3:])
	assert.Equal(t, CRC32C(data), h.Sum32())
}

func TestAppendChecksumAndVerify(t *testing.T) {
	data := []byte("partition")
	out := AppendChecksum([]byte{0xff}, data)
	assert.Len(t, out, 5)
	assert.True(t, Verify(data, binary.LittleEndian.Uint32(out[1:])))
	assert.False(t, Verify([]byte("partitioN"), binary.LittleEndian.Uint32(out[1:])))
}
