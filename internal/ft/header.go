package ft

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/fractal/internal/block"
	"github.com/hupe1980/fractal/internal/compress"
	"github.com/hupe1980/fractal/internal/hash"
	"github.com/hupe1980/fractal/internal/msg"
)

var treeMagic = [8]byte{'F', 'R', 'C', 'T', 'T', 'R', 'E', 'E'}

const headerVersion uint32 = 1

const headerSize = 8 + 4 + 8 + 8 + 8 + 8 + 1 + 8 + 4

// ErrBadTreeHeader is returned when a tree header fails verification.
var ErrBadTreeHeader = errors.New("ft: tree header corrupt")

// Header is the durable root record of a tree, written at the end of every
// checkpoint.
type Header struct {
	Root        block.Num
	MaxMSN      msg.MSN
	Translation block.Location
	Compression compress.Method
	Checkpoints uint64
}

// Encode serializes h.
func (h Header) Encode() []byte {
	b := make([]byte, 0, headerSize)
	b = append(b, treeMagic[:]...)
	b = binary.LittleEndian.AppendUint32(b, headerVersion)
	b = binary.LittleEndian.AppendUint64(b, uint64(h.Root))
	b = binary.LittleEndian.AppendUint64(b, uint64(h.MaxMSN))
	b = binary.LittleEndian.AppendUint64(b, uint64(h.Translation.Offset))
	b = binary.LittleEndian.AppendUint64(b, uint64(h.Translation.Size))
	b = append(b, byte(h.Compression))
	b = binary.LittleEndian.AppendUint64(b, h.Checkpoints)
	return hash.AppendChecksum(b, b)
}

// DecodeHeader parses a header written by Encode.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) != headerSize {
		return h, fmt.Errorf("%w: size %d", ErrBadTreeHeader, len(b))
	}
	if [8]byte(b[:8]) != treeMagic {
		return h, fmt.Errorf("%w: bad magic", ErrBadTreeHeader)
	}
	if !hash.Verify(b[:headerSize-4], binary.LittleEndian.Uint32(b[headerSize-4:])) {
		return h, fmt.Errorf("%w: checksum mismatch", ErrBadTreeHeader)
	}
	if v := binary.LittleEndian.Uint32(b[8:12]); v != headerVersion {
		return h, fmt.Errorf("%w: version %d", ErrBadLayoutVersion, v)
	}
	h.Root = block.Num(binary.LittleEndian.Uint64(b[12:20]))
	h.MaxMSN = msg.MSN(binary.LittleEndian.Uint64(b[20:28]))
	h.Translation.Offset = int64(binary.LittleEndian.Uint64(b[28:36]))
	h.Translation.Size = int64(binary.LittleEndian.Uint64(b[36:44]))
	h.Compression = compress.Method(b[44])
	h.Checkpoints = binary.LittleEndian.Uint64(b[45:53])
	if !h.Compression.Valid() {
		return h, fmt.Errorf("%w: compression %d", ErrBadTreeHeader, b[44])
	}
	return h, nil
}
