package ft

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/fractal/internal/block"
	"github.com/hupe1980/fractal/internal/compress"
	"github.com/hupe1980/fractal/internal/conv"
	"github.com/hupe1980/fractal/internal/hash"
	"github.com/hupe1980/fractal/internal/msg"
)

// LayoutVersion is the node layout this package writes and reads.
const LayoutVersion uint32 = 1

var nodeMagic = [8]byte{'F', 'R', 'C', 'T', 'N', 'O', 'D', 'E'}

// fixedHeaderSize covers magic, header length, layout version, height,
// blocknum, max MSN and child count.
const fixedHeaderSize = 8 + 4 + 4 + 4 + 8 + 8 + 4

// headerProbeSize is read first when only the header is wanted.
const headerProbeSize = 4096

// FetchMode selects how much of a node Decode materializes.
type FetchMode uint8

const (
	// FetchFull decodes every partition.
	FetchFull FetchMode = iota
	// FetchCompressed verifies every partition but keeps it compressed.
	FetchCompressed
	// FetchHeader decodes pivots and the directory only. Partitions stay on
	// disk.
	FetchHeader
)

func (m FetchMode) String() string {
	switch m {
	case FetchFull:
		return "full"
	case FetchCompressed:
		return "compressed"
	case FetchHeader:
		return "header"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ErrBadLayoutVersion is returned for nodes written in an unknown layout.
var ErrBadLayoutVersion = errors.New("ft: unsupported node layout version")

// CorruptError reports a node that failed verification.
type CorruptError struct {
	Blocknum block.Num
	Reason   string
	Err      error
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ft: node %d corrupt: %s: %v", e.Blocknum, e.Reason, e.Err)
	}
	return fmt.Sprintf("ft: node %d corrupt: %s", e.Blocknum, e.Reason)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func corrupt(num block.Num, reason string, err error) error {
	return &CorruptError{Blocknum: num, Reason: reason, Err: err}
}

// Encode serializes s. Available partitions are compressed with method;
// partitions that are already compressed keep their bytes.
func Encode(s *Snapshot, method compress.Method) ([]byte, error) {
	subs := make([][]byte, len(s.parts))
	for i, p := range s.parts {
		switch p.state {
		case Compressed:
			subs[i] = p.sub
		case Available:
			var raw []byte
			if s.IsLeaf() {
				raw = p.bn.appendEncoded(nil)
			} else {
				raw = appendMessages(nil, p.msgs)
			}
			sub, err := compress.Compress(method, raw)
			if err != nil {
				return nil, err
			}
			subs[i] = sub
		default:
			return nil, fmt.Errorf("ft: encode node %d: partition %d not resident", s.Blocknum, i)
		}
	}

	hdrLen := fixedHeaderSize + 4
	for _, p := range s.Pivots {
		hdrLen += uvarintLen(uint64(len(p))) + len(p)
	}
	dirEntry := 8
	if !s.IsLeaf() {
		dirEntry += 8
	}
	hdrLen += dirEntry * len(subs)

	total := hdrLen
	for _, sub := range subs {
		total += len(sub) + 4
	}

	// Offsets and lengths are bounded by total.
	if _, err := conv.IntToUint32(total); err != nil {
		return nil, fmt.Errorf("ft: encode node %d: %w", s.Blocknum, err)
	}

	b := make([]byte, 0, total)
	b = append(b, nodeMagic[:]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(hdrLen))
	b = binary.LittleEndian.AppendUint32(b, LayoutVersion)
	b = binary.LittleEndian.AppendUint32(b, uint32(s.Height))
	b = binary.LittleEndian.AppendUint64(b, uint64(s.Blocknum))
	b = binary.LittleEndian.AppendUint64(b, uint64(s.MaxMSN))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(subs)))
	for _, p := range s.Pivots {
		b = binary.AppendUvarint(b, uint64(len(p)))
		b = append(b, p...)
	}
	off := 0
	for i, sub := range subs {
		b = binary.LittleEndian.AppendUint32(b, uint32(off))
		b = binary.LittleEndian.AppendUint32(b, uint32(len(sub)+4))
		if !s.IsLeaf() {
			b = binary.LittleEndian.AppendUint64(b, uint64(s.parts[i].child))
		}
		off += len(sub) + 4
	}
	b = hash.AppendChecksum(b, b)
	for _, sub := range subs {
		b = append(b, sub...)
		b = hash.AppendChecksum(b, sub)
	}
	return b, nil
}

// headerLen returns the header length recorded in b, which must hold at
// least the fixed part of a header.
func headerLen(b []byte) (int, error) {
	if len(b) < fixedHeaderSize {
		return 0, corrupt(block.NumNull, "short header", nil)
	}
	if [8]byte(b[:8]) != nodeMagic {
		return 0, corrupt(block.NumNull, "bad magic", nil)
	}
	return int(binary.LittleEndian.Uint32(b[8:12])), nil
}

// Decode parses a node. In FetchHeader mode b may end after the header.
func Decode(b []byte, mode FetchMode) (*Node, error) {
	n, hdrLen, err := decodeHeader(b)
	if err != nil {
		return nil, err
	}
	if mode == FetchHeader {
		return n, nil
	}
	for i, p := range n.parts {
		start := hdrLen + int(p.disk.off)
		end := start + int(p.disk.size)
		if end > len(b) || start > end {
			return nil, corrupt(n.Blocknum, fmt.Sprintf("partition %d out of bounds", i), nil)
		}
		if err := n.loadPartition(i, b[start:end]); err != nil {
			return nil, err
		}
		if mode == FetchFull {
			if err := n.expand(i); err != nil {
				return nil, err
			}
		}
	}
	return n, nil
}

func decodeHeader(b []byte) (*Node, int, error) {
	hdrLen, err := headerLen(b)
	if err != nil {
		return nil, 0, err
	}
	n := &Node{
		Blocknum:      block.Num(binary.LittleEndian.Uint64(b[20:28])),
		LayoutVersion: binary.LittleEndian.Uint32(b[12:16]),
		Height:        int(binary.LittleEndian.Uint32(b[16:20])),
		MaxMSN:        msg.MSN(binary.LittleEndian.Uint64(b[28:36])),
		headerLen:     hdrLen,
	}
	if hdrLen < fixedHeaderSize+4 || hdrLen > len(b) {
		return nil, 0, corrupt(n.Blocknum, fmt.Sprintf("header length %d", hdrLen), nil)
	}
	if !hash.Verify(b[:hdrLen-4], binary.LittleEndian.Uint32(b[hdrLen-4:hdrLen])) {
		return nil, 0, corrupt(n.Blocknum, "header checksum mismatch", nil)
	}
	if n.LayoutVersion != LayoutVersion {
		return nil, 0, fmt.Errorf("%w: %d", ErrBadLayoutVersion, n.LayoutVersion)
	}

	count := int(binary.LittleEndian.Uint32(b[36:40]))
	p := b[fixedHeaderSize : hdrLen-4]
	if count == 0 || count > len(p) {
		return nil, 0, corrupt(n.Blocknum, fmt.Sprintf("child count %d", count), nil)
	}
	n.Pivots = make([][]byte, count-1)
	for i := range n.Pivots {
		piv, rest, err := readLenPrefixed(p)
		if err != nil {
			return nil, 0, corrupt(n.Blocknum, "pivot", err)
		}
		n.Pivots[i] = append([]byte(nil), piv...)
		p = rest
	}
	dirEntry := 8
	if !n.IsLeaf() {
		dirEntry += 8
	}
	if len(p) != dirEntry*count {
		return nil, 0, corrupt(n.Blocknum, "directory size", nil)
	}
	n.parts = make([]*partition, count)
	for i := range n.parts {
		part := &partition{state: OnDisk}
		part.disk.off = binary.LittleEndian.Uint32(p)
		part.disk.size = binary.LittleEndian.Uint32(p[4:])
		if part.disk.size < 4+compress.HeaderSize {
			return nil, 0, corrupt(n.Blocknum, fmt.Sprintf("partition %d size %d", i, part.disk.size), nil)
		}
		if !n.IsLeaf() {
			part.child = block.Num(binary.LittleEndian.Uint64(p[8:]))
		}
		n.parts[i] = part
		p = p[dirEntry:]
	}
	return n, hdrLen, nil
}

// loadPartition verifies a sub-block with its trailing checksum and keeps
// it compressed.
func (n *Node) loadPartition(i int, sub []byte) error {
	if len(sub) < 4 {
		return corrupt(n.Blocknum, fmt.Sprintf("partition %d truncated", i), nil)
	}
	body := sub[:len(sub)-4]
	if !hash.Verify(body, binary.LittleEndian.Uint32(sub[len(sub)-4:])) {
		return corrupt(n.Blocknum, fmt.Sprintf("partition %d checksum mismatch", i), nil)
	}
	p := n.parts[i]
	p.state = Compressed
	p.sub = body
	return nil
}

// expand decodes a compressed partition.
func (n *Node) expand(i int) error {
	p := n.parts[i]
	if p.state != Compressed {
		return nil
	}
	raw, err := compress.Decompress(p.sub)
	if err != nil {
		return corrupt(n.Blocknum, fmt.Sprintf("partition %d", i), err)
	}
	if n.IsLeaf() {
		bn, err := decodeBasement(raw)
		if err != nil {
			return corrupt(n.Blocknum, fmt.Sprintf("basement %d", i), err)
		}
		p.bn = bn
	} else {
		buf, err := decodeBuffer(raw)
		if err != nil {
			return corrupt(n.Blocknum, fmt.Sprintf("buffer %d", i), err)
		}
		p.buf = buf
	}
	p.state = Available
	p.sub = nil
	return nil
}

// compressPartition encodes an available partition and drops its decoded
// form.
func (n *Node) compressPartition(i int, method compress.Method) error {
	p := n.parts[i]
	if p.state != Available {
		return nil
	}
	var raw []byte
	if n.IsLeaf() {
		raw = p.bn.appendEncoded(nil)
	} else {
		raw = appendMessages(nil, p.buf.msgs)
	}
	sub, err := compress.Compress(method, raw)
	if err != nil {
		return err
	}
	p.sub = sub
	p.state = Compressed
	p.bn, p.buf = nil, nil
	return nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
