package ule

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/fractal/internal/xids"
)

const (
	formatClean byte = 1
	formatMVCC  byte = 2

	maxStack = 1 << 16
)

// ErrMalformed is returned by Unpack for undecodable input.
var ErrMalformed = errors.New("ule: malformed leaf entry")

// PackedSize returns len(e.Pack(nil)).
func (e *Entry) PackedSize() int {
	if e.IsEmpty() {
		return 0
	}
	if e.isClean() {
		v := e.committed[0].Value
		return 1 + uvarintLen(uint64(len(v))) + len(v)
	}
	n := 1 + uvarintLen(uint64(len(e.committed))) + uvarintLen(uint64(len(e.provisional)))
	for _, r := range e.committed {
		n += recordSize(r)
	}
	for _, r := range e.provisional {
		n += recordSize(r)
	}
	return n
}

// Pack appends the wire form of e to dst. Empty entries append nothing.
//
// Clean:  [1][vlen][value]
// MVCC:   [2][ncommitted][nprovisional] then ([kind][xid][vlen value if insert])*
func (e *Entry) Pack(dst []byte) []byte {
	if e.IsEmpty() {
		return dst
	}
	if e.isClean() {
		v := e.committed[0].Value
		dst = append(dst, formatClean)
		dst = binary.AppendUvarint(dst, uint64(len(v)))
		return append(dst, v...)
	}
	dst = append(dst, formatMVCC)
	dst = binary.AppendUvarint(dst, uint64(len(e.committed)))
	dst = binary.AppendUvarint(dst, uint64(len(e.provisional)))
	for _, r := range e.committed {
		dst = appendRecord(dst, r)
	}
	for _, r := range e.provisional {
		dst = appendRecord(dst, r)
	}
	return dst
}

// Unpack decodes a packed entry. A zero-length input yields New(). Values
// alias b.
func Unpack(b []byte) (*Entry, error) {
	if len(b) == 0 {
		return New(), nil
	}
	switch b[0] {
	case formatClean:
		l, n := binary.Uvarint(b[1:])
		if n <= 0 || uint64(len(b)-1-n) != l {
			return nil, fmt.Errorf("%w: clean value length", ErrMalformed)
		}
		return &Entry{committed: []Record{{Kind: KindInsert, Value: b[1+n:]}}}, nil
	case formatMVCC:
	default:
		return nil, fmt.Errorf("%w: format byte %d", ErrMalformed, b[0])
	}

	off := 1
	nc, n := binary.Uvarint(b[off:])
	if n <= 0 || nc == 0 || nc > maxStack {
		return nil, fmt.Errorf("%w: committed count", ErrMalformed)
	}
	off += n
	np, n := binary.Uvarint(b[off:])
	if n <= 0 || np > maxStack {
		return nil, fmt.Errorf("%w: provisional count", ErrMalformed)
	}
	off += n

	e := &Entry{committed: make([]Record, nc)}
	if np > 0 {
		e.provisional = make([]Record, np)
	}
	for _, stack := range [][]Record{e.committed, e.provisional} {
		for i := range stack {
			r, k, err := readRecord(b[off:])
			if err != nil {
				return nil, err
			}
			stack[i] = r
			off += k
		}
	}
	if off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b)-off)
	}
	return e, nil
}

func (e *Entry) isClean() bool {
	return len(e.provisional) == 0 && len(e.committed) == 1 &&
		e.committed[0].Kind == KindInsert && e.committed[0].XID == xids.None
}

func recordSize(r Record) int {
	n := 1 + uvarintLen(uint64(r.XID))
	if r.Kind == KindInsert {
		n += uvarintLen(uint64(len(r.Value))) + len(r.Value)
	}
	return n
}

func appendRecord(dst []byte, r Record) []byte {
	dst = append(dst, byte(r.Kind))
	dst = binary.AppendUvarint(dst, uint64(r.XID))
	if r.Kind == KindInsert {
		dst = binary.AppendUvarint(dst, uint64(len(r.Value)))
		dst = append(dst, r.Value...)
	}
	return dst
}

func readRecord(b []byte) (Record, int, error) {
	var r Record
	if len(b) < 2 {
		return r, 0, fmt.Errorf("%w: truncated record", ErrMalformed)
	}
	r.Kind = Kind(b[0])
	if r.Kind < KindDelete || r.Kind > KindPlaceholder {
		return r, 0, fmt.Errorf("%w: record kind %d", ErrMalformed, b[0])
	}
	x, n := binary.Uvarint(b[1:])
	if n <= 0 {
		return r, 0, fmt.Errorf("%w: record xid", ErrMalformed)
	}
	r.XID = xids.TXNID(x)
	off := 1 + n
	if r.Kind != KindInsert {
		return r, off, nil
	}
	l, n := binary.Uvarint(b[off:])
	if n <= 0 || uint64(len(b)-off-n) < l {
		return r, 0, fmt.Errorf("%w: record value", ErrMalformed)
	}
	off += n
	r.Value = b[off : off+int(l)]
	return r, off + int(l), nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
