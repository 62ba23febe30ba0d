// Package xids implements transaction-id chains: the ordered list of nested
// transaction identifiers, outermost ancestor first, attached to every
// message and provisional record.
package xids

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TXNID identifies a transaction. Zero is the root (non-transactional) id.
type TXNID uint64

// None is the root transaction id.
const None TXNID = 0

// MaxDepth bounds nesting depth.
const MaxDepth = 250

var (
	// ErrTooDeep is returned when a child would exceed MaxDepth.
	ErrTooDeep = errors.New("xids: nesting too deep")
	// ErrTruncated is returned when decoding runs out of input.
	ErrTruncated = errors.New("xids: truncated encoding")
)

// XIDs is an immutable transaction-id chain. The zero value is the root chain.
type XIDs struct {
	ids []TXNID
}

// Root returns the empty chain used by non-transactional messages.
func Root() XIDs { return XIDs{} }

// New builds a chain from outermost to innermost ids.
func New(ids ...TXNID) XIDs {
	if len(ids) == 0 {
		return XIDs{}
	}
	return XIDs{ids: append([]TXNID(nil), ids...)}
}

// Child returns a new chain with id appended as the innermost transaction.
func (x XIDs) Child(id TXNID) (XIDs, error) {
	if id == None {
		return XIDs{}, fmt.Errorf("xids: child id must be non-zero")
	}
	if len(x.ids) >= MaxDepth {
		return XIDs{}, ErrTooDeep
	}
	if n := len(x.ids); n > 0 && x.ids[n-1] >= id {
		return XIDs{}, fmt.Errorf("xids: child %d not newer than parent %d", id, x.ids[n-1])
	}
	ids := make([]TXNID, len(x.ids)+1)
	copy(ids, x.ids)
	ids[len(x.ids)] = id
	return XIDs{ids: ids}, nil
}

// Parent drops the innermost id. The parent of the root is the root.
func (x XIDs) Parent() XIDs {
	if len(x.ids) <= 1 {
		return XIDs{}
	}
	return XIDs{ids: x.ids[:len(x.ids)-1]}
}

// Len is the nesting depth; zero for the root chain.
func (x XIDs) Len() int { return len(x.ids) }

// IsRoot reports whether the chain carries no transaction.
func (x XIDs) IsRoot() bool { return len(x.ids) == 0 }

// At returns the id at depth i (0 is outermost).
func (x XIDs) At(i int) TXNID { return x.ids[i] }

// Innermost returns the innermost id, or None for the root chain.
func (x XIDs) Innermost() TXNID {
	if len(x.ids) == 0 {
		return None
	}
	return x.ids[len(x.ids)-1]
}

// Outermost returns the outermost id, or None for the root chain.
func (x XIDs) Outermost() TXNID {
	if len(x.ids) == 0 {
		return None
	}
	return x.ids[0]
}

// Contains reports whether id is part of the chain.
func (x XIDs) Contains(id TXNID) bool {
	for _, v := range x.ids {
		if v == id {
			return true
		}
	}
	return false
}

// Equal compares two chains element-wise.
func (x XIDs) Equal(o XIDs) bool {
	if len(x.ids) != len(o.ids) {
		return false
	}
	for i := range x.ids {
		if x.ids[i] != o.ids[i] {
			return false
		}
	}
	return true
}

// EncodedSize returns the number of bytes AppendEncoded will add.
func (x XIDs) EncodedSize() int {
	n := 1
	for _, id := range x.ids {
		n += uvarintLen(uint64(id))
	}
	return n
}

// AppendEncoded appends [count u8][uvarint id]*.
func (x XIDs) AppendEncoded(dst []byte) []byte {
	dst = append(dst, byte(len(x.ids)))
	for _, id := range x.ids {
		dst = binary.AppendUvarint(dst, uint64(id))
	}
	return dst
}

// Decode parses a chain produced by AppendEncoded, returning bytes consumed.
func Decode(b []byte) (XIDs, int, error) {
	if len(b) < 1 {
		return XIDs{}, 0, ErrTruncated
	}
	n := int(b[0])
	if n > MaxDepth {
		return XIDs{}, 0, ErrTooDeep
	}
	off := 1
	if n == 0 {
		return XIDs{}, off, nil
	}
	ids := make([]TXNID, n)
	for i := range ids {
		v, k := binary.Uvarint(b[off:])
		if k <= 0 {
			return XIDs{}, 0, ErrTruncated
		}
		ids[i] = TXNID(v)
		off += k
	}
	return XIDs{ids: ids}, off, nil
}

func (x XIDs) String() string {
	return fmt.Sprint(x.ids)
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
