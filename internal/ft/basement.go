package ft

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/fractal/internal/msg"
	"github.com/hupe1980/fractal/internal/ule"
	"github.com/hupe1980/fractal/internal/xids"
)

// GC carries the garbage-collection horizon into message application.
type GC struct {
	Oldest xids.TXNID
	Config ule.GCConfig
}

// Basement is a sorted set of leaf entries. Entries that become empty are
// removed.
type Basement struct {
	MaxMSN msg.MSN

	keys  [][]byte
	les   []*ule.Entry
	bytes int
}

// NewBasement returns an empty basement.
func NewBasement() *Basement { return &Basement{} }

// Len returns the number of entries.
func (b *Basement) Len() int { return len(b.keys) }

// Key returns the i-th key.
func (b *Basement) Key(i int) []byte { return b.keys[i] }

// Entry returns the i-th leaf entry.
func (b *Basement) Entry(i int) *ule.Entry { return b.les[i] }

// MemSize approximates the in-memory footprint.
func (b *Basement) MemSize() int { return 64 + b.bytes }

func (b *Basement) find(key []byte) (int, bool) {
	return slices.BinarySearchFunc(b.keys, key, bytes.Compare)
}

// Get returns the entry for key, or nil.
func (b *Basement) Get(key []byte) *ule.Entry {
	if i, ok := b.find(key); ok {
		return b.les[i]
	}
	return nil
}

// Apply applies m unless the basement already reflects it. It reports
// whether m was applied.
func (b *Basement) Apply(m *msg.Message, gc *GC) bool {
	if m.MSN <= b.MaxMSN {
		return false
	}
	b.MaxMSN = m.MSN

	if m.Type.IsBroadcast() {
		for i := 0; i < len(b.les); {
			e := b.les[i]
			b.bytes -= e.MemSize()
			applyEntry(e, m)
			collect(e, gc)
			if e.IsEmpty() {
				b.removeAt(i)
				continue
			}
			b.bytes += e.MemSize()
			i++
		}
		return true
	}

	i, found := b.find(m.Key)
	var e *ule.Entry
	if found {
		e = b.les[i]
		b.bytes -= e.MemSize()
	} else {
		e = ule.New()
	}
	applyEntry(e, m)
	collect(e, gc)
	switch {
	case e.IsEmpty() && found:
		b.removeAt(i)
	case e.IsEmpty():
	case found:
		b.bytes += e.MemSize()
	default:
		b.keys = slices.Insert(b.keys, i, m.Key)
		b.les = slices.Insert(b.les, i, e)
		b.bytes += len(m.Key) + 24 + e.MemSize()
	}
	return true
}

// applyEntry applies m to one entry. Transaction broadcasts only touch
// entries the transaction wrote.
func applyEntry(e *ule.Entry, m *msg.Message) {
	switch m.Type {
	case msg.CommitBroadcastTxn, msg.AbortBroadcastTxn:
		if !e.HasXIDs(m.XIDs) {
			return
		}
	}
	e.Apply(m)
}

func collect(e *ule.Entry, gc *GC) {
	if gc != nil && e.WorthGC(gc.Oldest, gc.Config) {
		e.GC(gc.Oldest)
	}
}

func (b *Basement) removeAt(i int) {
	b.bytes -= len(b.keys[i]) + 24
	b.keys = slices.Delete(b.keys, i, i+1)
	b.les = slices.Delete(b.les, i, i+1)
}

func (b *Basement) append(key []byte, e *ule.Entry) {
	b.keys = append(b.keys, key)
	b.les = append(b.les, e)
	b.bytes += len(key) + 24 + e.MemSize()
}

// clone copies the entry stacks so later applies do not affect the copy.
func (b *Basement) clone() *Basement {
	c := &Basement{
		MaxMSN: b.MaxMSN,
		keys:   slices.Clone(b.keys),
		les:    make([]*ule.Entry, len(b.les)),
		bytes:  b.bytes,
	}
	for i, e := range b.les {
		c.les[i] = e.Clone()
	}
	return c
}

// splitHalf moves the upper half (by size) into a new basement and returns
// it. b must hold at least two entries.
func (b *Basement) splitHalf() *Basement {
	half, acc, k := b.bytes/2, 0, 0
	for k < len(b.les)-1 {
		acc += len(b.keys[k]) + 24 + b.les[k].MemSize()
		k++
		if acc >= half {
			break
		}
	}
	right := &Basement{MaxMSN: b.MaxMSN}
	for i := k; i < len(b.keys); i++ {
		right.append(b.keys[i], b.les[i])
	}
	b.keys = slices.Clip(b.keys[:k])
	b.les = slices.Clip(b.les[:k])
	b.bytes -= right.bytes
	return right
}

// appendEncoded appends [msn u64][count uvarint]([klen][key][plen][packed])*.
func (b *Basement) appendEncoded(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(b.MaxMSN))
	dst = binary.AppendUvarint(dst, uint64(len(b.keys)))
	for i, k := range b.keys {
		dst = binary.AppendUvarint(dst, uint64(len(k)))
		dst = append(dst, k...)
		dst = binary.AppendUvarint(dst, uint64(b.les[i].PackedSize()))
		dst = b.les[i].Pack(dst)
	}
	return dst
}

var errBadBasement = errors.New("malformed basement")

func decodeBasement(raw []byte) (*Basement, error) {
	if len(raw) < 8 {
		return nil, errBadBasement
	}
	b := &Basement{MaxMSN: msg.MSN(binary.LittleEndian.Uint64(raw))}
	p := raw[8:]
	count, n := binary.Uvarint(p)
	if n <= 0 || count > uint64(len(p)) {
		return nil, errBadBasement
	}
	p = p[n:]
	for i := uint64(0); i < count; i++ {
		key, rest, err := readLenPrefixed(p)
		if err != nil {
			return nil, err
		}
		packed, rest, err := readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		p = rest
		if len(b.keys) > 0 && bytes.Compare(b.keys[len(b.keys)-1], key) >= 0 {
			return nil, fmt.Errorf("%w: keys out of order", errBadBasement)
		}
		e, err := ule.Unpack(packed)
		if err != nil {
			return nil, err
		}
		b.append(key, e)
	}
	if len(p) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", errBadBasement, len(p))
	}
	return b, nil
}

func readLenPrefixed(p []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(p)
	if n <= 0 || l > uint64(len(p)-n) {
		return nil, nil, errBadBasement
	}
	end := n + int(l)
	return p[n:end:end], p[end:], nil
}
