package ft

import (
	"bytes"
	"fmt"
	"slices"
	"sort"

	"github.com/hupe1980/fractal/internal/block"
	"github.com/hupe1980/fractal/internal/cachetable"
	"github.com/hupe1980/fractal/internal/msg"
)

// State is the residency of a partition.
type State uint8

const (
	// OnDisk partitions hold nothing in memory.
	OnDisk State = iota
	// Compressed partitions hold their encoded sub-block.
	Compressed
	// Available partitions are decoded.
	Available
)

func (s State) String() string {
	switch s {
	case OnDisk:
		return "ON_DISK"
	case Compressed:
		return "COMPRESSED"
	case Available:
		return "AVAILABLE"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type diskRef struct {
	off, size uint32
}

type partition struct {
	state State
	bn    *Basement // leaf, when Available
	buf   *Buffer   // internal, when Available
	child block.Num // internal
	sub   []byte    // when Compressed, without trailing checksum
	disk  diskRef   // where the sub-block was in the block it was read from
}

// Node is a tree node. Children are referenced by block number only.
type Node struct {
	Blocknum      block.Num
	Height        int
	LayoutVersion uint32
	MaxMSN        msg.MSN
	Pivots        [][]byte

	parts     []*partition
	headerLen int // bytes before the first sub-block on disk
}

// NewLeaf returns an empty leaf with one basement.
func NewLeaf(num block.Num) *Node {
	return &Node{
		Blocknum:      num,
		LayoutVersion: LayoutVersion,
		parts:         []*partition{{state: Available, bn: NewBasement()}},
	}
}

// IsLeaf reports whether n is a leaf.
func (n *Node) IsLeaf() bool { return n.Height == 0 }

// N returns the number of partitions.
func (n *Node) N() int { return len(n.parts) }

// State returns the residency of partition i.
func (n *Node) State(i int) State { return n.parts[i].state }

// Child returns the block number of child i of an internal node.
func (n *Node) Child(i int) block.Num { return n.parts[i].child }

// Basement returns basement i of a leaf, or nil if it is not available.
func (n *Node) Basement(i int) *Basement { return n.parts[i].bn }

// Buffer returns the buffer of child i of an internal node, or nil if it is
// not available.
func (n *Node) Buffer(i int) *Buffer { return n.parts[i].buf }

// ChildIndex returns the partition whose key range holds key. Keys equal to
// a pivot belong to the left side.
func (n *Node) ChildIndex(key []byte) int {
	return sort.Search(len(n.Pivots), func(i int) bool {
		return bytes.Compare(key, n.Pivots[i]) <= 0
	})
}

// AllAvailable reports whether every partition is decoded.
func (n *Node) AllAvailable() bool {
	for _, p := range n.parts {
		if p.state != Available {
			return false
		}
	}
	return true
}

// MemSize approximates the in-memory footprint.
func (n *Node) MemSize() int {
	size := 128
	for _, p := range n.Pivots {
		size += len(p) + 24
	}
	for _, p := range n.parts {
		size += 64
		switch p.state {
		case Available:
			if p.bn != nil {
				size += p.bn.MemSize()
			}
			if p.buf != nil {
				size += p.buf.Bytes()
			}
		case Compressed:
			size += len(p.sub)
		}
	}
	return size
}

// BufferedBytes returns the size of all available message buffers.
func (n *Node) BufferedBytes() int {
	total := 0
	for _, p := range n.parts {
		if p.buf != nil {
			total += p.buf.Bytes()
		}
	}
	return total
}

// Attr returns the cachetable accounting for n.
func (n *Node) Attr() cachetable.Attr {
	return cachetable.Attr{Size: int64(n.MemSize()), CachePressure: int64(n.BufferedBytes())}
}

// Entries returns the number of leaf entries in available basements.
func (n *Node) Entries() int {
	total := 0
	for _, p := range n.parts {
		if p.bn != nil {
			total += p.bn.Len()
		}
	}
	return total
}

// ApplyLeaf applies m to the basements of a leaf. Every partition the
// message touches must be available. It reports whether m was applied
// anywhere.
func (n *Node) ApplyLeaf(m *msg.Message, gc *GC, basementSize int) bool {
	applied := false
	if m.Type.IsBroadcast() {
		for _, p := range n.parts {
			if p.bn.Apply(m, gc) {
				applied = true
			}
		}
	} else {
		i := n.ChildIndex(m.Key)
		applied = n.parts[i].bn.Apply(m, gc)
		if bn := n.parts[i].bn; basementSize > 0 && bn.MemSize() > basementSize && bn.Len() > 1 {
			n.splitBasement(i)
		}
	}
	if applied {
		n.MaxMSN = max(n.MaxMSN, m.MSN)
	}
	return applied
}

// Enqueue routes m into the buffers of an internal node. Messages the node
// already reflects are dropped.
func (n *Node) Enqueue(m msg.Message) bool {
	if m.MSN <= n.MaxMSN {
		return false
	}
	n.MaxMSN = m.MSN
	if m.Type.IsBroadcast() {
		for _, p := range n.parts {
			p.buf.Enqueue(m)
		}
		return true
	}
	n.parts[n.ChildIndex(m.Key)].buf.Enqueue(m)
	return true
}

// heaviest returns the partition with the most buffered bytes.
func (n *Node) heaviest() (int, int) {
	best, most := -1, 0
	for i, p := range n.parts {
		if p.buf != nil && p.buf.Bytes() > most {
			best, most = i, p.buf.Bytes()
		}
	}
	return best, most
}

func (n *Node) splitBasement(i int) {
	left := n.parts[i].bn
	right := left.splitHalf()
	pivot := left.Key(left.Len() - 1)
	n.Pivots = slices.Insert(n.Pivots, i, pivot)
	n.parts = slices.Insert(n.parts, i+1, &partition{state: Available, bn: right})
}

// needsSplit reports whether n is too large for one node.
func (n *Node) needsSplit(cfg *Config) bool {
	if n.IsLeaf() {
		return n.MemSize() > cfg.NodeSize && n.Entries() > 1
	}
	return len(n.parts) > cfg.MaxFanout
}

// split moves the upper half of n into a new node and returns it with the
// pivot separating the two. The new node has no block number yet.
func (n *Node) split(basementSize int) (*Node, []byte) {
	right := &Node{
		Height:        n.Height,
		LayoutVersion: LayoutVersion,
		MaxMSN:        n.MaxMSN,
	}
	if !n.IsLeaf() {
		mid := len(n.parts) / 2
		pivot := n.Pivots[mid-1]
		right.Pivots = slices.Clone(n.Pivots[mid:])
		right.parts = slices.Clone(n.parts[mid:])
		n.Pivots = slices.Clip(n.Pivots[:mid-1])
		n.parts = slices.Clip(n.parts[:mid])
		return right, pivot
	}

	// Leaves are split by entry volume and rebuilt into basements.
	all := &Basement{MaxMSN: n.MaxMSN}
	for _, p := range n.parts {
		for i := 0; i < p.bn.Len(); i++ {
			all.append(p.bn.Key(i), p.bn.Entry(i))
		}
	}
	upper := all.splitHalf()
	pivot := all.Key(all.Len() - 1)
	n.Pivots, n.parts = rebasement(all, basementSize)
	right.Pivots, right.parts = rebasement(upper, basementSize)
	return right, pivot
}

// rebasement chops b into basements of about basementSize bytes.
func rebasement(b *Basement, basementSize int) ([][]byte, []*partition) {
	parts := []*partition{{state: Available, bn: b}}
	var pivots [][]byte
	for {
		last := parts[len(parts)-1].bn
		if basementSize <= 0 || last.MemSize() <= basementSize || last.Len() < 2 {
			return pivots, parts
		}
		right := last.splitHalf()
		pivots = append(pivots, last.Key(last.Len()-1))
		parts = append(parts, &partition{state: Available, bn: right})
	}
}

// insertChild adds child num to the right of partition i, separated by
// pivot.
func (n *Node) insertChild(i int, pivot []byte, num block.Num) {
	n.Pivots = slices.Insert(n.Pivots, i, pivot)
	n.parts = slices.Insert(n.parts, i+1, &partition{state: Available, buf: NewBuffer(), child: num})
}

// removeChild drops partition i and the pivot bounding it.
func (n *Node) removeChild(i int) {
	n.parts = slices.Delete(n.parts, i, i+1)
	p := max(i-1, 0)
	n.Pivots = slices.Delete(n.Pivots, p, p+1)
}
