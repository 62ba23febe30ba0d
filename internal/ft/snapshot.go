package ft

import (
	"slices"

	"github.com/hupe1980/fractal/internal/block"
	"github.com/hupe1980/fractal/internal/msg"
)

// Snapshot is an immutable view of a node, taken for a checkpoint write.
// Leaf entries are copied; buffered messages and compressed partitions are
// shared with the live node, which never mutates them in place.
type Snapshot struct {
	Blocknum block.Num
	Height   int
	MaxMSN   msg.MSN
	Pivots   [][]byte

	parts []snapPart
	size  int
}

type snapPart struct {
	state State
	bn    *Basement
	msgs  []msg.Message
	child block.Num
	sub   []byte
}

// Snapshot copies n. Deep copies leaf entries so that the live node may be
// modified while the snapshot is written.
func (n *Node) Snapshot(deep bool) *Snapshot {
	s := &Snapshot{
		Blocknum: n.Blocknum,
		Height:   n.Height,
		MaxMSN:   n.MaxMSN,
		Pivots:   slices.Clone(n.Pivots),
		parts:    make([]snapPart, len(n.parts)),
		size:     n.MemSize(),
	}
	for i, p := range n.parts {
		sp := snapPart{state: p.state, child: p.child, sub: p.sub}
		if p.bn != nil {
			sp.bn = p.bn
			if deep {
				sp.bn = p.bn.clone()
			}
		}
		if p.buf != nil {
			sp.msgs = p.buf.view()
		}
		s.parts[i] = sp
	}
	return s
}

// MemSize returns the size of the node the snapshot was taken from.
func (s *Snapshot) MemSize() int { return s.size }

// IsLeaf reports whether the snapshot is of a leaf.
func (s *Snapshot) IsLeaf() bool { return s.Height == 0 }
