package ft

import (
	"context"
	"fmt"

	"github.com/hupe1980/fractal/internal/block"
	"github.com/hupe1980/fractal/internal/cachetable"
)

// FetchExtra tells the cache which partitions of a node a pin needs. A nil
// *FetchExtra asks for the whole node.
type FetchExtra struct {
	// Key selects the one partition whose range holds Key.
	Key []byte
	// Prefetch reads the node without decoding any partition.
	Prefetch bool
}

var fetchAll *FetchExtra

// callbacks binds a tree to the cachetable.
type callbacks struct {
	t *Tree
}

var _ cachetable.Callbacks = callbacks{}

func extraOf(v any) *FetchExtra {
	e, _ := v.(*FetchExtra)
	return e
}

// needed returns the partitions of n that e requires.
func (e *FetchExtra) needed(n *Node) []int {
	if e != nil && e.Prefetch {
		return nil
	}
	if e != nil && e.Key != nil {
		return []int{n.ChildIndex(e.Key)}
	}
	all := make([]int, n.N())
	for i := range all {
		all[i] = i
	}
	return all
}

func (c callbacks) Fetch(ctx context.Context, key cachetable.Key, extra any) (any, cachetable.Attr, error) {
	t := c.t
	num := block.Num(key)
	loc, ok := t.blocks.Get(num)
	if !ok {
		return nil, cachetable.Attr{}, corrupt(num, "block has no location", nil)
	}
	e := extraOf(extra)

	var (
		n   *Node
		err error
	)
	switch {
	case e != nil && e.Key != nil:
		n, err = t.readHeader(ctx, num, loc)
		if err == nil {
			err = t.loadPartitions(ctx, n, num, e.needed(n))
		}
	case e != nil && e.Prefetch:
		n, err = t.readNode(ctx, loc, FetchCompressed)
	default:
		n, err = t.readNode(ctx, loc, FetchFull)
	}
	if err != nil {
		return nil, cachetable.Attr{}, err
	}
	if n.Blocknum != num {
		return nil, cachetable.Attr{}, corrupt(num, fmt.Sprintf("block holds node %d", n.Blocknum), nil)
	}
	return n, n.Attr(), nil
}

func (c callbacks) Flush(ctx context.Context, key cachetable.Key, value any, flags cachetable.FlushFlags) error {
	if !flags.Write {
		return nil
	}
	var s *Snapshot
	switch v := value.(type) {
	case *Node:
		s = v.Snapshot(false)
	case *Snapshot:
		s = v
	default:
		return fmt.Errorf("ft: cannot flush %T", value)
	}
	return c.t.writeNode(ctx, block.Num(key), s, flags.ForCheckpoint)
}

func (c callbacks) Clone(value any) (any, cachetable.Attr, bool) {
	n, ok := value.(*Node)
	if !ok {
		return nil, cachetable.Attr{}, false
	}
	s := n.Snapshot(true)
	return s, cachetable.Attr{Size: int64(s.MemSize())}, true
}

func (c callbacks) PartialEvictionEstimate(value any) int64 {
	n := value.(*Node)
	var est int64
	for _, p := range n.parts {
		if p.state != Available {
			continue
		}
		if p.bn != nil {
			est += int64(p.bn.MemSize()) / 2
		}
		if p.buf != nil && p.buf.Len() > 0 {
			est += int64(p.buf.Bytes()) / 2
		}
	}
	return est
}

func (c callbacks) PartialEvict(value any) (cachetable.Attr, error) {
	n := value.(*Node)
	for i := range n.parts {
		if err := n.compressPartition(i, c.t.cfg.Compression); err != nil {
			return n.Attr(), err
		}
	}
	return n.Attr(), nil
}

func (c callbacks) PartialFetchRequired(value any, extra any) bool {
	n := value.(*Node)
	for _, i := range extraOf(extra).needed(n) {
		if n.State(i) != Available {
			return true
		}
	}
	return false
}

func (c callbacks) PartialFetch(ctx context.Context, key cachetable.Key, value any, extra any) (cachetable.Attr, error) {
	n := value.(*Node)
	err := c.t.loadPartitions(ctx, n, block.Num(key), extraOf(extra).needed(n))
	return n.Attr(), err
}

func (c callbacks) Clean(ctx context.Context, h *cachetable.Handle) error {
	return c.t.clean(ctx, h)
}

func (t *Tree) readNode(ctx context.Context, loc block.Location, mode FetchMode) (*Node, error) {
	data, err := t.dev.ReadBlock(ctx, loc, 0, -1)
	if err != nil {
		return nil, err
	}
	return Decode(data, mode)
}

// readHeader reads only the header of a node, probing first and reading
// the rest of the header if it is longer than the probe.
func (t *Tree) readHeader(ctx context.Context, num block.Num, loc block.Location) (*Node, error) {
	data, err := t.dev.ReadBlock(ctx, loc, 0, min(headerProbeSize, loc.Size))
	if err != nil {
		return nil, err
	}
	hdrLen, err := headerLen(data)
	if err != nil {
		return nil, corrupt(num, "header", err)
	}
	if hdrLen > len(data) {
		if int64(hdrLen) > loc.Size {
			return nil, corrupt(num, fmt.Sprintf("header length %d beyond block", hdrLen), nil)
		}
		if data, err = t.dev.ReadBlock(ctx, loc, 0, int64(hdrLen)); err != nil {
			return nil, err
		}
	}
	return Decode(data[:hdrLen], FetchHeader)
}

// loadPartitions makes the listed partitions available, decompressing the
// ones held in memory and reading the ones still on disk.
func (t *Tree) loadPartitions(ctx context.Context, n *Node, num block.Num, idx []int) error {
	var loc block.Location
	for _, i := range idx {
		p := n.parts[i]
		if p.state == OnDisk {
			if loc.IsZero() {
				var ok bool
				if loc, ok = t.blocks.Get(num); !ok {
					return corrupt(num, "block has no location", nil)
				}
			}
			off := int64(n.headerLen) + int64(p.disk.off)
			if off+int64(p.disk.size) > loc.Size {
				return corrupt(num, fmt.Sprintf("partition %d beyond block", i), nil)
			}
			sub, err := t.dev.ReadBlock(ctx, loc, off, int64(p.disk.size))
			if err != nil {
				return err
			}
			if err := n.loadPartition(i, sub); err != nil {
				return err
			}
		}
		if err := n.expand(i); err != nil {
			return err
		}
	}
	return nil
}

// writeNode encodes s and writes it to a fresh location.
func (t *Tree) writeNode(ctx context.Context, num block.Num, s *Snapshot, forCheckpoint bool) error {
	data, err := Encode(s, t.cfg.Compression)
	if err != nil {
		return err
	}
	loc, ok := t.blocks.Reallocate(num, int64(len(data)), forCheckpoint)
	if ok {
		if err := t.dev.WriteBlock(ctx, loc, data); err != nil {
			return fmt.Errorf("ft: write node %d at %s: %w", num, loc, err)
		}
	}
	t.discard(ctx)
	return nil
}

// discard hands released locations to the device and then to the
// allocator.
func (t *Tree) discard(ctx context.Context) {
	locs := t.blocks.Discarded()
	if len(locs) == 0 {
		return
	}
	for _, loc := range locs {
		if err := t.dev.Discard(ctx, loc); err != nil {
			t.logger.Warn("discard failed", "location", loc.String(), "error", err)
		}
	}
	t.blocks.Release(locs)
}
