package ft

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/fractal/internal/block"
	"github.com/hupe1980/fractal/internal/cachetable"
	"github.com/hupe1980/fractal/internal/msg"
	"github.com/hupe1980/fractal/internal/ule"
	"github.com/hupe1980/fractal/internal/xids"
)

// Tree is one fractal tree stored on a block device and cached in a shared
// cachetable. The root keeps its block number for the life of the tree.
type Tree struct {
	cfg    Config
	ct     *cachetable.Table
	file   *cachetable.File
	dev    block.Device
	blocks *block.Table
	logger *slog.Logger

	root block.Num
	msn  atomic.Uint64

	hdrMu     sync.Mutex
	header    Header // last durable header
	cpHeader  Header // header of the running checkpoint
	cpWritten bool
}

// Stats describes a tree.
type Stats struct {
	Root        block.Num
	Height      int
	MaxMSN      msg.MSN
	Checkpoints uint64
	Blocks      block.Stats
}

// Open opens the tree stored on dev, or creates an empty one when dev has
// never been checkpointed. id identifies the tree in ct; reopening an id
// adopts the nodes a previous instance left cached. wrap, if non-nil,
// decorates the lifecycle hooks registered with ct.
func Open(ctx context.Context, ct *cachetable.Table, id string, dev block.Device, cfg Config, wrap func(cachetable.Hooks) cachetable.Hooks) (*Tree, error) {
	cfg.normalize()
	t := &Tree{cfg: cfg, ct: ct, dev: dev, logger: cfg.Logger.With("tree", id)}

	raw, err := dev.ReadHeader(ctx)
	fresh := errors.Is(err, block.ErrNoHeader)
	switch {
	case fresh:
		t.blocks = block.NewTable(dev.Reserved())
		t.header = Header{Compression: cfg.Compression}
	case err != nil:
		return nil, err
	default:
		if err := t.load(ctx, raw); err != nil {
			return nil, err
		}
	}

	var hooks cachetable.Hooks = hooks{t: t}
	if wrap != nil {
		hooks = wrap(hooks)
	}
	if t.file, err = ct.OpenFile(id, callbacks{t: t}, hooks); err != nil {
		return nil, err
	}

	if fresh {
		root := NewLeaf(block.NumNull)
		h, err := ct.Put(ctx, t.file, t.allocKey(root), root, root.Attr())
		if err != nil {
			return nil, errors.Join(err, ct.CloseFile(ctx, t.file, true))
		}
		t.root = root.Blocknum
		t.header.Root = t.root
		if err := h.Unpin(true, nil); err != nil {
			return nil, err
		}
	}

	if cfg.Prefetch {
		t.prefetchChildren(ctx)
	}
	t.logger.Debug("tree opened", "root", uint64(t.root), "fresh", fresh, "msn", t.msn.Load())
	return t, nil
}

func (t *Tree) load(ctx context.Context, raw []byte) error {
	h, err := DecodeHeader(raw)
	if err != nil {
		return err
	}
	trans, err := t.dev.ReadBlock(ctx, h.Translation, 0, -1)
	if err != nil {
		return fmt.Errorf("ft: read translation: %w", err)
	}
	if t.blocks, err = block.LoadTable(trans, h.Translation, t.dev.Reserved()); err != nil {
		return err
	}
	if _, ok := t.blocks.Get(h.Root); !ok {
		return corrupt(h.Root, "root has no location", nil)
	}
	t.header = h
	t.root = h.Root
	t.msn.Store(uint64(h.MaxMSN))
	return nil
}

// File returns the tree's cachetable file.
func (t *Tree) File() *cachetable.File { return t.file }

// Root returns the root block number.
func (t *Tree) Root() block.Num { return t.root }

// MaxMSN returns the last MSN issued.
func (t *Tree) MaxMSN() msg.MSN { return msg.MSN(t.msn.Load()) }

func (t *Tree) allocKey(n *Node) func() (cachetable.Key, error) {
	return func() (cachetable.Key, error) {
		n.Blocknum = t.blocks.AllocateNum()
		return cachetable.Key(n.Blocknum), nil
	}
}

func (t *Tree) freeKey(k cachetable.Key) error {
	t.blocks.FreeNum(block.Num(k))
	return nil
}

func (t *Tree) pin(ctx context.Context, num block.Num, mode cachetable.LockMode, extra *FetchExtra) (*cachetable.Handle, *Node, error) {
	h, err := t.ct.Pin(ctx, t.file, cachetable.Key(num), mode, cachetable.WithFetchExtra(extra))
	if err != nil {
		return nil, nil, err
	}
	return h, h.Value().(*Node), nil
}

func (t *Tree) gc() *GC {
	if t.cfg.OldestReferenced == nil {
		return nil
	}
	return &GC{Oldest: t.cfg.OldestReferenced(), Config: t.cfg.GC}
}

func unpin(h *cachetable.Handle, n *Node, dirty bool) error {
	attr := n.Attr()
	return h.Unpin(dirty, &attr)
}

// Apply assigns m the next MSN and injects it at the root.
func (t *Tree) Apply(ctx context.Context, m msg.Message) error {
	release := t.ct.OpLock()
	defer release()

	h, root, err := t.pin(ctx, t.root, cachetable.LockWrite, fetchAll)
	if err != nil {
		return err
	}
	m.MSN = msg.MSN(t.msn.Add(1))

	if root.IsLeaf() {
		root.ApplyLeaf(&m, t.gc(), t.cfg.BasementSize)
	} else {
		root.Enqueue(m)
		if root.BufferedBytes() > t.cfg.MaxBufferBytes {
			i, _ := root.heaviest()
			if err := t.flushChild(ctx, h, root, i); err != nil {
				return errors.Join(err, unpin(h, root, true))
			}
		}
	}
	if root.needsSplit(&t.cfg) {
		if err := t.splitRoot(ctx, h, root); err != nil {
			return errors.Join(err, unpin(h, root, true))
		}
	}
	return unpin(h, root, true)
}

// Get returns the value of key visible to reader. Messages still buffered
// above the leaf are applied to a private copy of the leaf entry.
func (t *Tree) Get(ctx context.Context, key []byte, reader xids.XIDs) ([]byte, bool, error) {
	extra := &FetchExtra{Key: key}
	var (
		handles []*cachetable.Handle
		pending []msg.Message
	)
	defer func() {
		for _, h := range handles {
			_ = h.Unpin(false, nil)
		}
	}()

	num := t.root
	for {
		h, n, err := t.pin(ctx, num, cachetable.LockRead, extra)
		if err != nil {
			return nil, false, err
		}
		handles = append(handles, h)

		i := n.ChildIndex(key)
		if n.IsLeaf() {
			bn := n.Basement(i)
			var e *ule.Entry
			if le := bn.Get(key); le != nil {
				e = le.Clone()
			} else {
				e = ule.New()
			}
			slices.SortStableFunc(pending, func(a, b msg.Message) int {
				return cmp.Compare(a.MSN, b.MSN)
			})
			for j := range pending {
				if pending[j].MSN > bn.MaxMSN {
					applyEntry(e, &pending[j])
				}
			}
			v, ok := e.Read(reader)
			return bytes.Clone(v), ok, nil
		}
		for _, m := range n.Buffer(i).Messages() {
			if m.Type.IsBroadcast() || bytes.Equal(m.Key, key) {
				pending = append(pending, m)
			}
		}
		num = n.Child(i)
	}
}

// Optimize broadcasts an optimize message that promotes and collects
// everything older than horizon.
func (t *Tree) Optimize(ctx context.Context, horizon xids.TXNID) error {
	return t.Apply(ctx, msg.Message{Type: msg.Optimize, XIDs: xids.New(horizon)})
}

// flushChild moves every message buffered for child i of parent into the
// child and restructures the child if it became too large or empty. The
// caller holds parent write-pinned and unpins it dirty.
func (t *Tree) flushChild(ctx context.Context, ph *cachetable.Handle, parent *Node, i int) error {
	ch, child, err := t.pin(ctx, parent.Child(i), cachetable.LockWrite, fetchAll)
	if err != nil {
		return err
	}
	msgs := parent.parts[i].buf.take()
	if child.IsLeaf() {
		gc := t.gc()
		for j := range msgs {
			child.ApplyLeaf(&msgs[j], gc, t.cfg.BasementSize)
		}
	} else {
		for _, m := range msgs {
			child.Enqueue(m)
		}
		if child.BufferedBytes() > t.cfg.MaxBufferBytes {
			j, _ := child.heaviest()
			if err := t.flushChild(ctx, ch, child, j); err != nil {
				return errors.Join(err, unpin(ch, child, true))
			}
		}
	}

	switch {
	case child.needsSplit(&t.cfg):
		return t.splitChild(ctx, ph, parent, i, ch, child)
	case child.IsLeaf() && child.Entries() == 0 && parent.N() > 1:
		parent.removeChild(i)
		return ch.UnpinAndRemove(ctx, t.freeKey)
	}
	return unpin(ch, child, true)
}

// splitChild splits child i of parent and unpins the child and its new
// sibling.
func (t *Tree) splitChild(ctx context.Context, ph *cachetable.Handle, parent *Node, i int, ch *cachetable.Handle, child *Node) error {
	right, pivot := child.split(t.cfg.BasementSize)
	rh, err := t.ct.Put(ctx, t.file, t.allocKey(right), right, right.Attr(),
		cachetable.Dependency{Handle: ph, Dirty: true},
		cachetable.Dependency{Handle: ch, Dirty: true})
	if err != nil {
		return errors.Join(err, unpin(ch, child, true))
	}
	parent.insertChild(i, pivot, right.Blocknum)
	t.logger.Debug("node split", "node", uint64(child.Blocknum), "new", uint64(right.Blocknum), "height", child.Height)
	return errors.Join(unpin(ch, child, true), unpin(rh, right, true))
}

// splitRoot moves the root's content into two new children so that the
// root keeps its block number and gains a level.
func (t *Tree) splitRoot(ctx context.Context, rh *cachetable.Handle, root *Node) error {
	left := &Node{
		Height:        root.Height,
		LayoutVersion: LayoutVersion,
		MaxMSN:        root.MaxMSN,
		Pivots:        root.Pivots,
		parts:         root.parts,
	}
	right, pivot := left.split(t.cfg.BasementSize)
	restore := func() {
		root.Pivots = append(append(slices.Clip(left.Pivots), pivot), right.Pivots...)
		root.parts = append(slices.Clip(left.parts), right.parts...)
	}

	dep := cachetable.Dependency{Handle: rh, Dirty: true}
	lh, err := t.ct.Put(ctx, t.file, t.allocKey(left), left, left.Attr(), dep)
	if err != nil {
		restore()
		return err
	}
	rgh, err := t.ct.Put(ctx, t.file, t.allocKey(right), right, right.Attr(), dep)
	if err != nil {
		restore()
		return errors.Join(err, lh.UnpinAndRemove(ctx, t.freeKey))
	}

	root.Height++
	root.Pivots = [][]byte{pivot}
	root.parts = []*partition{
		{state: Available, buf: NewBuffer(), child: left.Blocknum},
		{state: Available, buf: NewBuffer(), child: right.Blocknum},
	}
	t.logger.Debug("root split", "height", root.Height, "left", uint64(left.Blocknum), "right", uint64(right.Blocknum))
	return errors.Join(unpin(lh, left, true), unpin(rgh, right, true))
}

// clean flushes the heaviest buffer of a node the cleaner picked. The
// cleaner already holds the operation lock.
func (t *Tree) clean(ctx context.Context, h *cachetable.Handle) error {
	n := h.Value().(*Node)
	if n.IsLeaf() {
		return h.Unpin(false, nil)
	}
	i, buffered := n.heaviest()
	if i < 0 || buffered == 0 {
		return h.Unpin(false, nil)
	}
	if err := t.flushChild(ctx, h, n, i); err != nil {
		return errors.Join(err, unpin(h, n, true))
	}
	return unpin(h, n, true)
}

func (t *Tree) prefetchChildren(ctx context.Context) {
	h, root, err := t.pin(ctx, t.root, cachetable.LockRead, fetchAll)
	if err != nil {
		t.logger.Warn("prefetch failed", "error", err)
		return
	}
	var children []block.Num
	if !root.IsLeaf() {
		for i := 0; i < root.N(); i++ {
			children = append(children, root.Child(i))
		}
	}
	_ = h.Unpin(false, nil)
	for _, c := range children {
		t.ct.Prefetch(t.file, cachetable.Key(c), &FetchExtra{Prefetch: true})
	}
}

// Close writes back every dirty node, makes the tree durable and closes
// the device. Cached clean nodes stay in the table for a later Open.
func (t *Tree) Close(ctx context.Context) error {
	return t.ct.CloseFile(ctx, t.file, false)
}

// Drop removes every cached node of the tree and closes the device. The
// caller removes the underlying storage.
func (t *Tree) Drop(ctx context.Context) error {
	return t.ct.CloseFile(ctx, t.file, true)
}

// Stats returns a snapshot of the tree.
func (t *Tree) Stats(ctx context.Context) (Stats, error) {
	h, root, err := t.pin(ctx, t.root, cachetable.LockRead, &FetchExtra{Prefetch: true})
	if err != nil {
		return Stats{}, err
	}
	height := root.Height
	if err := h.Unpin(false, nil); err != nil {
		return Stats{}, err
	}
	t.hdrMu.Lock()
	cps := t.header.Checkpoints
	t.hdrMu.Unlock()
	return Stats{
		Root:        t.root,
		Height:      height,
		MaxMSN:      t.MaxMSN(),
		Checkpoints: cps,
		Blocks:      t.blocks.Stats(),
	}, nil
}

// hooks binds a tree's header and translation to the checkpoint
// lifecycle.
type hooks struct {
	t *Tree
}

var _ cachetable.Hooks = hooks{}

// BeginCheckpoint implements cachetable.Hooks.
func (h hooks) BeginCheckpoint(context.Context) error {
	t := h.t
	t.hdrMu.Lock()
	defer t.hdrMu.Unlock()
	t.cpHeader = Header{
		Root:        t.root,
		MaxMSN:      t.MaxMSN(),
		Compression: t.cfg.Compression,
		Checkpoints: t.header.Checkpoints + 1,
	}
	t.cpWritten = false
	t.blocks.BeginCheckpoint()
	return nil
}

// Checkpoint implements cachetable.Hooks. It writes the in-progress
// translation and then the header that points at it.
func (h hooks) Checkpoint(ctx context.Context) error {
	t := h.t
	t.hdrMu.Lock()
	defer t.hdrMu.Unlock()
	hdr, err := t.writeTranslation(ctx, t.cpHeader)
	if err != nil {
		return err
	}
	t.header = hdr
	t.cpWritten = true
	return nil
}

// EndCheckpoint implements cachetable.Hooks.
func (h hooks) EndCheckpoint(ctx context.Context) error {
	t := h.t
	t.hdrMu.Lock()
	written := t.cpWritten
	t.cpWritten = false
	t.hdrMu.Unlock()
	if written {
		t.blocks.EndCheckpoint()
	} else {
		t.blocks.AbortCheckpoint()
	}
	t.discard(ctx)
	return nil
}

// Close implements cachetable.Hooks. Every dirty node has been written, so
// the current translation is complete; it is made durable as a checkpoint
// of its own.
func (h hooks) Close(ctx context.Context) error {
	t := h.t
	t.hdrMu.Lock()
	defer t.hdrMu.Unlock()
	t.blocks.BeginCheckpoint()
	hdr, err := t.writeTranslation(ctx, Header{
		Root:        t.root,
		MaxMSN:      t.MaxMSN(),
		Compression: t.cfg.Compression,
		Checkpoints: t.header.Checkpoints + 1,
	})
	if err != nil {
		t.blocks.AbortCheckpoint()
		t.discard(ctx)
		return errors.Join(err, t.dev.Close())
	}
	t.header = hdr
	t.blocks.EndCheckpoint()
	t.discard(ctx)
	return t.dev.Close()
}

// Free implements cachetable.Hooks. Removing the storage is left to the
// owner of the device.
func (hooks) Free(context.Context) error { return nil }

func (t *Tree) writeTranslation(ctx context.Context, h Header) (Header, error) {
	data, loc := t.blocks.InProgress()
	if err := t.dev.WriteBlock(ctx, loc, data); err != nil {
		return h, fmt.Errorf("ft: write translation: %w", err)
	}
	if err := t.dev.Sync(ctx); err != nil {
		return h, fmt.Errorf("ft: sync: %w", err)
	}
	h.Translation = loc
	if err := t.dev.WriteHeader(ctx, h.Encode()); err != nil {
		return h, fmt.Errorf("ft: write header: %w", err)
	}
	return h, nil
}
