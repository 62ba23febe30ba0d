package cachetable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PinOption configures Pin.
type PinOption func(*pinOptions)

type pinOptions struct {
	extra any
}

// WithFetchExtra passes extra to the fetch and partial-fetch callbacks. It
// describes which parts of the value the caller needs.
func WithFetchExtra(extra any) PinOption {
	return func(o *pinOptions) { o.extra = extra }
}

// Dependency is a write-pinned pair that a Put depends on.
type Dependency struct {
	Handle *Handle
	// Dirty marks the dependency dirty.
	Dirty bool
}

// Pin returns key of f locked in mode, fetching it if needed. It waits
// while the pair is being fetched or written and while the lock is held
// incompatibly.
func (t *Table) Pin(ctx context.Context, f *File, key Key, mode LockMode, opts ...PinOption) (*Handle, error) {
	var o pinOptions
	for _, opt := range opts {
		opt(&o)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	missed := false
	for {
		if t.closed || f.closed || f.closing {
			return nil, ErrClosed
		}
		p := f.pairs[key]
		if p == nil {
			if err := t.fetchLocked(ctx, f, key, o.extra); err != nil {
				return nil, err
			}
			missed = true
			continue
		}
		if p.fetching || p.busy || !p.compatible(mode) {
			if err := t.wait(ctx, p); err != nil {
				return nil, err
			}
			continue
		}
		if f.cb.PartialFetchRequired(p.value, o.extra) {
			if p.pinned() {
				if err := t.wait(ctx, p); err != nil {
					return nil, err
				}
				continue
			}
			if err := t.partialFetchLocked(ctx, p, o.extra); err != nil {
				return nil, err
			}
			continue
		}
		if mode == LockWrite && p.pending {
			if err := t.writePendingLocked(ctx, p); err != nil {
				return nil, err
			}
			continue
		}

		t.grantLocked(p, mode)
		if !missed {
			t.stats.Hits++
			t.cfg.Observer.OnCacheHit()
		}
		return t.newHandle(p, mode), nil
	}
}

// TryPin pins key only if that is possible without waiting, fetching or
// writing.
func (t *Table) TryPin(f *File, key Key, mode LockMode, extra any) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || f.closed || f.closing {
		return nil, ErrClosed
	}
	p := f.pairs[key]
	if p == nil || p.fetching {
		return nil, ErrNotResident
	}
	if p.busy || !p.compatible(mode) || (mode == LockWrite && p.pending) {
		return nil, ErrWouldBlock
	}
	if f.cb.PartialFetchRequired(p.value, extra) {
		return nil, ErrWouldBlock
	}
	t.grantLocked(p, mode)
	t.stats.Hits++
	t.cfg.Observer.OnCacheHit()
	return t.newHandle(p, mode), nil
}

// Put caches a new dirty value write-pinned. keyFn runs under the table
// lock, so allocating the key and publishing the pair are atomic.
// Dependencies that are pending for the running checkpoint are written for
// it first.
func (t *Table) Put(ctx context.Context, f *File, keyFn func() (Key, error), value any, attr Attr, deps ...Dependency) (*Handle, error) {
	if err := t.admit(ctx, attr.Size); err != nil {
		return nil, err
	}

	t.mu.Lock()
	h, err := t.putLocked(ctx, f, keyFn, value, attr, deps)
	t.mu.Unlock()
	if err != nil {
		t.ctrl.ReleaseMemory(attr.Size)
		return nil, err
	}
	t.wakeEvictor()
	return h, nil
}

func (t *Table) putLocked(ctx context.Context, f *File, keyFn func() (Key, error), value any, attr Attr, deps []Dependency) (*Handle, error) {
	if t.closed || f.closed || f.closing {
		return nil, ErrClosed
	}
	for _, d := range deps {
		p, err := t.ownedLocked(d.Handle)
		if err != nil {
			return nil, err
		}
		if err := t.writePendingLocked(ctx, p); err != nil {
			return nil, err
		}
	}
	key, err := keyFn()
	if err != nil {
		return nil, err
	}
	if _, ok := f.pairs[key]; ok {
		return nil, fmt.Errorf("%w: %d", ErrKeyExists, key)
	}
	for _, d := range deps {
		if d.Dirty {
			p, _ := t.ownedLocked(d.Handle)
			p.dirty = true
		}
	}
	p := t.newPairLocked(f, key, value, attr)
	p.dirty = true
	p.writer = true
	t.size += attr.Size
	return t.newHandle(p, LockWrite), nil
}

// ownedLocked resolves a write handle held by the caller.
func (t *Table) ownedLocked(h *Handle) (*pair, error) {
	if h == nil || h.done {
		return nil, ErrHandleReleased
	}
	p := t.arena.get(h.slot, h.gen)
	if p == nil {
		return nil, ErrHandleReleased
	}
	if h.mode != LockWrite {
		return nil, errors.New("cachetable: handle is not write-pinned")
	}
	return p, nil
}

// Unpin releases the pin. dirty is ORed into the pair; a non-nil attr
// replaces its accounting. Unpinning past the high watermark evicts
// synchronously.
func (h *Handle) Unpin(dirty bool, attr *Attr) error {
	t := h.t
	t.mu.Lock()
	p, err := t.releaseLocked(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if dirty {
		p.dirty = true
	}
	if attr != nil {
		t.resizeLocked(p, *attr)
	}
	p.cond.Broadcast()
	pr := t.pressureLocked()
	t.mu.Unlock()

	t.relieve(pr)
	return nil
}

// UnpinAndRemove drops a write-pinned pair from the cache. remove runs
// under the table lock before the pair disappears, typically to free the
// key. If the pair is pending for the running checkpoint it is written for
// the checkpoint first.
func (h *Handle) UnpinAndRemove(ctx context.Context, remove func(Key) error) error {
	t := h.t
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.ownedLocked(h)
	if err != nil {
		return err
	}
	for p.cloning {
		if err := t.wait(ctx, p); err != nil {
			return err
		}
	}
	if err := t.writePendingLocked(ctx, p); err != nil {
		return err
	}
	if remove != nil {
		if err := remove(p.key); err != nil {
			return err
		}
	}
	p.writer = false
	h.done = true
	t.removeLocked(p)
	return nil
}

// Prefetch fetches key in the background unless it is cached. It is best
// effort: nothing happens when the background slots are exhausted.
func (t *Table) Prefetch(f *File, key Key, extra any) {
	t.mu.Lock()
	skip := t.closed || f.closed || f.closing || f.pairs[key] != nil
	t.mu.Unlock()
	if skip || !t.ctrl.TryAcquireBackground() {
		return
	}
	task := func() {
		defer t.ctrl.ReleaseBackground()
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed || f.closed || f.closing || f.pairs[key] != nil {
			return
		}
		if err := t.fetchLocked(context.Background(), f, key, extra); err != nil {
			t.logger.Debug("prefetch failed", "file", f.id, "key", uint64(key), "error", err)
		}
	}
	if err := t.pool.Submit(context.Background(), task); err != nil {
		t.ctrl.ReleaseBackground()
	}
}

func (t *Table) releaseLocked(h *Handle) (*pair, error) {
	if h.done {
		return nil, ErrHandleReleased
	}
	p := t.arena.get(h.slot, h.gen)
	if p == nil {
		return nil, ErrHandleReleased
	}
	if h.mode == LockWrite {
		p.writer = false
	} else {
		p.readers--
	}
	h.done = true
	return p, nil
}

func (t *Table) grantLocked(p *pair, mode LockMode) {
	if mode == LockWrite {
		p.writer = true
	} else {
		p.readers++
	}
	p.clock = min(p.clock+1, maxClock)
}

func (t *Table) newPairLocked(f *File, key Key, value any, attr Attr) *pair {
	p := &pair{
		file:  f,
		key:   key,
		value: value,
		attr:  attr,
		clock: t.cfg.ClockInitialCount,
		cond:  sync.NewCond(&t.mu),
	}
	t.arena.alloc(p)
	t.clock.add(p)
	f.pairs[key] = p
	return p
}

func (t *Table) removeLocked(p *pair) {
	if p.removed {
		return
	}
	p.removed = true
	p.pending = false
	if p.file.pairs[p.key] == p {
		delete(p.file.pairs, p.key)
	}
	t.clock.remove(p)
	t.arena.free(p)
	t.size -= p.attr.Size
	t.ctrl.ReleaseMemory(p.attr.Size)
	p.cond.Broadcast()
}

func (t *Table) resizeLocked(p *pair, attr Attr) {
	delta := attr.Size - p.attr.Size
	p.attr = attr
	t.size += delta
	t.ctrl.ChargeMemory(delta)
}

// wait blocks on p's condition until it is signalled or ctx is done.
func (t *Table) wait(ctx context.Context, p *pair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		p.cond.Broadcast()
		t.mu.Unlock()
	})
	p.cond.Wait()
	stop()
	return ctx.Err()
}

// fetchLocked caches key through a placeholder pair so that concurrent pins
// wait for the one fetch.
func (t *Table) fetchLocked(ctx context.Context, f *File, key Key, extra any) error {
	cb := f.cb
	p := t.newPairLocked(f, key, nil, Attr{})
	p.fetching = true
	t.mu.Unlock()

	start := time.Now()
	value, attr, err := cb.Fetch(ctx, key, extra)
	if err == nil {
		err = t.admit(ctx, attr.Size)
	}
	t.cfg.Observer.OnCacheMiss(time.Since(start), err)

	t.mu.Lock()
	p.fetching = false
	t.stats.Misses++
	if err != nil {
		t.removeLocked(p)
		return err
	}
	p.value, p.attr = value, attr
	t.size += attr.Size
	p.cond.Broadcast()
	if t.pressureLocked() != pressureNone {
		t.wakeEvictor()
	}
	return nil
}

func (t *Table) partialFetchLocked(ctx context.Context, p *pair, extra any) error {
	cb := p.file.cb
	p.busy = true
	t.mu.Unlock()

	attr, err := cb.PartialFetch(ctx, p.key, p.value, extra)

	t.mu.Lock()
	p.busy = false
	p.cond.Broadcast()
	if err != nil {
		return err
	}
	t.resizeLocked(p, attr)
	return nil
}

// admit charges size against the memory cap, evicting once if needed.
func (t *Table) admit(ctx context.Context, size int64) error {
	if err := t.ctrl.AcquireMemory(size); err == nil {
		return nil
	}
	target := t.ctrl.MemoryLimit() - size
	t.mu.Lock()
	if t.limit > 0 {
		target = min(target, t.limit)
	}
	t.mu.Unlock()
	if err := t.evict(ctx, max(target, 0)); err != nil {
		return err
	}
	if err := t.ctrl.AcquireMemory(size); err != nil {
		return fmt.Errorf("%w: admitting %d bytes", ErrOutOfMemory, size)
	}
	return nil
}

// writePendingLocked writes p for the running checkpoint if it is pending.
// The caller holds t.mu and either owns p's write pin or has checked that
// p is idle. A cloneable value is cloned and written in the background; a
// value that cannot be cloned is written synchronously.
func (t *Table) writePendingLocked(ctx context.Context, p *pair) error {
	if !p.pending {
		return nil
	}
	cb := p.file.cb
	p.busy = true
	t.mu.Unlock()

	clone, cattr, ok := cb.Clone(p.value)
	var err error
	if !ok {
		err = cb.Flush(ctx, p.key, p.value, FlushFlags{Write: true, Keep: true, ForCheckpoint: true})
		t.cfg.Observer.OnFlush(true, err)
	}

	t.mu.Lock()
	p.busy = false
	p.cond.Broadcast()
	if !ok {
		t.stats.Flushes++
		if err != nil {
			return err
		}
		p.pending, p.dirty = false, false
		return nil
	}
	p.pending, p.dirty = false, false
	p.cloning = true
	t.cloneWG.Add(1)
	t.mu.Unlock()
	task := func() { t.writeClone(p, clone, cattr) }
	if err := t.pool.Submit(ctx, task); err != nil {
		task()
	}
	t.mu.Lock()
	return nil
}

// writeClone writes a checkpoint clone queued by a client write pin.
func (t *Table) writeClone(p *pair, clone any, attr Attr) {
	defer t.cloneWG.Done()

	ctx := context.Background()
	t.mu.Lock()
	cb := p.file.cb
	t.mu.Unlock()

	err := t.ctrl.AcquireIO(ctx, int(attr.Size))
	if err == nil {
		err = cb.Flush(ctx, p.key, clone, FlushFlags{Write: true, ForCheckpoint: true, IsClone: true})
	}
	t.cfg.Observer.OnFlush(true, err)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Flushes++
	p.cloning = false
	if err != nil {
		p.dirty = true
		t.cp.err = errors.Join(t.cp.err, err)
		t.logger.Error("checkpoint clone write failed", "file", p.file.id, "key", uint64(p.key), "error", err)
	}
	p.cond.Broadcast()
}
