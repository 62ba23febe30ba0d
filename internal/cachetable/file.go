package cachetable

import (
	"context"
	"errors"
)

// File is the cachetable's view of one container. Its pairs share the
// callbacks and hooks it was opened with.
type File struct {
	id      string
	cb      Callbacks
	hooks   Hooks
	closing bool
	closed  bool
	pairs   map[Key]*pair
}

// ID returns the identity the file was opened with.
func (f *File) ID() string { return f.id }

// OpenFile registers a file. Reopening the identity of a file that was
// closed without unlink adopts the clean pairs it left behind.
func (t *Table) OpenFile(id string, cb Callbacks, hooks Hooks) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if f, ok := t.files[id]; ok {
		if !f.closed {
			return nil, ErrFileOpen
		}
		f.cb, f.hooks, f.closed = cb, hooks, false
		for _, p := range f.pairs {
			p.stale = false
		}
		t.logger.Debug("file reopened", "file", id, "adopted", len(f.pairs))
		return f, nil
	}
	f := &File{id: id, cb: cb, hooks: hooks, pairs: make(map[Key]*pair)}
	t.files[id] = f
	return f, nil
}

// CloseFile waits for a running checkpoint and for outstanding pins,
// writes back every dirty pair and runs the Close hook. With unlink the
// pairs are dropped and the Free hook runs; otherwise the clean pairs stay
// cached until they are evicted or the file is reopened.
func (t *Table) CloseFile(ctx context.Context, f *File, unlink bool) error {
	t.cpMu.Lock()
	defer t.cpMu.Unlock()

	t.mu.Lock()
	if f.closed || f.closing {
		t.mu.Unlock()
		return ErrClosed
	}
	f.closing = true
	for {
		p := f.activeLocked()
		if p == nil {
			break
		}
		if err := t.wait(ctx, p); err != nil {
			f.closing = false
			t.mu.Unlock()
			return err
		}
	}
	hooks := f.hooks
	err := t.flushFileLocked(ctx, f)
	t.mu.Unlock()

	if err == nil {
		err = hooks.Close(ctx)
	}

	t.mu.Lock()
	f.closing = false
	if err != nil {
		t.mu.Unlock()
		return err
	}
	f.closed = true
	if !unlink {
		for _, p := range f.pairs {
			p.stale = true
		}
		t.mu.Unlock()
		t.logger.Debug("file closed", "file", f.id, "cached", len(f.pairs))
		return nil
	}
	for _, p := range f.pairs {
		t.removeLocked(p)
	}
	delete(t.files, f.id)
	t.mu.Unlock()
	t.logger.Debug("file unlinked", "file", f.id)
	return hooks.Free(ctx)
}

// activeLocked returns a pair that is pinned or has work in flight.
func (f *File) activeLocked() *pair {
	for _, p := range f.pairs {
		if !p.idle() || p.cloning {
			return p
		}
	}
	return nil
}

// FlushFile writes back every dirty pair of f and keeps them cached.
func (t *Table) FlushFile(ctx context.Context, f *File) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return t.flushFileLocked(ctx, f)
}

func (t *Table) flushFileLocked(ctx context.Context, f *File) error {
	var dirty []*pair
	for _, p := range f.pairs {
		if p.dirty {
			dirty = append(dirty, p)
		}
	}
	var errs []error
	for _, p := range dirty {
		for !p.removed && p.dirty && (!p.idle() || p.cloning) {
			if err := t.wait(ctx, p); err != nil {
				return errors.Join(append(errs, err)...)
			}
		}
		if p.removed || !p.dirty {
			continue
		}
		if err := t.flushLocked(ctx, p, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flushLocked writes p back. The caller holds t.mu and p is idle.
func (t *Table) flushLocked(ctx context.Context, p *pair, keep bool) error {
	cb := p.file.cb
	forCheckpoint := p.pending
	size := p.attr.Size
	p.busy = true
	t.mu.Unlock()

	err := t.ctrl.AcquireIO(ctx, int(size))
	if err == nil {
		err = cb.Flush(ctx, p.key, p.value, FlushFlags{Write: true, Keep: keep, ForCheckpoint: forCheckpoint})
	}
	t.cfg.Observer.OnFlush(forCheckpoint, err)

	t.mu.Lock()
	p.busy = false
	p.cond.Broadcast()
	t.stats.Flushes++
	if err != nil {
		t.logger.Warn("flush failed", "file", p.file.id, "key", uint64(p.key), "error", err)
		return err
	}
	p.dirty = false
	if forCheckpoint {
		p.pending = false
	}
	return nil
}
