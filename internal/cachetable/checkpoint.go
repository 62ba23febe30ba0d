package cachetable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Phase is the state of the checkpointer.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseBegin
	PhaseWriting
	PhaseEnd
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBegin:
		return "begin"
	case PhaseWriting:
		return "writing"
	case PhaseEnd:
		return "end"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

var errNoCheckpoint = errors.New("cachetable: no checkpoint in progress")

type checkpointState struct {
	phase   Phase
	files   []cpFile
	pending []*pair
	lsn     uint64
	start   time.Time
	err     error // background clone write failures
}

type cpFile struct {
	id    string
	hooks Hooks
}

// Phase returns the checkpointer's current phase.
func (t *Table) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp.phase
}

// Checkpoint runs a complete checkpoint.
func (t *Table) Checkpoint(ctx context.Context) error {
	if err := t.BeginCheckpoint(ctx); err != nil {
		return err
	}
	return t.EndCheckpoint(ctx)
}

// BeginCheckpoint waits for in-flight client operations, marks every dirty
// pair of every open file pending and runs the BeginCheckpoint hooks. On
// success the checkpoint stays open until EndCheckpoint.
func (t *Table) BeginCheckpoint(ctx context.Context) error {
	t.cpMu.Lock()
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.cpMu.Unlock()
		return ErrClosed
	}
	t.cp = checkpointState{phase: PhaseBegin, start: time.Now()}
	t.mu.Unlock()

	if l := t.cfg.CheckpointLogger; l != nil {
		lsn, err := l.LogBeginCheckpoint(ctx)
		if err != nil {
			t.abortCheckpoint(ctx)
			return fmt.Errorf("log begin checkpoint: %w", err)
		}
		t.mu.Lock()
		t.cp.lsn = lsn
		t.mu.Unlock()
	}

	t.mu.Lock()
	for _, f := range t.files {
		if f.closed {
			continue
		}
		t.cp.files = append(t.cp.files, cpFile{id: f.id, hooks: f.hooks})
		for _, p := range f.pairs {
			if p.dirty && !p.removed {
				p.pending = true
				t.cp.pending = append(t.cp.pending, p)
			}
		}
	}
	files, pending := t.cp.files, len(t.cp.pending)
	t.mu.Unlock()

	var errs []error
	for _, f := range files {
		if err := f.hooks.BeginCheckpoint(ctx); err != nil {
			errs = append(errs, fmt.Errorf("begin checkpoint %s: %w", f.id, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.abortCheckpoint(ctx)
		return err
	}
	t.logger.Info("checkpoint begin", "files", len(files), "pending", pending)
	return nil
}

// EndCheckpoint writes every pending pair, runs the Checkpoint hooks when
// all writes succeeded, and the EndCheckpoint hooks in any case.
func (t *Table) EndCheckpoint(ctx context.Context) error {
	t.mu.Lock()
	if t.cp.phase != PhaseBegin {
		t.mu.Unlock()
		return errNoCheckpoint
	}
	t.cp.phase = PhaseWriting
	files, pending, lsn, start := t.cp.files, t.cp.pending, t.cp.lsn, t.cp.start
	t.mu.Unlock()

	err := t.writePending(ctx, pending)
	t.cloneWG.Wait()

	t.mu.Lock()
	err = errors.Join(err, t.cp.err)
	t.mu.Unlock()

	if err == nil {
		for _, f := range files {
			if herr := f.hooks.Checkpoint(ctx); herr != nil {
				err = errors.Join(err, fmt.Errorf("checkpoint %s: %w", f.id, herr))
			}
		}
	}

	t.mu.Lock()
	t.cp.phase = PhaseEnd
	t.mu.Unlock()

	for _, f := range files {
		if herr := f.hooks.EndCheckpoint(ctx); herr != nil {
			err = errors.Join(err, fmt.Errorf("end checkpoint %s: %w", f.id, herr))
		}
	}
	if l := t.cfg.CheckpointLogger; l != nil && err == nil {
		if lerr := l.LogEndCheckpoint(ctx, lsn); lerr != nil {
			err = fmt.Errorf("log end checkpoint: %w", lerr)
		}
	}

	t.mu.Lock()
	t.cp = checkpointState{}
	if err == nil {
		t.stats.Checkpoints++
	}
	t.mu.Unlock()
	t.cpMu.Unlock()

	d := time.Since(start)
	t.cfg.Observer.OnCheckpoint(d, len(pending), err)
	if err != nil {
		t.logger.Error("checkpoint failed", "pairs", len(pending), "duration", d, "error", err)
	} else {
		t.logger.Info("checkpoint end", "pairs", len(pending), "duration", d)
	}
	return err
}

// abortCheckpoint undoes a failed BEGIN and releases cpMu.
func (t *Table) abortCheckpoint(ctx context.Context) {
	t.mu.Lock()
	for _, p := range t.cp.pending {
		p.pending = false
	}
	files := t.cp.files
	t.cp = checkpointState{}
	t.mu.Unlock()
	for _, f := range files {
		if err := f.hooks.EndCheckpoint(ctx); err != nil {
			t.logger.Warn("end checkpoint after failed begin", "file", f.id, "error", err)
		}
	}
	t.cpMu.Unlock()
}

func (t *Table) writePending(ctx context.Context, pending []*pair) error {
	var g errgroup.Group
	g.SetLimit(t.cfg.CheckpointConcurrency)
	for _, p := range pending {
		g.Go(func() error { return t.writeForCheckpoint(ctx, p) })
	}
	return g.Wait()
}

// writeForCheckpoint writes p with the state it had when the checkpoint
// began. It waits for pins to drain, clones under the exclusive lock and
// writes the clone after releasing it.
func (t *Table) writeForCheckpoint(ctx context.Context, p *pair) error {
	t.mu.Lock()
	for p.pending && !p.idle() {
		if err := t.wait(ctx, p); err != nil {
			p.pending = false
			p.dirty = true
			t.mu.Unlock()
			return err
		}
	}
	if !p.pending {
		t.mu.Unlock()
		return nil
	}
	cb := p.file.cb
	size := p.attr.Size
	p.busy = true
	t.mu.Unlock()

	clone, cattr, ok := cb.Clone(p.value)
	if ok {
		t.mu.Lock()
		p.busy = false
		p.pending, p.dirty = false, false
		p.cloning = true
		p.cond.Broadcast()
		t.mu.Unlock()

		err := t.ctrl.AcquireIO(ctx, int(cattr.Size))
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
		}
		p.cond.Broadcast()
		return err
	}

	err := t.ctrl.AcquireIO(ctx, int(size))
	if err == nil {
		err = cb.Flush(ctx, p.key, p.value, FlushFlags{Write: true, Keep: true, ForCheckpoint: true})
	}
	t.cfg.Observer.OnFlush(true, err)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Flushes++
	p.busy = false
	p.pending = false
	p.dirty = err != nil
	p.cond.Broadcast()
	return err
}

func (t *Table) checkpointerLoop() {
	ctx, cancel := t.backgroundContext()
	defer cancel()

	ticker := time.NewTicker(t.cfg.CheckpointPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		if err := t.Checkpoint(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrClosed) {
			t.logger.Warn("periodic checkpoint failed", "error", err)
		}
	}
}
