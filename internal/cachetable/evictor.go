package cachetable

import (
	"context"
	"time"
)

type pressure uint8

const (
	pressureNone pressure = iota
	pressureLow
	pressureHigh
)

func (t *Table) pressureLocked() pressure {
	if t.limit <= 0 || t.cfg.DisableEvictor {
		return pressureNone
	}
	size, limit := float64(t.size), float64(t.limit)
	switch {
	case size > limit*t.cfg.HighWatermark:
		return pressureHigh
	case size > limit*t.cfg.LowHysteresis:
		return pressureLow
	}
	return pressureNone
}

// relieve wakes the evictor and, above the high watermark, evicts on the
// calling goroutine until the size drops below the high hysteresis mark.
func (t *Table) relieve(pr pressure) {
	if pr == pressureNone {
		return
	}
	t.wakeEvictor()
	if pr != pressureHigh {
		return
	}
	t.mu.Lock()
	target := int64(float64(t.limit) * t.cfg.HighHysteresis)
	t.mu.Unlock()
	if err := t.evict(context.Background(), target); err != nil {
		t.logger.Warn("backpressure eviction failed", "error", err)
	}
}

func (t *Table) wakeEvictor() {
	select {
	case t.evictCh <- struct{}{}:
	default:
	}
}

func (t *Table) evictorLoop() {
	ctx, cancel := t.backgroundContext()
	defer cancel()

	ticker := time.NewTicker(t.cfg.EvictorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		case <-t.evictCh:
		}
		if err := t.RunEviction(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("eviction failed", "error", err)
		}
	}
}

// RunEviction evicts until the cache fits its size limit or a full sweep
// frees nothing.
func (t *Table) RunEviction(ctx context.Context) error {
	t.mu.Lock()
	limit := t.limit
	t.mu.Unlock()
	if limit <= 0 {
		return nil
	}
	return t.evict(ctx, limit)
}

func (t *Table) evict(ctx context.Context, target int64) error {
	t.evictMu.Lock()
	defer t.evictMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	idle := 0
	for t.size > target && t.clock.Len() > 0 && idle <= t.clock.Len() {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := t.clock.next(&t.clock.hand)
		if t.evictOneLocked(ctx, p) {
			idle = 0
		} else {
			idle++
		}
	}
	return nil
}

// evictOneLocked visits p once and reports whether the visit made
// progress.
func (t *Table) evictOneLocked(ctx context.Context, p *pair) bool {
	switch {
	case !p.idle() || p.cloning:
		return false
	case p.stale:
		size := p.attr.Size
		t.removeLocked(p)
		t.stats.Evictions++
		t.cfg.Observer.OnEviction(size, false)
		return true
	case p.clock > 0:
		p.clock--
		if p.file.cb.PartialEvictionEstimate(p.value) > 0 {
			t.partialEvictLocked(p)
		}
		return true
	}
	return t.fullEvictLocked(ctx, p)
}

func (t *Table) partialEvictLocked(p *pair) {
	cb := p.file.cb
	before := p.attr.Size
	p.busy = true
	t.mu.Unlock()

	attr, err := cb.PartialEvict(p.value)

	t.mu.Lock()
	p.busy = false
	p.cond.Broadcast()
	if err != nil {
		t.logger.Warn("partial eviction failed", "file", p.file.id, "key", uint64(p.key), "error", err)
		return
	}
	t.resizeLocked(p, attr)
	t.stats.PartialEvictions++
	t.cfg.Observer.OnEviction(before-attr.Size, true)
}

func (t *Table) fullEvictLocked(ctx context.Context, p *pair) bool {
	cb := p.file.cb
	write := p.dirty || p.pending
	forCheckpoint := p.pending
	size := p.attr.Size
	p.busy = true
	t.mu.Unlock()

	var err error
	if write {
		err = t.ctrl.AcquireIO(ctx, int(size))
	}
	if err == nil {
		err = cb.Flush(ctx, p.key, p.value, FlushFlags{Write: write, ForCheckpoint: forCheckpoint})
	}
	if write {
		t.cfg.Observer.OnFlush(forCheckpoint, err)
	}

	t.mu.Lock()
	p.busy = false
	p.cond.Broadcast()
	if write {
		t.stats.Flushes++
	}
	if err != nil {
		t.logger.Warn("eviction flush failed", "file", p.file.id, "key", uint64(p.key), "error", err)
		return false
	}
	if write {
		p.dirty = false
	}
	if p.pending && !forCheckpoint {
		// A checkpoint began during the write; it still needs this pair.
		return true
	}
	t.removeLocked(p)
	t.stats.Evictions++
	t.cfg.Observer.OnEviction(size, false)
	return true
}

// backgroundContext returns a context cancelled when the table closes.
func (t *Table) backgroundContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
