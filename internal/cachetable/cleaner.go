package cachetable

import (
	"context"
	"errors"
	"time"
)

// RunCleaner picks the pair with the largest cache pressure among the next
// CleanerIterations pairs of the ring and hands it, write-pinned, to its
// file's Clean callback.
func (t *Table) RunCleaner(ctx context.Context) error {
	release := t.OpLock()
	defer release()

	t.mu.Lock()
	var best *pair
	for i := 0; i < t.cfg.CleanerIterations && i < t.clock.Len(); i++ {
		p := t.clock.next(&t.clock.cleaner)
		if p.stale || p.file.closing || !p.idle() || p.attr.CachePressure <= 0 {
			continue
		}
		if best == nil || p.attr.CachePressure > best.attr.CachePressure {
			best = p
		}
	}
	if best == nil {
		t.mu.Unlock()
		return nil
	}
	f, key, cb := best.file, best.key, best.file.cb
	t.mu.Unlock()

	h, err := t.Pin(ctx, f, key, LockWrite)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	return cb.Clean(ctx, h)
}

func (t *Table) cleanerLoop() {
	ctx, cancel := t.backgroundContext()
	defer cancel()

	ticker := time.NewTicker(t.cfg.CleanerPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		if err := t.RunCleaner(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("cleaner failed", "error", err)
		}
	}
}
