package fractal

import (
	"context"
	"errors"
)

// Close aborts the transactions still running, checkpoints, closes every
// open container and releases the directory. Calling Close again returns
// ErrClosed.
func (e *Env) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	e.mu.Unlock()

	ctx := context.Background()
	var errs []error
	for _, t := range e.txns.roots() {
		if err := t.Abort(ctx); err != nil && !errors.Is(err, ErrTxnFinished) {
			errs = append(errs, err)
		}
	}

	if err := e.ct.Checkpoint(ctx); err != nil {
		errs = append(errs, err)
	}

	e.mu.Lock()
	open := make([]*Container, 0, len(e.containers))
	for _, c := range e.containers {
		open = append(open, c)
	}
	e.mu.Unlock()
	for _, c := range open {
		if err := c.Close(ctx); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}

	stats := e.Stats()
	if err := e.ct.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.wal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.unlock(); err != nil {
		errs = append(errs, err)
	}
	if err := e.lockFile.Close(); err != nil {
		errs = append(errs, err)
	}

	err := translateError(errors.Join(errs...))
	e.logger.LogClose(ctx, stats, err)
	return err
}
