// Package workerpool runs background tasks on a fixed set of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("workerpool: closed")

// Pool manages a fixed pool of goroutines.
type Pool struct {
	workCh   chan func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	submitMu sync.RWMutex
	logger   *slog.Logger
}

// New creates a pool with numWorkers goroutines. A panicking task is logged
// and does not take its worker down.
func New(numWorkers int, logger *slog.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p := &Pool{
		workCh: make(chan func(), numWorkers*2),
		stopCh: make(chan struct{}),
		logger: logger,
	}

	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			// Drain remaining work before exiting.
			for {
				select {
				case task, ok := <-p.workCh:
					if !ok {
						return
					}
					p.run(task)
				default:
					return
				}
			}
		case task, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

func (p *Pool) run(task func()) {
	defer Recover(p.logger, "background task")
	task()
}

// Submit enqueues task. It blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed.Load() {
		return ErrClosed
	}

	select {
	case p.workCh <- task:
		return nil
	case <-p.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close runs every queued task and stops the workers.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.submitMu.Lock()
	close(p.stopCh)
	close(p.workCh)
	p.submitMu.Unlock()

	p.wg.Wait()
}

// Go runs fn on a new goroutine tracked by wg and recovers from panics.
func Go(wg *sync.WaitGroup, logger *slog.Logger, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs a recovered panic with its stack. It must be deferred.
func Recover(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("panic recovered",
			"task", name,
			"panic", fmt.Sprint(r),
			"stack", string(debug.Stack()))
	}
}
