package fractal

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/hupe1980/fractal/internal/xids"
)

type lockKey struct {
	container uint64
	key       string
}

type rowLock struct {
	owner    xids.TXNID
	released chan struct{}
}

// lockTable holds exclusive row locks. A lock belongs to the outermost
// transaction of a family, so nested children share their root's locks,
// and is released when that transaction finishes.
type lockTable struct {
	mu        sync.Mutex
	rows      map[lockKey]*rowLock
	ephemeral xids.TXNID
}

func newLockTable() *lockTable {
	return &lockTable{rows: make(map[lockKey]*rowLock), ephemeral: math.MaxUint64}
}

// acquire locks k for owner, waiting up to timeout for another owner to
// release it. It reports whether the lock was newly taken.
func (lt *lockTable) acquire(ctx context.Context, k lockKey, owner xids.TXNID, timeout time.Duration) (bool, error) {
	var deadline <-chan time.Time
	for {
		lt.mu.Lock()
		l, held := lt.rows[k]
		switch {
		case !held:
			lt.rows[k] = &rowLock{owner: owner, released: make(chan struct{})}
			lt.mu.Unlock()
			return true, nil
		case l.owner == owner:
			lt.mu.Unlock()
			return false, nil
		}
		released := l.released
		lt.mu.Unlock()

		if deadline == nil {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-released:
		case <-deadline:
			return false, ErrLockTimeout
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// hold locks k for a single non-transactional write. The owner is drawn
// from the top of the id space, where transaction ids never reach, and the
// lock is dropped by the returned function.
func (lt *lockTable) hold(ctx context.Context, k lockKey, timeout time.Duration) (func(), error) {
	lt.mu.Lock()
	owner := lt.ephemeral
	lt.ephemeral--
	lt.mu.Unlock()
	if _, err := lt.acquire(ctx, k, owner, timeout); err != nil {
		return nil, err
	}
	return func() { lt.release(owner, []lockKey{k}) }, nil
}

// release drops the locks owner holds on keys.
func (lt *lockTable) release(owner xids.TXNID, keys []lockKey) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for _, k := range keys {
		if l, ok := lt.rows[k]; ok && l.owner == owner {
			delete(lt.rows, k)
			close(l.released)
		}
	}
}

func (lt *lockTable) len() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.rows)
}
