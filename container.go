package fractal

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/fractal/internal/block"
	"github.com/hupe1980/fractal/internal/ft"
	"github.com/hupe1980/fractal/internal/msg"
	"github.com/hupe1980/fractal/internal/xids"
)

// maxOps is the weight of the container semaphore. Operations take 1;
// Exclusive takes all of it.
const maxOps = 1 << 30

// Container is one fractal tree inside an Env. All methods are safe for
// concurrent use.
type Container struct {
	env    *Env
	name   string
	id     uint64
	tree   *ft.Tree
	dev    block.Device
	logger *Logger
	hooks  ContainerHooks

	sem    *semaphore.Weighted
	closed atomic.Bool
	gone   bool // tree closed; guarded by sem
}

// Name returns the container name.
func (c *Container) Name() string { return c.name }

// ID returns the id the checkpoint log assigned to the container.
func (c *Container) ID() uint64 { return c.id }

func (c *Container) enter(ctx context.Context) (func(), error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		c.sem.Release(1)
		return nil, ErrClosed
	}
	return func() { c.sem.Release(1) }, nil
}

// Put stores value under key. With a nil txn the write commits at once.
func (c *Container) Put(ctx context.Context, txn *Txn, key, value []byte) error {
	return c.write(ctx, txn, msg.Insert, key, value)
}

// PutIfAbsent stores value under key unless a value visible to the write
// already exists. The check happens when the write reaches the leaf, so
// PutIfAbsent does not report whether it took effect.
func (c *Container) PutIfAbsent(ctx context.Context, txn *Txn, key, value []byte) error {
	return c.write(ctx, txn, msg.InsertNoOverwrite, key, value)
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Container) Delete(ctx context.Context, txn *Txn, key []byte) error {
	return c.write(ctx, txn, msg.Delete, key, nil)
}

func (c *Container) write(ctx context.Context, txn *Txn, typ msg.Type, key, value []byte) error {
	if len(key) == 0 {
		return errors.New("fractal: empty key")
	}
	release, err := c.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	m := msg.Message{Type: typ, XIDs: xids.Root(), Key: bytes.Clone(key)}
	if value != nil {
		m.Value = bytes.Clone(value)
	}

	if txn == nil {
		lk := lockKey{container: c.id, key: string(key)}
		unlock, err := c.env.locks.hold(ctx, lk, c.env.opts.lockTimeout)
		if err != nil {
			return err
		}
		defer unlock()
		return translateError(c.tree.Apply(ctx, m))
	}

	if txn.env != c.env {
		return errors.New("fractal: transaction belongs to another environment")
	}
	if err := txn.lock(ctx, c, key); err != nil {
		return err
	}
	m.XIDs = txn.xids
	if err := c.tree.Apply(ctx, m); err != nil {
		return translateError(err)
	}
	txn.recordWrite(c, key)
	return nil
}

// resolve applies a commit or abort message on behalf of a finishing
// transaction. Unlike other operations it still runs while a Close waits,
// and it is a no-op once the tree is gone.
func (c *Container) resolve(ctx context.Context, m msg.Message) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	if c.gone {
		return nil
	}
	return c.tree.Apply(ctx, m)
}

// Get returns the value of key as seen by txn: its own and its ancestors'
// uncommitted writes, otherwise the latest committed value. A nil txn
// reads committed data only. It returns ErrNotFound if there is none.
func (c *Container) Get(ctx context.Context, txn *Txn, key []byte) ([]byte, error) {
	release, err := c.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	reader := xids.Root()
	if txn != nil {
		reader = txn.xids
	}
	v, ok, err := c.tree.Get(ctx, key, reader)
	if err != nil {
		return nil, translateError(err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Optimize promotes the writes of finished transactions and collapses
// committed history no live transaction can still read.
func (c *Container) Optimize(ctx context.Context) error {
	release, err := c.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	return translateError(c.tree.Optimize(ctx, c.env.txns.oldestReferenced()))
}

// Exclusive waits until no operation runs on the container and keeps new
// ones out until the returned function is called. It returns
// ErrLockTimeout if that takes longer than timeout.
func (c *Container) Exclusive(ctx context.Context, timeout time.Duration) (func(), error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := c.acquireAll(ctx, timeout); err != nil {
		return nil, err
	}
	return sync.OnceFunc(func() { c.sem.Release(maxOps) }), nil
}

func (c *Container) acquireAll(ctx context.Context, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.sem.Acquire(tctx, maxOps); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrLockTimeout
		}
		return err
	}
	return nil
}

// Stats returns a snapshot of the container's tree.
func (c *Container) Stats(ctx context.Context) (ft.Stats, error) {
	release, err := c.enter(ctx)
	if err != nil {
		return ft.Stats{}, err
	}
	defer release()
	s, err := c.tree.Stats(ctx)
	return s, translateError(err)
}

// Close writes the container back and closes it. Clean nodes stay cached
// for a later OpenContainer. Running operations are waited for.
func (c *Container) Close(ctx context.Context) error {
	return c.shut(ctx, "close", false)
}

// Drop closes the container and removes its storage.
func (c *Container) Drop(ctx context.Context) error {
	return c.shut(ctx, "drop", true)
}

func (c *Container) shut(ctx context.Context, event string, unlink bool) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if err := c.sem.Acquire(ctx, maxOps); err != nil {
		c.closed.Store(false)
		return err
	}
	defer c.sem.Release(maxOps)

	var err error
	if unlink {
		err = c.tree.Drop(ctx)
	} else {
		err = c.tree.Close(ctx)
	}
	c.gone = true
	c.env.forget(c)
	c.logger.LogContainer(ctx, event, c.name, err)
	return translateError(err)
}
