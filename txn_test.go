package fractal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fractal/testutil"
)

func openTestContainer(t *testing.T, extra ...Option) (*Env, *Container) {
	t.Helper()
	env := openTestEnv(t, t.TempDir(), extra...)
	t.Cleanup(func() { _ = env.Close() })
	c, err := env.OpenContainer(t.Context(), "c")
	require.NoError(t, err)
	return env, c
}

func TestTxn_CommitMakesVisible(t *testing.T) {
	ctx := t.Context()
	env, c := openTestContainer(t)

	txn, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, txn, []byte("k"), []byte("v")))

	v, err := c.Get(ctx, txn, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	_, err = c.Get(ctx, nil, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, env.Stats().ActiveTxns)

	require.NoError(t, txn.Commit(ctx))
	assert.ErrorIs(t, txn.Commit(ctx), ErrTxnFinished)
	assert.ErrorIs(t, c.Put(ctx, txn, []byte("x"), nil), ErrTxnFinished)

	v, err = c.Get(ctx, nil, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	assert.Zero(t, env.Stats().ActiveTxns)
}

func TestTxn_AbortRestoresPrevious(t *testing.T) {
	ctx := t.Context()
	env, c := openTestContainer(t)
	require.NoError(t, c.Put(ctx, nil, []byte("a"), []byte("old")))

	txn, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, txn, []byte("a"), []byte("new")))
	require.NoError(t, c.Put(ctx, txn, []byte("b"), []byte("new")))
	require.NoError(t, c.Delete(ctx, txn, []byte("a")))
	_, err = c.Get(ctx, txn, []byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, txn.Abort(ctx))
	assert.ErrorIs(t, txn.Abort(ctx), ErrTxnFinished)

	v, err := c.Get(ctx, nil, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), v)
	_, err = c.Get(ctx, nil, []byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTxn_Nested(t *testing.T) {
	ctx := t.Context()
	env, c := openTestContainer(t)

	parent, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, parent, []byte("p"), []byte("1")))

	child, err := env.Begin(ctx, parent)
	require.NoError(t, err)
	assert.Greater(t, child.ID(), parent.ID())
	assert.Same(t, parent, child.Parent())

	// The child sees its parent's write and may overwrite the same row.
	v, err := c.Get(ctx, child, []byte("p"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	require.NoError(t, c.Put(ctx, child, []byte("c"), []byte("2")))

	assert.ErrorIs(t, parent.Commit(ctx), ErrTxnActive)
	require.NoError(t, child.Commit(ctx))

	v, err = c.Get(ctx, parent, []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
	_, err = c.Get(ctx, nil, []byte("c"))
	assert.ErrorIs(t, err, ErrNotFound)

	aborted, err := env.Begin(ctx, parent)
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, aborted, []byte("p")))
	require.NoError(t, aborted.Abort(ctx))

	require.NoError(t, parent.Commit(ctx))
	for k, want := range map[string]string{"p": "1", "c": "2"} {
		v, err := c.Get(ctx, nil, []byte(k))
		require.NoError(t, err, k)
		assert.Equal(t, []byte(want), v, k)
	}

	_, err = env.Begin(ctx, parent)
	assert.ErrorIs(t, err, ErrTxnFinished)
}

func TestTxn_AbortAbortsChildren(t *testing.T) {
	ctx := t.Context()
	env, c := openTestContainer(t)

	parent, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	child, err := env.Begin(ctx, parent)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, child, []byte("k"), []byte("v")))

	require.NoError(t, parent.Abort(ctx))
	assert.ErrorIs(t, child.Commit(ctx), ErrTxnFinished)
	_, err = c.Get(ctx, nil, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, env.Stats().ActiveTxns)
	assert.Zero(t, env.locks.len())
}

func TestTxn_LockTimeout(t *testing.T) {
	ctx := t.Context()
	env, c := openTestContainer(t, WithLockTimeout(30*time.Millisecond))

	t1, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	t2, err := env.Begin(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, t1, []byte("k"), []byte("t1")))
	assert.ErrorIs(t, c.Put(ctx, t2, []byte("k"), []byte("t2")), ErrLockTimeout)
	assert.ErrorIs(t, c.Put(ctx, nil, []byte("k"), []byte("auto")), ErrLockTimeout)

	// Other rows and reads are not blocked.
	require.NoError(t, c.Put(ctx, t2, []byte("other"), []byte("t2")))
	_, err = c.Get(ctx, t2, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, t1.Commit(ctx))
	require.NoError(t, c.Put(ctx, t2, []byte("k"), []byte("t2")))
	require.NoError(t, t2.Commit(ctx))

	v, err := c.Get(ctx, nil, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("t2"), v)
}

func TestTxn_WaiterProceedsAfterRelease(t *testing.T) {
	ctx := t.Context()
	env, c := openTestContainer(t, WithLockTimeout(5*time.Second))

	t1, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, t1, []byte("k"), []byte("t1")))

	done := make(chan error, 1)
	go func() {
		done <- c.Put(ctx, nil, []byte("k"), []byte("auto"))
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, t1.Abort(ctx))
	require.NoError(t, <-done)

	v, err := c.Get(ctx, nil, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("auto"), v)
}

func TestTxn_LargeWriteSetBroadcasts(t *testing.T) {
	ctx := t.Context()
	env, c := openTestContainer(t)
	n := maxTrackedKeys + 100

	txn, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	for i := range n {
		require.NoError(t, c.Put(ctx, txn, testutil.Key(i), []byte("v")))
	}
	assert.True(t, txn.writes[c].overflow)
	require.NoError(t, txn.Commit(ctx))

	for _, i := range []int{0, n / 2, n - 1} {
		v, err := c.Get(ctx, nil, testutil.Key(i))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
	}
	assert.Zero(t, env.locks.len())
}

func TestTxn_IDsIncreaseAcrossReopen(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	env := openTestEnv(t, dir)
	txn, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	first := txn.ID()
	require.NoError(t, txn.Commit(ctx))
	require.NoError(t, env.Close())

	env = openTestEnv(t, dir)
	defer env.Close()
	txn, err = env.Begin(ctx, nil)
	require.NoError(t, err)
	assert.Greater(t, txn.ID(), first)
}

func TestTxn_CloseAbortsLiveTransactions(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	env := openTestEnv(t, dir)
	c, err := env.OpenContainer(ctx, "c")
	require.NoError(t, err)
	txn, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, txn, []byte("k"), []byte("v")))
	require.NoError(t, env.Close())
	assert.ErrorIs(t, txn.Commit(ctx), ErrTxnFinished)

	env = openTestEnv(t, dir)
	defer env.Close()
	c, err = env.OpenContainer(ctx, "c")
	require.NoError(t, err)
	_, err = c.Get(ctx, nil, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTxn_ConcurrentWriters(t *testing.T) {
	ctx := t.Context()
	env, c := openTestContainer(t)
	model := testutil.NewModel()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				txn, err := env.Begin(ctx, nil)
				if !assert.NoError(t, err) {
					return
				}
				k := testutil.Key(w*1000 + i)
				assert.NoError(t, c.Put(ctx, txn, k, k))
				if i%5 == 0 {
					assert.NoError(t, txn.Abort(ctx))
					continue
				}
				assert.NoError(t, txn.Commit(ctx))
				model.Put(k, k)
			}
		}()
	}
	wg.Wait()

	for w := range 8 {
		for i := range 50 {
			k := testutil.Key(w*1000 + i)
			want, ok := model.Get(k)
			got, err := c.Get(ctx, nil, k)
			if !ok {
				assert.ErrorIs(t, err, ErrNotFound)
				continue
			}
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	}
}

func TestLockTable_SameOwnerReenters(t *testing.T) {
	lt := newLockTable()
	k := lockKey{container: 1, key: "k"}

	taken, err := lt.acquire(t.Context(), k, 5, time.Second)
	require.NoError(t, err)
	assert.True(t, taken)
	taken, err = lt.acquire(t.Context(), k, 5, time.Second)
	require.NoError(t, err)
	assert.False(t, taken)

	lt.release(6, []lockKey{k})
	assert.Equal(t, 1, lt.len())
	lt.release(5, []lockKey{k})
	assert.Zero(t, lt.len())
}

func TestLockTable_HoldExcludesOthers(t *testing.T) {
	lt := newLockTable()
	k := lockKey{container: 1, key: "k"}

	unlock, err := lt.hold(t.Context(), k, time.Second)
	require.NoError(t, err)
	_, err = lt.acquire(t.Context(), k, 5, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	_, err = lt.hold(t.Context(), k, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	assert.Zero(t, lt.len())
	taken, err := lt.acquire(t.Context(), k, 5, time.Second)
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestTxn_PlainWriteWaitsForAbort(t *testing.T) {
	ctx := t.Context()
	env := openTestEnv(t, t.TempDir())
	defer env.Close()
	c, err := env.OpenContainer(ctx, "c")
	require.NoError(t, err)

	txn, err := env.Begin(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, txn, []byte("k"), []byte("uncommitted")))

	done := make(chan error, 1)
	go func() { done <- c.PutIfAbsent(ctx, nil, []byte("k"), []byte("plain")) }()

	select {
	case err := <-done:
		t.Fatalf("write did not wait for the row lock: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, txn.Abort(ctx))
	require.NoError(t, <-done)

	v, err := c.Get(ctx, nil, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), v)
}
