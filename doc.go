// Package fractal is an embedded, transactional key-value storage engine
// built on fractal trees.
//
// An Env owns a directory, a shared node cache and a checkpoint log. Each
// Container inside it is one fractal tree: updates enter the root as
// messages and travel down in batches, so random writes cost a fraction of
// a B-tree's I/O. Leaves keep multi-version entries, which gives nested
// transactions with row locks and read-your-writes visibility.
//
// # Quick Start
//
//	ctx := context.Background()
//	env, err := fractal.Open(ctx, "./data", fractal.WithCacheSize(256<<20))
//	if err != nil {
//	    return err
//	}
//	defer env.Close()
//
//	users, err := env.OpenContainer(ctx, "users")
//	if err != nil {
//	    return err
//	}
//	_ = users.Put(ctx, nil, []byte("alice"), []byte("admin"))
//	v, err := users.Get(ctx, nil, []byte("alice"))
//
// # Transactions
//
// Begin starts a transaction; pass a parent to nest one:
//
//	txn, _ := env.Begin(ctx, nil)
//	_ = users.Put(ctx, txn, []byte("bob"), []byte("dev"))
//	child, _ := env.Begin(ctx, txn)
//	_ = users.Delete(ctx, child, []byte("alice"))
//	_ = child.Abort(ctx) // alice survives
//	_ = txn.Commit(ctx)  // bob becomes visible
//
// Writes lock the row until the outermost transaction ends. A write that
// waits longer than WithLockTimeout fails with ErrLockTimeout; this is
// also how deadlocks are broken. Reads take no locks and see committed
// data plus the reader's own uncommitted writes.
//
// A nil transaction writes immediately, after waiting for any transaction
// that holds the row.
//
// # Durability
//
// Data operations are not logged. State becomes durable at a checkpoint:
// periodically (WithCheckpointPeriod), on Env.Checkpoint, when a container
// is closed and on Env.Close. After a crash an environment reopens at its
// last checkpoint.
//
// # Storage
//
// By default each container is a single file, <dir>/<name>.ft. With
// WithBlobStore the blocks go to a blobstore.BlobStore instead, such as
// blobstore/s3 or blobstore/minio, while the directory keeps the lock and
// the checkpoint log.
//
// # Memory
//
// All containers share one cache. WithCacheSize is the budget a
// background evictor keeps the cache near; writers that push it far above
// are slowed down until the evictor catches up. WithMemoryLimit is a hard
// cap, beyond which operations fail with ErrOutOfMemory.
//
// # Observability
//
// WithLogger takes a *Logger wrapping log/slog. WithMetricsObserver
// receives cache hits, misses, evictions, flushes and checkpoints;
// BasicMetricsObserver counts them with atomics, and
// examples/observability exports them to Prometheus.
package fractal
