package fractal

import (
	"log/slog"
	"time"

	"github.com/hupe1980/fractal/blobstore"
	"github.com/hupe1980/fractal/codec"
	"github.com/hupe1980/fractal/internal/cachetable"
	"github.com/hupe1980/fractal/internal/compress"
	"github.com/hupe1980/fractal/internal/fs"
	"github.com/hupe1980/fractal/internal/ft"
	"github.com/hupe1980/fractal/internal/wal"
)

// Durability selects when checkpoint log records reach stable storage.
type Durability = wal.Durability

const (
	// DurabilityAsync leaves syncing to the OS except at checkpoint ends.
	DurabilityAsync = wal.DurabilityAsync
	// DurabilitySync fsyncs every log record, sharing syncs between
	// concurrent appends.
	DurabilitySync = wal.DurabilitySync
)

// Compression selects the codec for node partitions written to disk.
type Compression = compress.Method

const (
	CompressionNone   = compress.None
	CompressionLZ4    = compress.LZ4
	CompressionZstd   = compress.Zstd
	CompressionSnappy = compress.Snappy
	CompressionZlib   = compress.Zlib
)

type options struct {
	fs                fs.FileSystem
	blobStore         blobstore.BlobStore
	codec             codec.Codec
	cache             cachetable.Config
	durability        Durability
	lockTimeout       time.Duration
	metricsObserver   MetricsObserver
	logger            *Logger
	containerDefaults []ContainerOption
}

// Option configures Open.
type Option func(*options)

// WithCacheSize sets the byte budget the evictor keeps the shared cache
// near. 0 disables eviction.
func WithCacheSize(bytes int64) Option {
	return func(o *options) {
		o.cache.SizeLimit = bytes
	}
}

// WithMemoryLimit sets a hard cap on cached bytes. Pins that would exceed
// it fail with ErrOutOfMemory. 0 disables the cap.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.cache.MemoryLimit = bytes
	}
}

// WithCheckpointPeriod enables periodic checkpoints. 0 disables them;
// Checkpoint and Close still write one.
func WithCheckpointPeriod(d time.Duration) Option {
	return func(o *options) {
		o.cache.CheckpointPeriod = d
	}
}

// WithCleanerPeriod sets how often the cleaner flushes the node buffers
// with the highest cache pressure. 0 disables the cleaner.
func WithCleanerPeriod(d time.Duration) Option {
	return func(o *options) {
		o.cache.CleanerPeriod = d
	}
}

// WithEvictorPeriod sets the evictor's wake-up interval.
func WithEvictorPeriod(d time.Duration) Option {
	return func(o *options) {
		o.cache.EvictorPeriod = d
	}
}

// WithWorkers sets the size of the background write pool.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.cache.Workers = n
	}
}

// WithIOLimit throttles checkpoint and background writes to bytesPerSec.
// 0 disables throttling.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.cache.IOLimitBytesPerSec = bytesPerSec
	}
}

// WithDurability sets the checkpoint log durability. Default:
// DurabilitySync.
func WithDurability(d Durability) Option {
	return func(o *options) {
		o.durability = d
	}
}

// WithLockTimeout bounds how long a transaction waits for a row lock held
// by another transaction. Default: 4s.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.lockTimeout = d
	}
}

// WithBlobStore stores container blocks in store instead of container
// files. The environment directory still holds the lock and the
// checkpoint log.
//
// Example with S3:
//
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "envs/prod/")
//	env, err := fractal.Open(ctx, dir, fractal.WithBlobStore(store))
func WithBlobStore(store blobstore.BlobStore) Option {
	return func(o *options) {
		o.blobStore = store
	}
}

// WithCodec sets the codec for blob device headers. If nil is passed,
// codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithFileSystem replaces the local file system, mainly for fault
// injection in tests.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithMetricsObserver receives cache events. Pass nil to disable.
//
// Example with BasicMetricsObserver:
//
//	metrics := &fractal.BasicMetricsObserver{}
//	env, _ := fractal.Open(ctx, dir, fractal.WithMetricsObserver(metrics))
//	// ... use env ...
//	stats := metrics.GetStats()
//	fmt.Printf("hit ratio: %.2f\n", stats.HitRatio())
func WithMetricsObserver(mo MetricsObserver) Option {
	return func(o *options) {
		o.metricsObserver = mo
	}
}

// WithLogger configures structured logging. Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := fractal.NewJSONLogger(slog.LevelInfo)
//	env, _ := fractal.Open(ctx, dir, fractal.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithContainerDefaults applies opts to every container opened in the
// environment before the options passed to OpenContainer.
func WithContainerDefaults(opts ...ContainerOption) Option {
	return func(o *options) {
		o.containerDefaults = append(o.containerDefaults, opts...)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		fs:              fs.Default,
		codec:           codec.Default,
		cache:           cachetable.DefaultConfig(),
		durability:      DurabilitySync,
		lockTimeout:     4 * time.Second,
		metricsObserver: NoopMetricsObserver{},
		logger:          NoopLogger(),
	}
	o.cache.CheckpointPeriod = time.Minute
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.fs == nil {
		o.fs = fs.Default
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metricsObserver == nil {
		o.metricsObserver = NoopMetricsObserver{}
	}
	return o
}

// ContainerHooks are optional callbacks on a container's lifecycle.
type ContainerHooks struct {
	// OnCheckpoint runs after the container's part of a checkpoint was
	// written.
	OnCheckpoint func(name string)
	// OnClose runs after the container was written back and closed.
	OnClose func(name string)
	// OnFree runs after a dropped container's storage was removed.
	OnFree func(name string)
}

type containerOptions struct {
	tree  ft.Config
	hooks ContainerHooks
}

// ContainerOption configures OpenContainer.
type ContainerOption func(*containerOptions)

// WithNodeSize sets the size above which a leaf node splits.
func WithNodeSize(bytes int) ContainerOption {
	return func(o *containerOptions) {
		o.tree.NodeSize = bytes
	}
}

// WithBasementSize sets the size above which a leaf basement splits.
// Basements are the unit of partial fetch and eviction.
func WithBasementSize(bytes int) ContainerOption {
	return func(o *containerOptions) {
		o.tree.BasementSize = bytes
	}
}

// WithFanout sets the child count above which an internal node splits.
func WithFanout(n int) ContainerOption {
	return func(o *containerOptions) {
		o.tree.MaxFanout = n
	}
}

// WithBufferSize sets the buffered message volume above which a write
// flushes the root's heaviest child buffer.
func WithBufferSize(bytes int) ContainerOption {
	return func(o *containerOptions) {
		o.tree.MaxBufferBytes = bytes
	}
}

// WithCompression sets the codec for newly written node partitions.
// Default: CompressionLZ4.
func WithCompression(c Compression) ContainerOption {
	return func(o *containerOptions) {
		o.tree.Compression = c
	}
}

// WithGCThreshold sets the committed-version depth at which leaf entries
// are garbage collected on write.
func WithGCThreshold(minCommitted int) ContainerOption {
	return func(o *containerOptions) {
		o.tree.GC.MinCommitted = minCommitted
	}
}

// WithPrefetch warms the root's children in the background on open.
func WithPrefetch(enabled bool) ContainerOption {
	return func(o *containerOptions) {
		o.tree.Prefetch = enabled
	}
}

// WithHooks registers lifecycle callbacks.
func WithHooks(h ContainerHooks) ContainerOption {
	return func(o *containerOptions) {
		o.hooks = h
	}
}

func applyContainerOptions(defaults, optFns []ContainerOption) containerOptions {
	o := containerOptions{tree: ft.DefaultConfig()}
	for _, fn := range defaults {
		if fn != nil {
			fn(&o)
		}
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
