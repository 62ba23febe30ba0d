package cachetable

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/fractal/internal/resource"
	"github.com/hupe1980/fractal/internal/workerpool"
)

var (
	// ErrNotResident is returned by TryPin when the pair is absent or being
	// fetched.
	ErrNotResident = errors.New("cachetable: pair not resident")
	// ErrWouldBlock is returned by TryPin when pinning would have to wait,
	// fetch, or write.
	ErrWouldBlock = errors.New("cachetable: pin would block")
	// ErrOutOfMemory is returned when a value cannot be admitted even after
	// eviction.
	ErrOutOfMemory = errors.New("cachetable: out of memory")
	// ErrClosed is returned after the table or file has been closed.
	ErrClosed = errors.New("cachetable: closed")
	// ErrKeyExists is returned by Put when the key is already cached.
	ErrKeyExists = errors.New("cachetable: key exists")
	// ErrFileOpen is returned by OpenFile for an identity that is open.
	ErrFileOpen = errors.New("cachetable: file already open")
	// ErrHandleReleased is returned when a handle is used after unpinning.
	ErrHandleReleased = errors.New("cachetable: handle already released")
)

// Key identifies a pair within its file.
type Key uint64

// LockMode is the lock a pin holds.
type LockMode uint8

const (
	// LockRead is shared with other readers.
	LockRead LockMode = iota + 1
	// LockWrite is exclusive.
	LockWrite
)

func (m LockMode) String() string {
	if m == LockWrite {
		return "write"
	}
	return "read"
}

// Attr is the accounting of a value.
type Attr struct {
	// Size is the number of bytes charged against the cache budget.
	Size int64
	// CachePressure ranks pairs for the cleaner. Zero means nothing to do.
	CachePressure int64
}

// FlushFlags tells Callbacks.Flush what is expected.
type FlushFlags struct {
	// Write asks for the value to be written. When false the value is only
	// being dropped.
	Write bool
	// Keep is set when the value stays cached after the flush.
	Keep bool
	// ForCheckpoint is set when the write belongs to the running
	// checkpoint.
	ForCheckpoint bool
	// IsClone is set when value is a clone rather than the cached value.
	IsClone bool
}

// Callbacks move values between the cache and storage. Every call is made
// without table locks held and with exclusive access to the value unless
// the value is a clone.
type Callbacks interface {
	// Fetch reads the value of key. extra is the pin's fetch request.
	Fetch(ctx context.Context, key Key, extra any) (any, Attr, error)
	// Flush writes back or drops value.
	Flush(ctx context.Context, key Key, value any, flags FlushFlags) error
	// Clone returns an independent copy of value for a checkpoint write.
	// ok is false when the value cannot be cloned.
	Clone(value any) (clone any, attr Attr, ok bool)
	// PartialEvictionEstimate returns the bytes PartialEvict would free.
	PartialEvictionEstimate(value any) int64
	// PartialEvict releases parts of value and returns its new accounting.
	PartialEvict(value any) (Attr, error)
	// PartialFetchRequired reports whether value lacks parts extra needs.
	PartialFetchRequired(value any, extra any) bool
	// PartialFetch loads the parts extra needs.
	PartialFetch(ctx context.Context, key Key, value any, extra any) (Attr, error)
	// Clean performs background work on a write-pinned pair and must unpin
	// the handle.
	Clean(ctx context.Context, h *Handle) error
}

// Hooks are the file-level lifecycle callbacks.
type Hooks interface {
	// BeginCheckpoint runs while client operations are excluded, after the
	// dirty pairs have been marked.
	BeginCheckpoint(ctx context.Context) error
	// Checkpoint runs after every marked pair has been written.
	Checkpoint(ctx context.Context) error
	// EndCheckpoint runs at the end of every begun checkpoint, successful
	// or not.
	EndCheckpoint(ctx context.Context) error
	// Close runs after a closing file's dirty pairs have been written.
	Close(ctx context.Context) error
	// Free runs after an unlinked file's pairs have been dropped.
	Free(ctx context.Context) error
}

// CheckpointLogger records checkpoint boundaries.
type CheckpointLogger interface {
	LogBeginCheckpoint(ctx context.Context) (uint64, error)
	LogEndCheckpoint(ctx context.Context, begin uint64) error
}

// Config tunes a Table.
type Config struct {
	// SizeLimit is the byte budget the evictor maintains. 0 disables
	// eviction.
	SizeLimit int64
	// LowHysteresis, HighHysteresis and HighWatermark are ratios of
	// SizeLimit. Above the low mark the evictor is woken; above the high
	// watermark unpinning callers evict until below the high hysteresis
	// mark.
	LowHysteresis  float64
	HighHysteresis float64
	HighWatermark  float64
	// MemoryLimit is a hard cap on admitted bytes. 0 disables the cap.
	MemoryLimit int64
	// ClockInitialCount is the clock count of a newly cached pair.
	ClockInitialCount int
	// EvictorPeriod is the evictor's wake-up interval.
	EvictorPeriod time.Duration
	// DisableEvictor turns off the evictor goroutine and backpressure.
	DisableEvictor bool
	// CleanerPeriod is the cleaner's interval. 0 disables the cleaner.
	CleanerPeriod time.Duration
	// CleanerIterations bounds how many pairs one cleaner pass inspects.
	CleanerIterations int
	// CheckpointPeriod is the interval of automatic checkpoints. 0
	// disables them.
	CheckpointPeriod time.Duration
	// CheckpointConcurrency bounds concurrent checkpoint writes.
	CheckpointConcurrency int
	// Workers is the size of the background pool.
	Workers int
	// IOLimitBytesPerSec throttles checkpoint and clone writes.
	IOLimitBytesPerSec int64
	// CheckpointLogger records checkpoint boundaries. Optional.
	CheckpointLogger CheckpointLogger
	// Observer receives cache events. Optional.
	Observer Observer
	Logger   *slog.Logger
}

// DefaultConfig returns a configuration for a 64 MiB cache.
func DefaultConfig() Config {
	return Config{
		SizeLimit:             64 << 20,
		LowHysteresis:         1.1,
		HighHysteresis:        1.25,
		HighWatermark:         1.5,
		ClockInitialCount:     1,
		EvictorPeriod:         100 * time.Millisecond,
		CleanerPeriod:         time.Second,
		CleanerIterations:     5,
		CheckpointConcurrency: 4,
		Workers:               4,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.LowHysteresis <= 0 {
		c.LowHysteresis = d.LowHysteresis
	}
	if c.HighHysteresis < c.LowHysteresis {
		c.HighHysteresis = max(d.HighHysteresis, c.LowHysteresis)
	}
	if c.HighWatermark < c.HighHysteresis {
		c.HighWatermark = max(d.HighWatermark, c.HighHysteresis)
	}
	if c.ClockInitialCount < 0 {
		c.ClockInitialCount = 0
	}
	c.ClockInitialCount = min(c.ClockInitialCount, maxClock)
	if c.EvictorPeriod <= 0 {
		c.EvictorPeriod = d.EvictorPeriod
	}
	if c.CleanerIterations <= 0 {
		c.CleanerIterations = d.CleanerIterations
	}
	if c.CheckpointConcurrency <= 0 {
		c.CheckpointConcurrency = d.CheckpointConcurrency
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Observer == nil {
		c.Observer = NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// maxClock bounds the clock count a pair can accumulate.
const maxClock = 15

// Stats is a snapshot of a Table.
type Stats struct {
	Size             int64
	SizeLimit        int64
	Admitted         int64 // bytes charged to the memory budget
	Pairs            int
	Dirty            int
	Hits             int64
	Misses           int64
	Evictions        int64
	PartialEvictions int64
	Flushes          int64
	Checkpoints      int64
}

// Table is the shared cache.
type Table struct {
	cfg    Config
	logger *slog.Logger
	ctrl   *resource.Controller
	pool   *workerpool.Pool

	// cpMu is held from BeginCheckpoint to EndCheckpoint.
	cpMu sync.Mutex
	// opMu is read-held by multi-pin client operations and write-held by
	// BeginCheckpoint.
	opMu sync.RWMutex
	// evictMu serializes eviction passes.
	evictMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	files   map[string]*File
	arena   arena
	clock   clockList
	size    int64
	limit   int64
	stats   Stats
	cp      checkpointState
	cloneWG sync.WaitGroup

	evictCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a table and starts its background workers.
func New(cfg Config) *Table {
	cfg.normalize()
	t := &Table{
		cfg:    cfg,
		logger: cfg.Logger,
		ctrl: resource.NewController(resource.Config{
			MemoryLimitBytes:     cfg.MemoryLimit,
			MaxBackgroundWorkers: int64(cfg.Workers),
			IOLimitBytesPerSec:   cfg.IOLimitBytesPerSec,
		}),
		pool:    workerpool.New(cfg.Workers, cfg.Logger),
		files:   make(map[string]*File),
		arena:   newArena(),
		clock:   newClockList(),
		limit:   cfg.SizeLimit,
		evictCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	if !cfg.DisableEvictor {
		workerpool.Go(&t.wg, t.logger, "evictor", t.evictorLoop)
	}
	if cfg.CleanerPeriod > 0 {
		workerpool.Go(&t.wg, t.logger, "cleaner", t.cleanerLoop)
	}
	if cfg.CheckpointPeriod > 0 {
		workerpool.Go(&t.wg, t.logger, "checkpointer", t.checkpointerLoop)
	}
	return t
}

// OpLock read-locks the multi-operation lock. Operations that pin several
// pairs hold it so that a checkpoint never begins between their pins. The
// returned function releases it.
func (t *Table) OpLock() func() {
	t.opMu.RLock()
	return t.opMu.RUnlock
}

// SetSizeLimit changes the eviction budget.
func (t *Table) SetSizeLimit(limit int64) {
	t.mu.Lock()
	t.limit = limit
	t.mu.Unlock()
	t.wakeEvictor()
}

// Stats returns a snapshot of the table.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Size = t.size
	s.SizeLimit = t.limit
	s.Admitted = t.ctrl.MemoryUsage()
	s.Pairs = t.clock.Len()
	for p := range t.clock.all() {
		if p.dirty {
			s.Dirty++
		}
	}
	return s
}

// Close closes every open file without unlinking, stops the background
// workers and waits for them.
func (t *Table) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	var open []*File
	for _, f := range t.files {
		if !f.closed {
			open = append(open, f)
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, f := range open {
		if err := t.CloseFile(ctx, f, false); err != nil {
			errs = append(errs, err)
		}
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()
	t.cloneWG.Wait()
	t.pool.Close()

	t.mu.Lock()
	for p := range t.clock.all() {
		t.removeLocked(p)
	}
	t.files = nil
	t.mu.Unlock()
	return errors.Join(errs...)
}
