package fractal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/fractal/internal/block"
	"github.com/hupe1980/fractal/internal/cachetable"
	"github.com/hupe1980/fractal/internal/fs"
	"github.com/hupe1980/fractal/internal/ft"
	"github.com/hupe1980/fractal/internal/wal"
)

const (
	lockFileName = "LOCK"
	walFileName  = "fractal.wal"
	treeFileExt  = ".ft"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Env is an open environment: one directory, one shared cache and one
// checkpoint log for any number of containers.
type Env struct {
	dir    string
	opts   options
	logger *Logger
	fs     fs.FileSystem

	lockFile fs.File
	unlock   func() error
	wal      *wal.WAL
	ct       *cachetable.Table
	txns     *txnManager
	locks    *lockTable

	mu         sync.Mutex
	containers map[string]*Container
	closed     bool
}

// Open opens the environment in dir, creating it if needed. Only one Env
// may have a directory open at a time; a second Open fails with ErrLocked.
func Open(ctx context.Context, dir string, optFns ...Option) (*Env, error) {
	opts := applyOptions(optFns)
	e, err := open(ctx, dir, opts)
	if err != nil {
		err = translateError(err)
		opts.logger.LogOpen(ctx, dir, opts.cache.SizeLimit, 0, err)
		return nil, err
	}
	var last uint64
	if cp, ok := e.wal.LastCheckpoint(); ok {
		last = cp.EndLSN
	}
	e.logger.LogOpen(ctx, dir, opts.cache.SizeLimit, last, nil)
	return e, nil
}

func open(_ context.Context, dir string, opts options) (_ *Env, err error) {
	e := &Env{
		dir:        dir,
		opts:       opts,
		logger:     opts.logger,
		fs:         opts.fs,
		locks:      newLockTable(),
		containers: make(map[string]*Container),
	}
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	e.lockFile, err = e.fs.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if e.unlock, err = fs.Lock(e.lockFile); err != nil {
		return nil, errors.Join(err, e.lockFile.Close())
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, e.unlock(), e.lockFile.Close())
		}
	}()

	e.wal, err = wal.Open(e.fs, filepath.Join(dir, walFileName), wal.Options{
		Durability: opts.durability,
		Logger:     e.logger.Logger,
	})
	if err != nil {
		return nil, err
	}
	e.txns = newTxnManager(e.wal.TxnLimit(), e.wal.ReserveTxns)

	cfg := opts.cache
	cfg.CheckpointLogger = e.wal
	cfg.Observer = observer{MetricsObserver: opts.metricsObserver, logger: e.logger}
	cfg.Logger = e.logger.Logger
	e.ct = cachetable.New(cfg)
	return e, nil
}

// Dir returns the environment directory.
func (e *Env) Dir() string { return e.dir }

func (e *Env) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// OpenContainer opens the container name, creating it if it does not
// exist. A container can be open once per Env; opening it again before
// Close fails with ErrContainerOpen.
func (e *Env) OpenContainer(ctx context.Context, name string, optFns ...ContainerOption) (*Container, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, ok := e.containers[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrContainerOpen, name)
	}

	c, err := e.openContainer(ctx, name, applyContainerOptions(e.opts.containerDefaults, optFns))
	e.logger.LogContainer(ctx, "open", name, err)
	if err != nil {
		return nil, translateError(err)
	}
	e.containers[name] = c
	return c, nil
}

func (e *Env) openContainer(ctx context.Context, name string, copts containerOptions) (*Container, error) {
	id, err := e.wal.OpenContainer(ctx, name)
	if err != nil {
		return nil, err
	}

	var dev block.Device
	if e.opts.blobStore != nil {
		dev, err = block.NewBlobDevice(ctx, e.opts.blobStore, name+"/", e.opts.codec)
	} else {
		dev, err = block.OpenFileDevice(e.fs, e.treePath(name))
	}
	if err != nil {
		return nil, err
	}

	c := &Container{
		env:    e,
		name:   name,
		id:     id,
		dev:    dev,
		logger: e.logger.WithContainer(name),
		hooks:  copts.hooks,
		sem:    semaphore.NewWeighted(maxOps),
	}
	cfg := copts.tree
	cfg.OldestReferenced = e.txns.oldestReferenced
	cfg.Logger = c.logger.Logger
	wrap := func(inner cachetable.Hooks) cachetable.Hooks {
		return containerHooks{Hooks: inner, c: c}
	}
	if c.tree, err = ft.Open(ctx, e.ct, name, dev, cfg, wrap); err != nil {
		return nil, errors.Join(err, dev.Close())
	}
	return c, nil
}

func (e *Env) treePath(name string) string {
	return filepath.Join(e.dir, name+treeFileExt)
}

// removeStorage deletes everything a container stored.
func (e *Env) removeStorage(ctx context.Context, name string) error {
	if e.opts.blobStore == nil {
		err := e.fs.Remove(e.treePath(name))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	names, err := e.opts.blobStore.List(ctx, name+"/")
	if err != nil {
		return err
	}
	// The pointer goes first so a crash mid-way leaves no half tree behind
	// a valid header.
	cur := name + "/" + block.CurrentName
	if err := e.opts.blobStore.Delete(ctx, cur); err != nil {
		return err
	}
	for _, n := range names {
		if n == cur {
			continue
		}
		if err := e.opts.blobStore.Delete(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (e *Env) forget(c *Container) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.containers[c.name] == c {
		delete(e.containers, c.name)
	}
}

// Checkpoint writes every dirty node and makes the current state of all
// open containers durable.
func (e *Env) Checkpoint(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	dirty := e.ct.Stats().Dirty
	start := time.Now()
	err := translateError(e.ct.Checkpoint(ctx))
	e.logger.LogCheckpoint(ctx, time.Since(start), dirty, err)
	return err
}

// Stats is a snapshot of an environment.
type Stats struct {
	CacheSize        int64
	CacheLimit       int64
	CacheAdmitted    int64 // bytes charged to the memory budget; differs from CacheSize only mid-admission
	Nodes            int64
	Dirty            int64
	Hits             int64
	Misses           int64
	Evictions        int64
	PartialEvictions int64
	Flushes          int64
	Checkpoints      int64
	LastCheckpoint   uint64 // LSN of the last completed checkpoint's end
	Containers       int
	ActiveTxns       int
}

// Stats returns a snapshot of the environment.
func (e *Env) Stats() Stats {
	cs := e.ct.Stats()
	s := Stats{
		CacheSize:        cs.Size,
		CacheLimit:       cs.SizeLimit,
		CacheAdmitted:    cs.Admitted,
		Nodes:            int64(cs.Pairs),
		Dirty:            int64(cs.Dirty),
		Hits:             cs.Hits,
		Misses:           cs.Misses,
		Evictions:        cs.Evictions,
		PartialEvictions: cs.PartialEvictions,
		Flushes:          cs.Flushes,
		Checkpoints:      cs.Checkpoints,
		ActiveTxns:       e.txns.active(),
	}
	if cp, ok := e.wal.LastCheckpoint(); ok {
		s.LastCheckpoint = cp.EndLSN
	}
	e.mu.Lock()
	s.Containers = len(e.containers)
	e.mu.Unlock()
	return s
}

// SetCacheSize changes the cache budget of a running environment.
func (e *Env) SetCacheSize(bytes int64) {
	e.ct.SetSizeLimit(bytes)
}

// Containers returns the names of the open containers, sorted.
func (e *Env) Containers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.containers))
	for name := range e.containers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// containerHooks runs a container's lifecycle callbacks after the tree's.
type containerHooks struct {
	cachetable.Hooks
	c *Container
}

func (h containerHooks) Checkpoint(ctx context.Context) error {
	if err := h.Hooks.Checkpoint(ctx); err != nil {
		return err
	}
	if h.c.hooks.OnCheckpoint != nil {
		h.c.hooks.OnCheckpoint(h.c.name)
	}
	return nil
}

func (h containerHooks) Close(ctx context.Context) error {
	if err := h.Hooks.Close(ctx); err != nil {
		return err
	}
	if h.c.hooks.OnClose != nil {
		h.c.hooks.OnClose(h.c.name)
	}
	return nil
}

func (h containerHooks) Free(ctx context.Context) error {
	if err := h.Hooks.Free(ctx); err != nil {
		return err
	}
	if err := h.c.env.removeStorage(ctx, h.c.name); err != nil {
		return err
	}
	if h.c.hooks.OnFree != nil {
		h.c.hooks.OnFree(h.c.name)
	}
	return nil
}

// observer forwards cache events to the metrics observer and logs
// evictions.
type observer struct {
	MetricsObserver
	logger *Logger
}

func (o observer) OnEviction(bytes int64, partial bool) {
	o.MetricsObserver.OnEviction(bytes, partial)
	o.logger.LogEviction(context.Background(), bytes, partial)
}
