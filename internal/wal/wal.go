package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hupe1980/fractal/internal/fs"
)

// Durability controls the durability guarantees of the log.
type Durability int

const (
	// DurabilityAsync relies on the OS page cache. Fast but risky.
	DurabilityAsync Durability = iota
	// DurabilitySync waits for fsync after every append. Concurrent
	// appends share one fsync.
	DurabilitySync
)

const (
	walMagic      = "FRCTWAL1" // 8 bytes
	walVersion    = 1          // 4 bytes
	walHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("wal: incompatible version")
	ErrInvalidHeader       = errors.New("wal: invalid header")
)

type Options struct {
	Durability Durability
	Logger     *slog.Logger
}

func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// Checkpoint is a completed checkpoint found in the log.
type Checkpoint struct {
	BeginLSN uint64
	EndLSN   uint64
}

// WAL is the checkpoint log. It records checkpoint boundaries and the
// containers opened in an environment.
type WAL struct {
	mu     sync.Mutex
	fs     fs.FileSystem
	file   fs.File
	cw     *countingWriter
	path   string
	opts   Options
	logger *slog.Logger

	nextLSN    uint64
	last       Checkpoint
	hasLast    bool
	containers map[string]uint64
	txnLimit   uint64

	// Group commit state
	syncedOffset int64      // Offset known to be fsync'd
	syncCond     *sync.Cond // Signals the syncer that there is data to sync
	doneCond     *sync.Cond // Signals waiters that a sync completed
	closed       bool
	lastErr      error // Terminal error encountered by background syncer
	wg           sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error {
	return cw.w.Flush()
}

// Open opens or creates the log at path. Records are replayed to restore
// the next LSN, the last completed checkpoint and the container ids. A torn
// tail left by a crash is truncated.
func Open(fsys fs.FileSystem, path string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w := &WAL{
		fs:         fsys,
		path:       path,
		opts:       opts,
		logger:     logger,
		nextLSN:    1,
		containers: make(map[string]uint64),
	}

	offset, err := w.recover()
	if err != nil {
		return nil, err
	}

	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if offset == 0 {
		header := make([]byte, walHeaderSize)
		copy(header[0:8], walMagic)
		binary.LittleEndian.PutUint32(header[8:12], uint32(walVersion))
		if _, err := f.Write(header); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		offset = walHeaderSize
	}

	w.file = f
	w.cw = &countingWriter{w: bufio.NewWriter(f), n: offset}
	w.syncedOffset = offset
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}
	return w, nil
}

// recover replays an existing log and returns the offset after its last
// valid record, or 0 when there is no log yet.
func (w *WAL) recover() (int64, error) {
	st, err := w.fs.Stat(w.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && st.Size() == 0) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if st.Size() < walHeaderSize {
		return 0, fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, st.Size(), walHeaderSize)
	}

	r, err := w.reader()
	if err != nil {
		return 0, err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			w.logger.Warn("wal: truncating torn tail", "offset", r.Offset(), "size", st.Size(), "error", err)
			break
		}
		w.observe(rec)
	}
	if r.Offset() < st.Size() {
		if err := w.fs.Truncate(w.path, r.Offset()); err != nil {
			return 0, err
		}
	}
	return r.Offset(), nil
}

// observe folds a replayed or appended record into the in-memory state.
func (w *WAL) observe(rec *Record) {
	w.nextLSN = max(w.nextLSN, rec.LSN+1)
	switch rec.Type {
	case RecordEndCheckpoint:
		w.last = Checkpoint{BeginLSN: rec.BeginLSN, EndLSN: rec.LSN}
		w.hasLast = true
	case RecordOpenContainer:
		w.containers[rec.Name] = rec.ID
	case RecordReserveTxns:
		w.txnLimit = max(w.txnLimit, rec.TxnLimit)
	}
}

// Size returns the current size of the log in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cw.n
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.cw.n <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed && w.cw.n <= w.syncedOffset {
			return
		}

		target := w.cw.n

		w.mu.Unlock()
		err := w.file.Sync()
		w.mu.Lock()

		if err != nil {
			w.lastErr = fmt.Errorf("wal sync failed: %w", err)
			w.doneCond.Broadcast()
			return
		}
		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

// Append assigns rec the next LSN and writes it, respecting the configured
// durability mode.
func (w *WAL) Append(rec *Record) error {
	offset, err := w.AppendAsync(rec)
	if err != nil {
		return err
	}
	if w.opts.Durability == DurabilitySync {
		return w.WaitFor(offset)
	}
	return nil
}

// AppendAsync writes rec to the log buffer but does not wait for sync.
// It returns the file offset of the end of the record.
func (w *WAL) AppendAsync(rec *Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if w.lastErr != nil {
		return 0, w.lastErr
	}

	rec.LSN = w.nextLSN
	if err := rec.Encode(w.cw); err != nil {
		return 0, err
	}
	if err := w.cw.Flush(); err != nil {
		return 0, err
	}
	w.observe(rec)

	endOffset := w.cw.n
	if w.opts.Durability == DurabilitySync {
		w.syncCond.Signal()
	}
	return endOffset, nil
}

// WaitFor waits until the log is synced up to the given offset.
func (w *WAL) WaitFor(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.syncedOffset < offset && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.closed && w.syncedOffset < offset {
		return os.ErrClosed
	}
	return nil
}

// Sync ensures all buffered writes are committed to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if err := w.cw.Flush(); err != nil {
		return err
	}
	if w.opts.Durability == DurabilityAsync {
		return w.file.Sync()
	}

	target := w.cw.n
	w.syncCond.Signal()
	for w.syncedOffset < target && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// LogBeginCheckpoint appends a begin-checkpoint record and returns its LSN.
func (w *WAL) LogBeginCheckpoint(context.Context) (uint64, error) {
	rec := &Record{Type: RecordBeginCheckpoint}
	if err := w.Append(rec); err != nil {
		return 0, err
	}
	return rec.LSN, nil
}

// LogEndCheckpoint appends the end-checkpoint record for begin and syncs
// it even in async mode.
func (w *WAL) LogEndCheckpoint(_ context.Context, begin uint64) error {
	if err := w.Append(&Record{Type: RecordEndCheckpoint, BeginLSN: begin}); err != nil {
		return err
	}
	if w.opts.Durability == DurabilityAsync {
		return w.Sync()
	}
	return nil
}

// OpenContainer returns the id recorded for name, logging a new one when
// the name has not been seen.
func (w *WAL) OpenContainer(_ context.Context, name string) (uint64, error) {
	w.mu.Lock()
	id, ok := w.containers[name]
	if !ok {
		for _, used := range w.containers {
			id = max(id, used)
		}
		id++
	}
	w.mu.Unlock()
	if ok {
		return id, nil
	}
	// Concurrent opens of one name are serialized by the caller.
	return id, w.Append(&Record{Type: RecordOpenContainer, ID: id, Name: name})
}

// ReserveTxns durably records that transaction ids below limit may have
// been handed out.
func (w *WAL) ReserveTxns(_ context.Context, limit uint64) error {
	if err := w.Append(&Record{Type: RecordReserveTxns, TxnLimit: limit}); err != nil {
		return err
	}
	if w.opts.Durability == DurabilityAsync {
		return w.Sync()
	}
	return nil
}

// TxnLimit returns the highest reserved transaction id bound.
func (w *WAL) TxnLimit() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.txnLimit
}

// LastCheckpoint returns the last completed checkpoint.
func (w *WAL) LastCheckpoint() (Checkpoint, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.hasLast
}

// Close closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	if err := w.cw.Flush(); err != nil {
		w.mu.Unlock()
		w.file.Close()
		return err
	}

	w.closed = true
	w.syncCond.Signal()
	w.mu.Unlock()

	w.wg.Wait()
	if w.opts.Durability == DurabilityAsync {
		if err := w.file.Sync(); err != nil {
			w.file.Close()
			return err
		}
	}
	return w.file.Close()
}

// Reader returns a reader for replaying the log.
// The caller is responsible for closing it.
func (w *WAL) Reader() (*Reader, error) {
	return w.reader()
}

func (w *WAL) reader() (*Reader, error) {
	f, err := w.fs.OpenFile(w.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	header := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if string(header[0:8]) != walMagic {
		f.Close()
		return nil, fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
		f.Close()
		return nil, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
	}
	return &Reader{f: f, r: bufio.NewReader(f), offset: walHeaderSize}, nil
}

// Reader iterates over log records.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	offset int64
}

// Next reads the next record. Returns io.EOF when done.
func (r *Reader) Next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err == nil {
		r.offset += n
	}
	return rec, err
}

// Offset returns the offset after the last valid record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.f.Close()
}
