package fractal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/hupe1980/fractal/internal/block"
	"github.com/hupe1980/fractal/internal/cachetable"
	ifs "github.com/hupe1980/fractal/internal/fs"
	"github.com/hupe1980/fractal/internal/ft"
	"github.com/hupe1980/fractal/internal/resource"
	"github.com/hupe1980/fractal/internal/wal"
	"github.com/hupe1980/fractal/internal/xids"
)

var (
	// ErrOutOfMemory is returned when the cache cannot admit a node within
	// its memory limit.
	ErrOutOfMemory = errors.New("fractal: out of memory")
	// ErrIO wraps failures of the underlying storage.
	ErrIO = errors.New("fractal: i/o error")
	// ErrCorrupt is returned when stored data fails validation.
	ErrCorrupt = errors.New("fractal: data corrupt")
	// ErrLockTimeout is returned when a row or container lock is not
	// granted in time.
	ErrLockTimeout = errors.New("fractal: lock timeout")
	// ErrClosed is returned when using a closed environment or container.
	ErrClosed = errors.New("fractal: closed")
	// ErrNotFound is returned when a key has no visible value.
	ErrNotFound = errors.New("fractal: not found")
	// ErrTxnFinished is returned when using a committed or aborted
	// transaction.
	ErrTxnFinished = errors.New("fractal: transaction finished")
	// ErrTxnActive is returned when a transaction with live children is
	// committed.
	ErrTxnActive = errors.New("fractal: transaction has active children")
	// ErrLocked is returned when another process holds the environment.
	ErrLocked = errors.New("fractal: environment locked")
	// ErrContainerOpen is returned when opening a container twice.
	ErrContainerOpen = errors.New("fractal: container already open")
	// ErrInvalidName is returned for container names that cannot be stored.
	ErrInvalidName = errors.New("fractal: invalid container name")
)

// ErrNestingTooDeep is returned by Begin when the parent chain exceeds the
// supported depth.
var ErrNestingTooDeep = xids.ErrTooDeep

// translateError maps internal errors onto the package sentinels, keeping
// the original in the chain.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, cachetable.ErrOutOfMemory), errors.Is(err, resource.ErrMemoryLimitExceeded):
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	case errors.Is(err, cachetable.ErrClosed), errors.Is(err, block.ErrClosed), errors.Is(err, os.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, ifs.ErrLocked):
		return fmt.Errorf("%w: %w", ErrLocked, err)
	}

	var ce *ft.CorruptError
	if errors.As(err, &ce) ||
		errors.Is(err, ft.ErrBadLayoutVersion) ||
		errors.Is(err, ft.ErrBadTreeHeader) ||
		errors.Is(err, block.ErrBadHeader) ||
		errors.Is(err, block.ErrBadTranslation) ||
		errors.Is(err, wal.ErrInvalidHeader) ||
		errors.Is(err, wal.ErrIncompatibleVersion) {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	var pe *fs.PathError
	if errors.As(err, &pe) {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	var se *os.SyscallError
	if errors.As(err, &se) {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if errors.Is(err, ifs.ErrInjected) {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return err
}
