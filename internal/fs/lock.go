package fs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Lock when another process holds the file.
var ErrLocked = errors.New("fs: file is locked by another process")

type fdFile interface {
	Fd() uintptr
}

// Lock takes an exclusive advisory lock on f without blocking. Files that
// expose no descriptor are not locked. The returned function releases the
// lock.
func Lock(f File) (func() error, error) {
	fd, ok := f.(fdFile)
	if !ok {
		return func() error { return nil }, nil
	}
	if err := unix.Flock(int(fd.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("fs: flock: %w", err)
	}
	return func() error {
		return unix.Flock(int(fd.Fd()), unix.LOCK_UN)
	}, nil
}
