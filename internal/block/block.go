package block

import (
	"context"
	"errors"
	"fmt"
)

// Num identifies a block independent of where it is stored.
type Num uint64

// NumNull is never allocated.
const NumNull Num = 0

// Location is an extent on a device.
type Location struct {
	Offset int64
	Size   int64
}

// IsZero reports whether l is unset.
func (l Location) IsZero() bool { return l.Size == 0 }

func (l Location) String() string {
	return fmt.Sprintf("[%d+%d]", l.Offset, l.Size)
}

var (
	// ErrNoHeader is returned by ReadHeader on a device that was never
	// checkpointed.
	ErrNoHeader = errors.New("block: no header")
	// ErrBadHeader is returned when no header slot passes verification.
	ErrBadHeader = errors.New("block: header corrupt")
	// ErrBadTranslation is returned when a serialized translation is invalid.
	ErrBadTranslation = errors.New("block: translation corrupt")
	// ErrNotAllocated is returned when freeing an unknown extent.
	ErrNotAllocated = errors.New("block: extent not allocated")
	// ErrOverlap is returned when an extent overlaps an allocated one.
	ErrOverlap = errors.New("block: extent overlaps")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("block: device closed")
)

// Device stores block bytes and a small header.
type Device interface {
	// ReadBlock returns n bytes starting off bytes into the block at loc.
	// n < 0 reads to the end of the block.
	ReadBlock(ctx context.Context, loc Location, off, n int64) ([]byte, error)
	// WriteBlock stores data at loc. len(data) <= loc.Size.
	WriteBlock(ctx context.Context, loc Location, data []byte) error
	// Discard releases storage of a location no translation references.
	Discard(ctx context.Context, loc Location) error
	// ReadHeader returns the newest durable header, or ErrNoHeader.
	ReadHeader(ctx context.Context) ([]byte, error)
	// WriteHeader durably replaces the header.
	WriteHeader(ctx context.Context, data []byte) error
	// Sync makes previous block writes durable.
	Sync(ctx context.Context) error
	// Reserved is the number of leading bytes the allocator must skip.
	Reserved() int64
	Close() error
}
