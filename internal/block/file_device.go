package block

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/fractal/internal/fs"
	"github.com/hupe1980/fractal/internal/hash"
)

// HeaderSlotSize is the size of each of the two header slots at the start of
// a container file.
const HeaderSlotSize = 4096

var headerMagic = [8]byte{'F', 'R', 'C', 'T', 'H', 'E', 'A', 'D'}

// headerOverhead is magic, generation, payload length and checksum.
const headerOverhead = 8 + 8 + 4 + 4

// FileDevice stores blocks in a single file. Headers alternate between two
// slots so a torn header write leaves the previous one intact.
type FileDevice struct {
	mu     sync.Mutex
	f      fs.File
	unlock func() error
	gen    uint64
	closed bool
}

// OpenFileDevice opens or creates the container file at path and locks it.
func OpenFileDevice(fsys fs.FileSystem, path string) (*FileDevice, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	unlock, err := fs.Lock(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d := &FileDevice{f: f, unlock: unlock}
	if _, gen, err := d.readNewestSlot(); err == nil {
		d.gen = gen
	}
	return d, nil
}

// Reserved implements Device.
func (d *FileDevice) Reserved() int64 { return 2 * HeaderSlotSize }

// ReadBlock implements Device.
func (d *FileDevice) ReadBlock(_ context.Context, loc Location, off, n int64) ([]byte, error) {
	if n < 0 {
		n = loc.Size - off
	}
	if off < 0 || off+n > loc.Size {
		return nil, fmt.Errorf("block: read [%d+%d] outside %s", off, n, loc)
	}
	buf := make([]byte, n)
	if _, err := d.f.ReadAt(buf, loc.Offset+off); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("block: short read at %s: %w", loc, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return buf, nil
}

// WriteBlock implements Device.
func (d *FileDevice) WriteBlock(_ context.Context, loc Location, data []byte) error {
	if int64(len(data)) > loc.Size {
		return fmt.Errorf("block: %d bytes do not fit %s", len(data), loc)
	}
	_, err := d.f.WriteAt(data, loc.Offset)
	return err
}

// Discard implements Device. Freed file space is reused by the allocator.
func (d *FileDevice) Discard(context.Context, Location) error { return nil }

// Sync implements Device.
func (d *FileDevice) Sync(context.Context) error { return d.f.Sync() }

// ReadHeader implements Device.
func (d *FileDevice) ReadHeader(context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload, _, err := d.readNewestSlot()
	return payload, err
}

// WriteHeader implements Device. Blocks written before are synced first so
// the header never points at data that is not durable.
func (d *FileDevice) WriteHeader(_ context.Context, data []byte) error {
	if len(data) > HeaderSlotSize-headerOverhead {
		return fmt.Errorf("block: header of %d bytes exceeds slot", len(data))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.f.Sync(); err != nil {
		return err
	}
	gen := d.gen + 1
	slot := make([]byte, 0, headerOverhead+len(data))
	slot = append(slot, headerMagic[:]...)
	slot = binary.LittleEndian.AppendUint64(slot, gen)
	slot = binary.LittleEndian.AppendUint32(slot, uint32(len(data)))
	slot = append(slot, data...)
	slot = hash.AppendChecksum(slot, slot)
	if _, err := d.f.WriteAt(slot, int64(gen%2)*HeaderSlotSize); err != nil {
		return err
	}
	if err := d.f.Sync(); err != nil {
		return err
	}
	d.gen = gen
	return nil
}

func (d *FileDevice) readNewestSlot() ([]byte, uint64, error) {
	var (
		best    []byte
		bestGen uint64
		seen    bool
	)
	for i := range 2 {
		buf := make([]byte, HeaderSlotSize)
		n, err := d.f.ReadAt(buf, int64(i)*HeaderSlotSize)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, 0, err
		}
		payload, gen, ok := parseSlot(buf[:n])
		if n >= 8 && [8]byte(buf[:8]) == headerMagic {
			seen = true
		}
		if ok && (best == nil || gen > bestGen) {
			best, bestGen = payload, gen
		}
	}
	switch {
	case best != nil:
		return best, bestGen, nil
	case seen:
		return nil, 0, ErrBadHeader
	default:
		return nil, 0, ErrNoHeader
	}
}

func parseSlot(b []byte) ([]byte, uint64, bool) {
	if len(b) < headerOverhead || [8]byte(b[:8]) != headerMagic {
		return nil, 0, false
	}
	gen := binary.LittleEndian.Uint64(b[8:])
	n := int(binary.LittleEndian.Uint32(b[16:]))
	if 20+n+4 > len(b) {
		return nil, 0, false
	}
	if !hash.Verify(b[:20+n], binary.LittleEndian.Uint32(b[20+n:])) {
		return nil, 0, false
	}
	return b[20 : 20+n], gen, true
}

// Close releases the lock and closes the file.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return errors.Join(d.unlock(), d.f.Close())
}
