package block

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hupe1980/fractal/blobstore"
	"github.com/hupe1980/fractal/codec"
	"github.com/hupe1980/fractal/internal/hash"
)

// CurrentName is the blob holding the name of the newest header.
const CurrentName = "CURRENT"

// blobHeader is the document stored per header generation.
type blobHeader struct {
	Generation uint64 `json:"generation"`
	Codec      string `json:"codec"`
	Checksum   uint32 `json:"crc32c"`
	Payload    []byte `json:"payload"`
}

// BlobDevice stores every block version as its own blob. Headers are
// documents written with a codec; CURRENT names the newest one, so a
// DynamoDB-backed store can make the switch atomic across writers.
type BlobDevice struct {
	store  blobstore.BlobStore
	prefix string
	codec  codec.Codec

	mu      sync.Mutex
	gen     uint64
	current string
}

// NewBlobDevice opens a device under prefix in store. c encodes new headers;
// nil selects codec.Default.
func NewBlobDevice(ctx context.Context, store blobstore.BlobStore, prefix string, c codec.Codec) (*BlobDevice, error) {
	if c == nil {
		c = codec.Default
	}
	d := &BlobDevice{store: store, prefix: prefix, codec: c}
	h, name, err := d.loadHeader(ctx)
	switch {
	case err == nil:
		d.gen, d.current = h.Generation, name
	case !errors.Is(err, ErrNoHeader):
		return nil, err
	}
	return d, nil
}

func (d *BlobDevice) blockName(loc Location) string {
	return fmt.Sprintf("%sblocks/%016x", d.prefix, loc.Offset)
}

// Reserved implements Device.
func (d *BlobDevice) Reserved() int64 { return 0 }

// ReadBlock implements Device.
func (d *BlobDevice) ReadBlock(ctx context.Context, loc Location, off, n int64) ([]byte, error) {
	if n < 0 {
		n = loc.Size - off
	}
	if off < 0 || off+n > loc.Size {
		return nil, fmt.Errorf("block: read [%d+%d] outside %s", off, n, loc)
	}
	b, err := d.store.Open(ctx, d.blockName(loc))
	if err != nil {
		return nil, err
	}
	defer b.Close()
	buf := make([]byte, n)
	if _, err := b.ReadAt(ctx, buf, off); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("block: short read at %s: %w", loc, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return buf, nil
}

// WriteBlock implements Device.
func (d *BlobDevice) WriteBlock(ctx context.Context, loc Location, data []byte) error {
	return d.store.Put(ctx, d.blockName(loc), data)
}

// Discard implements Device by deleting the block's blob.
func (d *BlobDevice) Discard(ctx context.Context, loc Location) error {
	return d.store.Delete(ctx, d.blockName(loc))
}

// Sync implements Device. Blob puts are durable when they return.
func (d *BlobDevice) Sync(context.Context) error { return nil }

// ReadHeader implements Device.
func (d *BlobDevice) ReadHeader(ctx context.Context) ([]byte, error) {
	h, _, err := d.loadHeader(ctx)
	if err != nil {
		return nil, err
	}
	return h.Payload, nil
}

// WriteHeader stores a new header generation, then points CURRENT at it and
// deletes the previous generation.
func (d *BlobDevice) WriteHeader(ctx context.Context, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := blobHeader{
		Generation: d.gen + 1,
		Codec:      d.codec.Name(),
		Checksum:   hash.CRC32C(data),
		Payload:    data,
	}
	doc, err := d.codec.Marshal(h)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%sheaders/%020d.%s", d.prefix, h.Generation, d.codec.Name())
	if err := d.store.Put(ctx, name, doc); err != nil {
		return err
	}
	if err := d.store.Put(ctx, d.prefix+CurrentName, []byte(name)); err != nil {
		return err
	}
	prev := d.current
	d.gen, d.current = h.Generation, name
	if prev != "" {
		_ = d.store.Delete(ctx, prev)
	}
	return nil
}

func (d *BlobDevice) loadHeader(ctx context.Context) (blobHeader, string, error) {
	var h blobHeader
	cur, err := blobstore.ReadAll(ctx, d.store, d.prefix+CurrentName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return h, "", ErrNoHeader
		}
		return h, "", err
	}
	name := string(cur)
	doc, err := blobstore.ReadAll(ctx, d.store, name)
	if err != nil {
		return h, "", fmt.Errorf("%w: %s: %w", ErrBadHeader, name, err)
	}
	c, ok := codec.ByName(name[strings.LastIndexByte(name, '.')+1:])
	if !ok {
		return h, "", fmt.Errorf("%w: %s: unknown codec", ErrBadHeader, name)
	}
	if err := c.Unmarshal(doc, &h); err != nil {
		return h, "", fmt.Errorf("%w: %s: %w", ErrBadHeader, name, err)
	}
	if !hash.Verify(h.Payload, h.Checksum) {
		return h, "", fmt.Errorf("%w: %s: checksum mismatch", ErrBadHeader, name)
	}
	return h, name, nil
}

// Close implements Device.
func (d *BlobDevice) Close() error { return nil }
