package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/fractal/blobstore"
	"github.com/hupe1980/fractal/codec"
	"github.com/hupe1980/fractal/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevice(t *testing.T, d Device) {
	t.Helper()
	ctx := t.Context()

	_, err := d.ReadHeader(ctx)
	assert.ErrorIs(t, err, ErrNoHeader)

	a := NewAllocator(d.Reserved())
	loc := Location{Offset: a.Allocate(11), Size: 11}
	require.NoError(t, d.WriteBlock(ctx, loc, []byte("hello world")))

	all, err := d.ReadBlock(ctx, loc, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(all))

	part, err := d.ReadBlock(ctx, loc, 6, 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(part))

	_, err = d.ReadBlock(ctx, loc, 6, 6)
	assert.Error(t, err)

	require.NoError(t, d.WriteHeader(ctx, []byte("gen-1")))
	require.NoError(t, d.WriteHeader(ctx, []byte("gen-2")))
	h, err := d.ReadHeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gen-2", string(h))

	require.NoError(t, d.Sync(ctx))
	require.NoError(t, d.Discard(ctx, loc))
}

func TestFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.ft")
	d, err := OpenFileDevice(nil, path)
	require.NoError(t, err)
	testDevice(t, d)

	_, err = OpenFileDevice(nil, path)
	assert.ErrorIs(t, err, fs.ErrLocked)
	require.NoError(t, d.Close())

	d, err = OpenFileDevice(nil, path)
	require.NoError(t, err)
	defer d.Close()
	h, err := d.ReadHeader(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "gen-2", string(h))

	require.NoError(t, d.WriteHeader(t.Context(), []byte("gen-3")))
	h, err = d.ReadHeader(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "gen-3", string(h))
}

func TestFileDevice_TornHeaderFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.ft")
	d, err := OpenFileDevice(nil, path)
	require.NoError(t, err)
	require.NoError(t, d.WriteHeader(t.Context(), []byte("gen-1")))
	require.NoError(t, d.WriteHeader(t.Context(), []byte("gen-2")))
	require.NoError(t, d.Close())

	// gen-2 lives in slot 0; damage its payload.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, 20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	d, err = OpenFileDevice(nil, path)
	require.NoError(t, err)
	defer d.Close()
	h, err := d.ReadHeader(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "gen-1", string(h))
}

func TestFileDevice_WriteFailure(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	d, err := OpenFileDevice(ffs, filepath.Join(t.TempDir(), "c.ft"))
	require.NoError(t, err)
	defer d.Close()

	ffs.AddRule("c.ft", fs.Fault{FailAfterBytes: 0})
	err = d.WriteBlock(t.Context(), Location{Offset: 8192, Size: 3}, []byte("abc"))
	assert.ErrorIs(t, err, fs.ErrInjected)
}

func TestBlobDevice(t *testing.T) {
	store := blobstore.NewMemoryStore()
	d, err := NewBlobDevice(t.Context(), store, "db/c1/", codec.JSON{})
	require.NoError(t, err)
	testDevice(t, d)

	names, err := store.List(t.Context(), "db/c1/headers/")
	require.NoError(t, err)
	assert.Equal(t, []string{"db/c1/headers/00000000000000000002.json"}, names, "older headers are deleted")

	blocks, err := store.List(t.Context(), "db/c1/blocks/")
	require.NoError(t, err)
	assert.Empty(t, blocks, "discarded blocks are deleted")

	// Reopen with a different codec; the old header is still readable.
	d2, err := NewBlobDevice(t.Context(), store, "db/c1/", codec.GoJSON{})
	require.NoError(t, err)
	require.NoError(t, d2.WriteHeader(t.Context(), []byte("gen-3")))
	h, err := d2.ReadHeader(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "gen-3", string(h))

	cur, err := blobstore.ReadAll(t.Context(), store, "db/c1/CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "db/c1/headers/00000000000000000003.go-json", string(cur))
}

func TestBlobDevice_CorruptHeader(t *testing.T) {
	store := blobstore.NewMemoryStore()
	require.NoError(t, store.Put(t.Context(), "CURRENT", []byte("headers/1.json")))
	require.NoError(t, store.Put(t.Context(), "headers/1.json", []byte(`{"generation":1,"crc32c":1,"payload":"AAAA"}`)))

	_, err := NewBlobDevice(t.Context(), store, "", nil)
	assert.ErrorIs(t, err, ErrBadHeader)
}
