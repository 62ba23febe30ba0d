package blobstore

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/fractal/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store BlobStore) {
	t.Helper()
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, "blocks/0000000000002000", []byte("hello world")))
	require.NoError(t, store.Put(ctx, "blocks/0000000000004000", []byte("second")))
	require.NoError(t, store.Put(ctx, "CURRENT", []byte("headers/1.json")))

	blob, err := store.Open(ctx, "blocks/0000000000002000")
	require.NoError(t, err)
	assert.Equal(t, int64(11), blob.Size())

	buf := make([]byte, 5)
	n, err := blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))

	n, err = blob.ReadAt(ctx, buf, 8)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 3, n)
	require.NoError(t, blob.Close())

	names, err := store.List(ctx, "blocks/")
	require.NoError(t, err)
	assert.Equal(t, []string{"blocks/0000000000002000", "blocks/0000000000004000"}, names)

	data, err := ReadAll(ctx, store, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "headers/1.json", string(data))

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("headers/2.json")))
	data, err = ReadAll(ctx, store, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "headers/2.json", string(data))

	require.NoError(t, store.Delete(ctx, "blocks/0000000000002000"))
	require.NoError(t, store.Delete(ctx, "blocks/0000000000002000"))
	_, err = store.Open(ctx, "blocks/0000000000002000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	testStore(t, NewLocalStore(dir))

	_, err := os.Stat(filepath.Join(dir, "blocks", "0000000000004000"))
	assert.NoError(t, err)
}

func TestLocalStore_PutFailureKeepsOldContent(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	store := NewLocalStoreFS(ffs, dir)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("old")))
	ffs.AddRule("CURRENT.tmp", fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	assert.ErrorIs(t, store.Put(ctx, "CURRENT", []byte("new")), fs.ErrInjected)
	data, err := ReadAll(ctx, store, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}
