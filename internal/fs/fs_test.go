package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	// Test MkdirAll
	dir := filepath.Join(tmp, "subdir")
	assert.NoError(t, lfs.MkdirAll(dir, 0755))

	// Test OpenFile (Create)
	fpath := filepath.Join(dir, "test.txt")
	f, err := lfs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)

	// Write
	_, err = f.Write([]byte("hello"))
	assert.NoError(t, err)

	// Sync
	assert.NoError(t, f.Sync())

	// Stat via File
	info, err := f.Stat()
	assert.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())

	assert.NoError(t, f.Close())

	// Stat via FS
	info2, err := lfs.Stat(fpath)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), info2.Size())

	// ReadDir
	entries, err := lfs.ReadDir(dir)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)

	// Rename
	newPath := filepath.Join(dir, "renamed.txt")
	assert.NoError(t, lfs.Rename(fpath, newPath))

	// Truncate
	assert.NoError(t, lfs.Truncate(newPath, 3))
	info3, err := lfs.Stat(newPath)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), info3.Size())

	// Remove
	assert.NoError(t, lfs.Remove(newPath))
	_, err = lfs.Stat(newPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFaultyFS_GlobalLimit(t *testing.T) {
	ffs := NewFaultyFS(LocalFS{})
	ffs.SetLimit(5)

	fpath := filepath.Join(t.TempDir(), "faulty.dat")
	f, err := ffs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.WriteAt([]byte("hello"), 512)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = f.Write([]byte("!"))
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(5), ffs.Written())

	ffs.ClearRules()
	_, err = f.Write([]byte("!"))
	assert.NoError(t, err)
}

func TestFaultyFS_RulesApplyToOpenFiles(t *testing.T) {
	ffs := NewFaultyFS(nil)
	dir := t.TempDir()

	f, err := ffs.OpenFile(filepath.Join(dir, "c1.ft"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("block"), 0)
	require.NoError(t, err)

	boom := errors.New("disk on fire")
	ffs.AddRule("c1.ft", Fault{FailAfterBytes: -1, FailOnRead: true, FailOnSync: true, Err: boom})

	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 0)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, f.Sync(), boom)

	other, err := ffs.OpenFile(filepath.Join(dir, "c2.ft"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	assert.NoError(t, other.Sync())
	require.NoError(t, other.Close())

	ffs.AddRule("c1.ft", Fault{FailAfterBytes: -1, FailOnClose: true})
	assert.ErrorIs(t, f.Close(), ErrInjected)
}

func TestLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.ft")
	f1, err := Default.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f1.Close()
	f2, err := NewFaultyFS(nil).OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f2.Close()

	unlock, err := Lock(f1)
	require.NoError(t, err)

	_, err = Lock(f2)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, unlock())
	unlock2, err := Lock(f2)
	require.NoError(t, err)
	require.NoError(t, unlock2())
}

func TestFaultyFS_Delegation(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(LocalFS{})

	dir := filepath.Join(tmp, "subdir")
	assert.NoError(t, ffs.MkdirAll(dir, 0755))

	fpath := filepath.Join(dir, "test.txt")
	f, err := ffs.OpenFile(fpath, os.O_CREATE, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.NoError(t, ffs.Truncate(fpath, 10))

	assert.NoError(t, ffs.Rename(fpath, fpath+".renamed"))
	_, err = ffs.Stat(fpath + ".renamed")
	assert.NoError(t, err)

	entries, err := ffs.ReadDir(dir)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.NoError(t, ffs.Remove(fpath+".renamed"))
}
