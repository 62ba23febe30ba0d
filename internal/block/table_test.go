package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_ReallocateFreesOldLocation(t *testing.T) {
	tbl := NewTable(0)
	n := tbl.AllocateNum()
	_, ok := tbl.Get(n)
	assert.False(t, ok, "no location before the first write")

	l1, ok := tbl.Reallocate(n, 100, false)
	require.True(t, ok)
	l2, ok := tbl.Reallocate(n, 100, false)
	require.True(t, ok)
	assert.NotEqual(t, l1, l2)

	got, ok := tbl.Get(n)
	require.True(t, ok)
	assert.Equal(t, l2, got)
	assert.Equal(t, []Location{l1}, tbl.Discarded())
}

func TestTable_CheckpointKeepsReferencedBlocks(t *testing.T) {
	tbl := NewTable(0)
	n := tbl.AllocateNum()
	l1, _ := tbl.Reallocate(n, 100, false)

	tbl.BeginCheckpoint()
	_, tl1 := tbl.InProgress()
	tbl.EndCheckpoint()
	tbl.Discarded()

	// l1 belongs to the checkpoint; rewriting n must not release it.
	l2, _ := tbl.Reallocate(n, 100, false)
	assert.Empty(t, tbl.Discarded())

	// A checkpoint write during the next checkpoint replaces it.
	tbl.BeginCheckpoint()
	l3, ok := tbl.Reallocate(n, 100, true)
	require.True(t, ok)
	assert.ElementsMatch(t, []Location{l2}, tbl.Discarded())
	_, tl2 := tbl.InProgress()
	assert.Empty(t, tbl.Discarded(), "old checkpoint still referenced until it ends")
	tbl.EndCheckpoint()
	assert.ElementsMatch(t, []Location{l1, tl1}, tbl.Discarded())

	got, _ := tbl.Get(n)
	assert.Equal(t, l3, got)
	assert.NotEqual(t, tl1, tl2)
}

func TestTable_FreedNumbersReusedAfterCheckpoint(t *testing.T) {
	tbl := NewTable(0)
	a := tbl.AllocateNum()
	b := tbl.AllocateNum()
	tbl.Reallocate(a, 10, false)
	tbl.Reallocate(b, 10, false)

	tbl.BeginCheckpoint()
	tbl.InProgress()
	tbl.EndCheckpoint()

	tbl.FreeNum(a)
	c := tbl.AllocateNum()
	assert.NotEqual(t, a, c, "a is still referenced by the checkpoint")

	tbl.BeginCheckpoint()
	tbl.InProgress()
	tbl.EndCheckpoint()
	assert.Equal(t, a, tbl.AllocateNum())
}

func TestTable_WriteOfFreedNumberOutsideCheckpoint(t *testing.T) {
	tbl := NewTable(0)
	n := tbl.AllocateNum()
	tbl.FreeNum(n)
	_, ok := tbl.Reallocate(n, 10, false)
	assert.False(t, ok)
	assert.Zero(t, tbl.Stats().InUseBytes)
}

func TestTable_LoadRoundTrip(t *testing.T) {
	tbl := NewTable(8192)
	var nums []Num
	for range 5 {
		n := tbl.AllocateNum()
		tbl.Reallocate(n, 700, false)
		nums = append(nums, n)
	}
	tbl.FreeNum(nums[2])

	tbl.BeginCheckpoint()
	data, loc := tbl.InProgress()
	tbl.EndCheckpoint()
	tbl.Release(tbl.Discarded())

	loaded, err := LoadTable(data, loc, 8192)
	require.NoError(t, err)
	for _, n := range nums {
		want, wok := tbl.Get(n)
		got, gok := loaded.Get(n)
		assert.Equal(t, wok, gok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, nums[2], loaded.AllocateNum())
	assert.Equal(t, tbl.Stats().InUseBytes, loaded.Stats().InUseBytes)

	data[len(data)-1] ^= 0xff
	_, err = LoadTable(data, loc, 8192)
	assert.ErrorIs(t, err, ErrBadTranslation)
}

func TestTable_DiscardedStayAllocatedUntilReleased(t *testing.T) {
	tbl := NewTable(0)
	n := tbl.AllocateNum()
	l1, _ := tbl.Reallocate(n, 100, false)
	l2, _ := tbl.Reallocate(n, 100, false)

	d := tbl.Discarded()
	require.Equal(t, []Location{l1}, d)

	// l1 is not reused before it is released.
	m := tbl.AllocateNum()
	l3, _ := tbl.Reallocate(m, 100, false)
	assert.NotEqual(t, l1.Offset, l3.Offset)
	assert.NotEqual(t, l2.Offset, l3.Offset)

	tbl.Release(d)
	l4, _ := tbl.Reallocate(m, 100, false)
	assert.Equal(t, l1.Offset, l4.Offset)
}

func TestTable_AbortCheckpoint(t *testing.T) {
	tbl := NewTable(0)
	n := tbl.AllocateNum()
	tbl.Reallocate(n, 10, false)
	tbl.Discarded()

	tbl.BeginCheckpoint()
	l2, _ := tbl.Reallocate(n, 10, true)
	_, tl := tbl.InProgress()
	tbl.AbortCheckpoint()

	got, _ := tbl.Get(n)
	assert.Equal(t, l2, got)
	assert.Contains(t, tbl.Discarded(), tl)
}
