package testutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_SortsNumerically(t *testing.T) {
	assert.Equal(t, "key-0000000042", string(Key(42)))
	assert.Negative(t, bytes.Compare(Key(9), Key(10)))
	assert.Len(t, Keys(5), 5)
}

func TestRandomKeys(t *testing.T) {
	rng := NewRNG(4711)

	keys := rng.RandomKeys(500, 4)

	require.Len(t, keys, 500)
	seen := make(map[string]struct{})
	for _, k := range keys {
		assert.Len(t, k, 4)
		seen[string(k)] = struct{}{}
	}
	assert.Len(t, seen, 500)
}

func TestValues(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.Values(8, 32)

	assert.Len(t, v, 8)
	assert.Len(t, v[0], 32)
	assert.Equal(t, 32, cap(v[0]))
}

func TestReset(t *testing.T) {
	rng := NewRNG(4711)
	v1 := rng.Values(1, 10)

	rng.Reset()
	v2 := rng.Values(1, 10)

	assert.Equal(t, v1, v2)
}

func TestShuffle_KeepsInput(t *testing.T) {
	rng := NewRNG(1)
	keys := Keys(50)

	shuffled := rng.Shuffle(keys)

	assert.ElementsMatch(t, keys, shuffled)
	assert.Equal(t, Key(0), keys[0])
}

func TestZipfIndexes(t *testing.T) {
	rng := NewRNG(42)

	idx := rng.ZipfIndexes(10000, 100, 1.5)

	hot := 0
	for _, i := range idx {
		assert.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, 100)
		if i < 20 {
			hot++
		}
	}
	// The hottest 20% of keys take most of the picks.
	assert.Greater(t, float64(hot)/float64(len(idx)), 0.7)
}

func TestModel(t *testing.T) {
	m := NewModel()
	m.Put([]byte("b"), []byte("2"))
	m.Put([]byte("a"), []byte("1"))
	m.PutIfAbsent([]byte("a"), []byte("x"))
	m.Delete([]byte("b"))

	v, ok := m.Get([]byte("a"))
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	_, ok = m.Get([]byte("b"))
	assert.False(t, ok)
	assert.Equal(t, [][]byte{[]byte("a")}, m.Keys())
	assert.Equal(t, 1, m.Len())
}
