package ft

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/hupe1980/fractal/internal/block"
	"github.com/hupe1980/fractal/internal/compress"
	"github.com/hupe1980/fractal/internal/hash"
	"github.com/hupe1980/fractal/internal/msg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLeaf(t *testing.T, entries int) *Node {
	t.Helper()
	n := NewLeaf(42)
	for i := range entries {
		m := insert(msg.MSN(i+1), fmt.Sprintf("key-%04d", i), fmt.Sprintf("value-%d", i))
		n.ApplyLeaf(&m, nil, 512)
	}
	require.Greater(t, n.N(), 1)
	return n
}

func assertLeafEntries(t *testing.T, n *Node, entries int) {
	t.Helper()
	for i := range entries {
		key := fmt.Sprintf("key-%04d", i)
		v, ok := read(t, n.Basement(n.ChildIndex([]byte(key))), key)
		require.True(t, ok, key)
		assert.Equal(t, fmt.Sprintf("value-%d", i), v)
	}
}

func TestCodec_LeafFull(t *testing.T) {
	for _, method := range []compress.Method{compress.None, compress.LZ4, compress.Zstd, compress.Snappy, compress.Zlib} {
		t.Run(method.String(), func(t *testing.T) {
			n := testLeaf(t, 64)
			data, err := Encode(n.Snapshot(false), method)
			require.NoError(t, err)

			got, err := Decode(data, FetchFull)
			require.NoError(t, err)
			assert.Equal(t, block.Num(42), got.Blocknum)
			assert.Equal(t, n.MaxMSN, got.MaxMSN)
			assert.Equal(t, n.Pivots, got.Pivots)
			assert.True(t, got.AllAvailable())
			assertLeafEntries(t, got, 64)
			for i := range got.N() {
				assert.Equal(t, n.Basement(i).MaxMSN, got.Basement(i).MaxMSN)
			}
		})
	}
}

func TestCodec_Compressed(t *testing.T) {
	n := testLeaf(t, 64)
	data, err := Encode(n.Snapshot(false), compress.LZ4)
	require.NoError(t, err)

	got, err := Decode(data, FetchCompressed)
	require.NoError(t, err)
	for i := range got.N() {
		assert.Equal(t, Compressed, got.State(i))
	}

	// A compressed node re-encodes to the same bytes.
	again, err := Encode(got.Snapshot(false), compress.Zstd)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	for i := range got.N() {
		require.NoError(t, got.expand(i))
	}
	assertLeafEntries(t, got, 64)
}

func TestCodec_HeaderOnly(t *testing.T) {
	n := testLeaf(t, 64)
	data, err := Encode(n.Snapshot(false), compress.LZ4)
	require.NoError(t, err)

	hdrLen, err := headerLen(data)
	require.NoError(t, err)
	got, err := Decode(data[:hdrLen], FetchHeader)
	require.NoError(t, err)
	assert.Equal(t, n.Pivots, got.Pivots)
	for i := range got.N() {
		assert.Equal(t, OnDisk, got.State(i))
	}

	// Partitions load individually from their directory entries.
	i := got.N() - 1
	p := got.parts[i]
	sub := data[hdrLen+int(p.disk.off) : hdrLen+int(p.disk.off)+int(p.disk.size)]
	require.NoError(t, got.loadPartition(i, sub))
	require.NoError(t, got.expand(i))
	assert.Equal(t, Available, got.State(i))
	assert.Equal(t, n.Basement(i).Len(), got.Basement(i).Len())

	_, err = Encode(got.Snapshot(false), compress.LZ4)
	assert.Error(t, err, "partitions still on disk cannot be encoded")
}

func TestCodec_Internal(t *testing.T) {
	n := internalNode(7, 8, 9)
	n.Blocknum = 3
	n.Enqueue(insert(1, "a", "x"))
	n.Enqueue(remove(2, "p1z"))
	n.Enqueue(msg.Message{Type: msg.CommitBroadcastAll, MSN: 3})

	data, err := Encode(n.Snapshot(false), compress.Snappy)
	require.NoError(t, err)
	got, err := Decode(data, FetchFull)
	require.NoError(t, err)

	assert.Equal(t, 1, got.Height)
	assert.Equal(t, msg.MSN(3), got.MaxMSN)
	require.Equal(t, 3, got.N())
	for i := range got.N() {
		assert.Equal(t, n.Child(i), got.Child(i))
		want, have := n.Buffer(i).Messages(), got.Buffer(i).Messages()
		require.Len(t, have, len(want))
		for j := range want {
			assert.Equal(t, want[j].Type, have[j].Type)
			assert.Equal(t, want[j].MSN, have[j].MSN)
			assert.Equal(t, string(want[j].Key), string(have[j].Key))
			assert.Equal(t, string(want[j].Value), string(have[j].Value))
		}
		assert.Equal(t, n.Buffer(i).Bytes(), got.Buffer(i).Bytes())
	}
}

func TestCodec_HeaderFields(t *testing.T) {
	n := internalNode(1<<33, 1<<34)
	n.Blocknum = 0x0102030405
	n.Height = 3
	require.True(t, n.Enqueue(insert(1<<40+1, "a", "x")))
	require.True(t, n.Enqueue(insert(1<<40+2, "z", "y")))

	data, err := Encode(n.Snapshot(false), compress.None)
	require.NoError(t, err)

	for _, mode := range []FetchMode{FetchFull, FetchCompressed, FetchHeader} {
		got, err := Decode(data, mode)
		require.NoError(t, err, mode)
		assert.Equal(t, block.Num(0x0102030405), got.Blocknum, mode)
		assert.Equal(t, msg.MSN(1<<40+2), got.MaxMSN, mode)
		assert.Equal(t, 3, got.Height, mode)
		assert.Equal(t, n.Pivots, got.Pivots, mode)
		require.Equal(t, 2, got.N(), mode)
		assert.Equal(t, block.Num(1<<33), got.Child(0), mode)
		assert.Equal(t, block.Num(1<<34), got.Child(1), mode)
	}
}

func TestCodec_Corruption(t *testing.T) {
	n := testLeaf(t, 32)
	data, err := Encode(n.Snapshot(false), compress.LZ4)
	require.NoError(t, err)
	hdrLen, err := headerLen(data)
	require.NoError(t, err)

	t.Run("partition", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[len(bad)-10] ^= 0xff
		_, err := Decode(bad, FetchFull)
		var ce *CorruptError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, block.Num(42), ce.Blocknum)

		// The header alone is still readable.
		_, err = Decode(bad[:hdrLen], FetchHeader)
		assert.NoError(t, err)
	})

	t.Run("header", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[fixedHeaderSize+1] ^= 0xff
		_, err := Decode(bad, FetchHeader)
		var ce *CorruptError
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("magic", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[0] = 'X'
		_, err := Decode(bad, FetchFull)
		var ce *CorruptError
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Decode(data[:len(data)-5], FetchFull)
		var ce *CorruptError
		assert.ErrorAs(t, err, &ce)
		_, err = Decode(data[:10], FetchHeader)
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("layout version", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		binary.LittleEndian.PutUint32(bad[12:16], LayoutVersion+1)
		binary.LittleEndian.PutUint32(bad[hdrLen-4:hdrLen], hash.CRC32C(bad[:hdrLen-4]))
		_, err := Decode(bad, FetchFull)
		assert.ErrorIs(t, err, ErrBadLayoutVersion)
	})
}

func TestCodec_PartialEvictRoundTrip(t *testing.T) {
	n := testLeaf(t, 64)
	before := n.MemSize()
	for i := range n.N() {
		require.NoError(t, n.compressPartition(i, compress.LZ4))
		assert.Equal(t, Compressed, n.State(i))
	}
	assert.Less(t, n.MemSize(), before)
	assert.False(t, n.AllAvailable())

	for i := range n.N() {
		require.NoError(t, n.expand(i))
	}
	assert.True(t, n.AllAvailable())
	assertLeafEntries(t, n, 64)
}

func TestHeader_RoundTrip(t *testing.T) {
	h := Header{
		Root:        7,
		MaxMSN:      99,
		Translation: block.Location{Offset: 8192, Size: 512},
		Compression: compress.Zstd,
		Checkpoints: 3,
	}
	got, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, got)

	bad := h.Encode()
	bad[20] ^= 1
	_, err = DecodeHeader(bad)
	assert.ErrorIs(t, err, ErrBadTreeHeader)

	_, err = DecodeHeader(bad[:10])
	assert.ErrorIs(t, err, ErrBadTreeHeader)
}
