package ft

import (
	"fmt"
	"testing"

	"github.com/hupe1980/fractal/internal/block"
	"github.com/hupe1980/fractal/internal/msg"
	"github.com/hupe1980/fractal/internal/xids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insert(msn msg.MSN, key, value string) msg.Message {
	return msg.Message{Type: msg.Insert, MSN: msn, XIDs: xids.Root(), Key: []byte(key), Value: []byte(value)}
}

func remove(msn msg.MSN, key string) msg.Message {
	return msg.Message{Type: msg.Delete, MSN: msn, XIDs: xids.Root(), Key: []byte(key)}
}

func read(t *testing.T, b *Basement, key string) (string, bool) {
	t.Helper()
	e := b.Get([]byte(key))
	if e == nil {
		return "", false
	}
	v, ok := e.Read(xids.Root())
	return string(v), ok
}

func TestBasement_ApplyIsIdempotent(t *testing.T) {
	b := NewBasement()

	m := insert(5, "k", "five")
	assert.True(t, b.Apply(&m, nil))

	again := insert(5, "k", "replayed")
	assert.False(t, b.Apply(&again, nil), "same MSN is ignored")

	m6 := insert(6, "k", "six")
	assert.True(t, b.Apply(&m6, nil))

	old := insert(1, "k", "ancient")
	assert.False(t, b.Apply(&old, nil), "older MSN is ignored")

	v, ok := read(t, b, "k")
	require.True(t, ok)
	assert.Equal(t, "six", v)
	assert.Equal(t, msg.MSN(6), b.MaxMSN)
}

func TestBasement_EmptyEntriesAreRemoved(t *testing.T) {
	b := NewBasement()
	m := insert(1, "a", "x")
	b.Apply(&m, nil)
	m = insert(2, "b", "y")
	b.Apply(&m, nil)
	require.Equal(t, 2, b.Len())
	before := b.MemSize()

	d := remove(3, "a")
	b.Apply(&d, nil)
	assert.Equal(t, 1, b.Len())
	assert.Less(t, b.MemSize(), before)
	assert.Nil(t, b.Get([]byte("a")))

	// A delete of a missing key materializes nothing.
	d = remove(4, "zzz")
	b.Apply(&d, nil)
	assert.Equal(t, 1, b.Len())
}

func TestBasement_BroadcastCommit(t *testing.T) {
	b := NewBasement()
	tx := xids.New(7)
	for i, k := range []string{"a", "b", "c"} {
		m := msg.Message{Type: msg.Insert, MSN: msg.MSN(i + 1), XIDs: tx, Key: []byte(k), Value: []byte(k)}
		b.Apply(&m, nil)
	}
	_, ok := read(t, b, "b")
	assert.False(t, ok, "provisional values are invisible to outsiders")

	c := msg.Message{Type: msg.CommitBroadcastTxn, MSN: 4, XIDs: tx}
	b.Apply(&c, nil)
	for _, k := range []string{"a", "b", "c"} {
		v, ok := read(t, b, k)
		require.True(t, ok)
		assert.Equal(t, k, v)
	}
}

func TestBasement_AbortBroadcastDropsEntries(t *testing.T) {
	b := NewBasement()
	tx := xids.New(9)
	m := msg.Message{Type: msg.Insert, MSN: 1, XIDs: tx, Key: []byte("a"), Value: []byte("v")}
	b.Apply(&m, nil)
	a := msg.Message{Type: msg.AbortBroadcastTxn, MSN: 2, XIDs: tx}
	b.Apply(&a, nil)
	assert.Equal(t, 0, b.Len())
}

func TestNode_ApplyLeafSplitsBasements(t *testing.T) {
	n := NewLeaf(1)
	for i := range 200 {
		m := insert(msg.MSN(i+1), fmt.Sprintf("key-%04d", i), "value-value-value")
		n.ApplyLeaf(&m, nil, 1024)
	}
	assert.Greater(t, n.N(), 1)
	assert.Len(t, n.Pivots, n.N()-1)
	assert.Equal(t, 200, n.Entries())
	assert.Equal(t, msg.MSN(200), n.MaxMSN)

	// Every key lives in the basement ChildIndex routes it to.
	for i := range 200 {
		key := fmt.Sprintf("key-%04d", i)
		assert.NotNil(t, n.Basement(n.ChildIndex([]byte(key))).Get([]byte(key)), key)
	}
}

func TestNode_SplitLeaf(t *testing.T) {
	n := NewLeaf(1)
	for i := range 100 {
		m := insert(msg.MSN(i+1), fmt.Sprintf("key-%04d", i), "v")
		n.ApplyLeaf(&m, nil, 0)
	}
	cfg := Config{NodeSize: 512, MaxFanout: 4}
	require.True(t, n.needsSplit(&cfg))

	right, pivot := n.split(256)
	assert.Equal(t, 100, n.Entries()+right.Entries())
	assert.InDelta(t, 50, right.Entries(), 1)
	assert.Equal(t, n.MaxMSN, right.MaxMSN)

	for i := range 100 {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if string(key) <= string(pivot) {
			assert.NotNil(t, n.Basement(n.ChildIndex(key)).Get(key))
		} else {
			assert.NotNil(t, right.Basement(right.ChildIndex(key)).Get(key))
		}
	}
}

func internalNode(children ...uint64) *Node {
	n := &Node{Height: 1, LayoutVersion: LayoutVersion}
	for i, c := range children {
		if i > 0 {
			n.Pivots = append(n.Pivots, []byte(fmt.Sprintf("p%d", i)))
		}
		n.parts = append(n.parts, &partition{state: Available, buf: NewBuffer(), child: block.Num(c)})
	}
	return n
}

func TestNode_EnqueueRoutesAndDropsStale(t *testing.T) {
	n := internalNode(10, 11, 12)

	assert.True(t, n.Enqueue(insert(1, "a", "x")))
	assert.True(t, n.Enqueue(insert(2, "p1z", "y")))
	assert.True(t, n.Enqueue(insert(3, "zzz", "z")))
	assert.False(t, n.Enqueue(insert(3, "a", "dup")), "stale MSN is dropped")
	assert.True(t, n.Enqueue(msg.Message{Type: msg.CommitBroadcastAll, MSN: 4}))

	assert.Equal(t, 2, n.Buffer(0).Len())
	assert.Equal(t, 2, n.Buffer(1).Len())
	assert.Equal(t, 2, n.Buffer(2).Len())
	assert.Equal(t, msg.MSN(4), n.MaxMSN)

	i, bytes := n.heaviest()
	assert.GreaterOrEqual(t, i, 0)
	assert.Positive(t, bytes)
	assert.Equal(t, int64(n.BufferedBytes()), n.Attr().CachePressure)
}

func TestNode_InsertAndRemoveChild(t *testing.T) {
	n := internalNode(10, 11)
	n.insertChild(0, []byte("m"), 20)
	require.Equal(t, 3, n.N())
	assert.Equal(t, block.Num(20), n.Child(1))
	assert.Equal(t, [][]byte{[]byte("m"), []byte("p1")}, n.Pivots)

	n.removeChild(1)
	assert.Equal(t, 2, n.N())
	assert.Equal(t, [][]byte{[]byte("p1")}, n.Pivots)
	assert.Equal(t, block.Num(11), n.Child(1))
}

func TestNode_SplitInternal(t *testing.T) {
	n := internalNode(1, 2, 3, 4, 5)
	right, pivot := n.split(0)
	assert.Equal(t, 2, n.N())
	assert.Equal(t, 3, right.N())
	assert.Equal(t, []byte("p2"), pivot)
	assert.Len(t, n.Pivots, 1)
	assert.Len(t, right.Pivots, 2)
	assert.Equal(t, block.Num(3), right.Child(0))
}
