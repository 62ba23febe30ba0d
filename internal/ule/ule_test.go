package ule

import (
	"testing"

	"github.com/hupe1980/fractal/internal/msg"
	"github.com/hupe1980/fractal/internal/xids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ins(x xids.XIDs, v string) *msg.Message {
	return &msg.Message{Type: msg.Insert, XIDs: x, Key: []byte("k"), Value: []byte(v)}
}

func del(x xids.XIDs) *msg.Message {
	return &msg.Message{Type: msg.Delete, XIDs: x, Key: []byte("k")}
}

func ctl(t msg.Type, x xids.XIDs) *msg.Message {
	return &msg.Message{Type: t, XIDs: x, Key: []byte("k")}
}

func latest(t *testing.T, e *Entry) string {
	t.Helper()
	v, ok := e.Latest()
	if !ok {
		return "<none>"
	}
	return string(v)
}

func TestApply_RootInsertDelete(t *testing.T) {
	e := New()
	assert.True(t, e.IsEmpty())

	e.Apply(ins(xids.Root(), "v1"))
	assert.Equal(t, "v1", latest(t, e))
	assert.Len(t, e.Committed(), 1, "root writes replace the newest committed record")

	e.Apply(ins(xids.Root(), "v2"))
	assert.Equal(t, "v2", latest(t, e))
	assert.Len(t, e.Committed(), 1)

	e.Apply(del(xids.Root()))
	assert.True(t, e.IsEmpty())
	assert.Equal(t, 0, e.PackedSize())
	assert.Empty(t, e.Pack(nil))
}

func TestApply_CommitAndAbort(t *testing.T) {
	t10 := xids.New(10)

	e := New()
	e.Apply(ins(t10, "a"))
	_, ok := e.Read(xids.Root())
	assert.False(t, ok, "uncommitted insert invisible to outsiders")
	v, ok := e.Read(t10)
	require.True(t, ok)
	assert.Equal(t, "a", string(v))

	e.Apply(ctl(msg.CommitAny, t10))
	assert.Empty(t, e.Provisional())
	v, ok = e.LatestCommitted()
	require.True(t, ok)
	assert.Equal(t, "a", string(v))
	assert.Equal(t, xids.TXNID(10), e.Committed()[len(e.Committed())-1].XID)

	t11 := xids.New(11)
	e.Apply(del(t11))
	assert.False(t, e.IsEmpty())
	e.Apply(ctl(msg.AbortAny, t11))
	assert.Empty(t, e.Provisional())
	assert.Equal(t, "a", latest(t, e))
}

func TestApply_NestedPlaceholders(t *testing.T) {
	parent := xids.New(10)
	child, err := parent.Child(12)
	require.NoError(t, err)

	e := New()
	e.Apply(ins(child, "c"))
	require.Len(t, e.Provisional(), 2)
	assert.Equal(t, KindPlaceholder, e.Provisional()[0].Kind)
	assert.Equal(t, xids.TXNID(10), e.Provisional()[0].XID)

	_, ok := e.Read(parent)
	assert.False(t, ok, "parent does not see child's uncommitted write")
	v, ok := e.Read(child)
	require.True(t, ok)
	assert.Equal(t, "c", string(v))

	// Child commit promotes into the parent's slot.
	e.Apply(ctl(msg.CommitAny, child))
	require.Len(t, e.Provisional(), 1)
	assert.Equal(t, Record{Kind: KindInsert, XID: 10, Value: []byte("c")}, e.Provisional()[0])

	e.Apply(ctl(msg.CommitAny, parent))
	assert.Empty(t, e.Provisional())
	assert.Equal(t, "c", latest(t, e))
}

func TestApply_NestedAbortDropsPlaceholders(t *testing.T) {
	child := xids.New(10, 12)

	e := New()
	e.Apply(ins(child, "c"))
	e.Apply(ctl(msg.AbortAny, child))
	assert.Empty(t, e.Provisional())
	assert.True(t, e.IsEmpty())
}

func TestApply_InsertNoOverwrite(t *testing.T) {
	e := New()
	e.Apply(&msg.Message{Type: msg.InsertNoOverwrite, Value: []byte("first")})
	e.Apply(&msg.Message{Type: msg.InsertNoOverwrite, Value: []byte("second")})
	assert.Equal(t, "first", latest(t, e))

	e.Apply(del(xids.Root()))
	e.Apply(&msg.Message{Type: msg.InsertNoOverwrite, Value: []byte("third")})
	assert.Equal(t, "third", latest(t, e))
}

func TestApply_ImplicitPromotion(t *testing.T) {
	e := New()
	e.Apply(ins(xids.New(10), "old"))
	// Txn 10 ended without its commit reaching this entry.
	e.Apply(ins(xids.New(20), "new"))

	require.Len(t, e.Provisional(), 1)
	assert.Equal(t, xids.TXNID(20), e.Provisional()[0].XID)
	v, ok := e.LatestCommitted()
	require.True(t, ok)
	assert.Equal(t, "old", string(v))
}

func TestApply_CommitBroadcastAll(t *testing.T) {
	e := New()
	e.Apply(ins(xids.New(4), "x"))
	e.Apply(ins(xids.New(4, 6), "y"))
	e.Apply(ctl(msg.CommitBroadcastAll, xids.Root()))

	assert.Empty(t, e.Provisional())
	require.Len(t, e.Committed(), 1)
	assert.Equal(t, "y", latest(t, e))
}

func TestApply_Optimize(t *testing.T) {
	e := New()
	for i, v := range []string{"a", "b", "c"} {
		x := xids.New(xids.TXNID(5 + 2*i)) // 5, 7, 9
		e.Apply(ins(x, v))
		e.Apply(ctl(msg.CommitAny, x))
	}
	require.Len(t, e.Committed(), 4)

	e.Apply(&msg.Message{Type: msg.Optimize, XIDs: xids.New(8)})
	require.Len(t, e.Committed(), 2, "everything before the newest pre-horizon version collapses")
	assert.Equal(t, xids.TXNID(7), e.Committed()[0].XID)

	e.Apply(ins(xids.New(3), "stale-provisional"))
	e.Apply(&msg.Message{Type: msg.Optimize})
	assert.Empty(t, e.Provisional())
	require.Len(t, e.Committed(), 1)
	assert.Equal(t, "stale-provisional", latest(t, e))
}

func TestGCHeuristic(t *testing.T) {
	cfg := DefaultGCConfig()
	e := New()
	assert.False(t, e.WorthGC(100, cfg))

	e.Apply(ins(xids.New(50), "p"))
	assert.True(t, e.WorthGC(100, cfg), "provisional older than oldest reader")
	assert.False(t, e.WorthGC(40, cfg))

	e.Apply(ctl(msg.CommitAny, xids.New(50)))
	assert.True(t, e.WorthGC(40, cfg), "two committed records")
	e.GC(100)
	assert.Len(t, e.Committed(), 1)
	assert.False(t, e.WorthGC(100, cfg))
}

func TestPackUnpack(t *testing.T) {
	clean := New()
	clean.Apply(ins(xids.Root(), "value"))

	mvcc := New()
	mvcc.Apply(ins(xids.New(3), "c3"))
	mvcc.Apply(ctl(msg.CommitAny, xids.New(3)))
	mvcc.Apply(ins(xids.New(7, 9), "p9"))
	mvcc.Apply(ins(xids.New(7, 9), ""))

	for name, e := range map[string]*Entry{"clean": clean, "mvcc": mvcc} {
		t.Run(name, func(t *testing.T) {
			b := e.Pack(nil)
			assert.Len(t, b, e.PackedSize())

			got, err := Unpack(b)
			require.NoError(t, err)
			assert.Equal(t, e.String(), got.String())
			assert.Equal(t, b, got.Pack(nil))
		})
	}
}

func TestUnpack_Malformed(t *testing.T) {
	e, err := Unpack(nil)
	require.NoError(t, err)
	assert.True(t, e.IsEmpty())

	for _, b := range [][]byte{{9}, {formatClean, 5, 'a'}, {formatMVCC, 0, 0}, {formatMVCC, 1, 0, 7, 0}} {
		_, err := Unpack(b)
		assert.ErrorIs(t, err, ErrMalformed, "%v", b)
	}
}

func TestClone_Independent(t *testing.T) {
	e := New()
	e.Apply(ins(xids.New(2), "v"))
	c := e.Clone()
	e.Apply(ctl(msg.AbortAny, xids.New(2)))

	assert.True(t, e.IsEmpty())
	assert.False(t, c.IsEmpty())
	v, ok := c.Read(xids.New(2))
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}
