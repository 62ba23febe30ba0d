package msg

import (
	"testing"

	"github.com/hupe1980/fractal/internal/xids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	in := []Message{
		{Type: Insert, MSN: 5, XIDs: xids.Root(), Key: []byte("a"), Value: []byte("v1")},
		{Type: Delete, MSN: 1 << 40, XIDs: xids.New(7, 9), Key: []byte("key")},
		{Type: CommitBroadcastAll, MSN: 3},
	}

	var buf []byte
	for i := range in {
		before := len(buf)
		buf = in[i].AppendEncoded(buf)
		assert.Equal(t, in[i].EncodedSize(), len(buf)-before)
	}

	off := 0
	for i := range in {
		got, n, err := Decode(buf[off:])
		require.NoError(t, err)
		off += n
		assert.Equal(t, in[i].Type, got.Type)
		assert.Equal(t, in[i].MSN, got.MSN)
		assert.True(t, in[i].XIDs.Equal(got.XIDs))
		assert.Equal(t, string(in[i].Key), string(got.Key))
		assert.Equal(t, string(in[i].Value), string(got.Value))
	}
	assert.Equal(t, len(buf), off)
}

func TestDecodeErrors(t *testing.T) {
	_, _, err := Decode([]byte{1, 2})
	assert.ErrorIs(t, err, ErrTruncated)

	m := Message{Type: Insert, MSN: 1, Key: []byte("k"), Value: []byte("value")}
	b := m.AppendEncoded(nil)
	_, _, err = Decode(b[:len(b)-2])
	assert.ErrorIs(t, err, ErrTruncated)

	b[0] = 0xEE
	_, _, err = Decode(b)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestIsBroadcast(t *testing.T) {
	assert.False(t, Insert.IsBroadcast())
	assert.False(t, CommitAny.IsBroadcast())
	assert.True(t, CommitBroadcastTxn.IsBroadcast())
	assert.True(t, Optimize.IsBroadcast())
	assert.Equal(t, "insert-no-overwrite", InsertNoOverwrite.String())
}
