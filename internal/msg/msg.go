// Package msg defines the messages that flow from the root of a tree towards
// its leaves, and the message sequence numbers (MSN) that order them.
package msg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/fractal/internal/xids"
)

// MSN orders messages within one tree. Larger is newer.
type MSN uint64

// MSNZero precedes every issued message.
const MSNZero MSN = 0

// Type is the kind of a message.
type Type uint8

const (
	// Insert sets key to value in the sender's transaction.
	Insert Type = iota + 1
	// InsertNoOverwrite inserts only when no live value exists.
	InsertNoOverwrite
	// Delete removes key in the sender's transaction.
	Delete
	// CommitAny commits the innermost transaction of XIDs for one key.
	CommitAny
	// AbortAny aborts the innermost transaction of XIDs for one key.
	AbortAny
	// CommitBroadcastTxn commits the transaction on every key of a node.
	CommitBroadcastTxn
	// AbortBroadcastTxn aborts the transaction on every key of a node.
	AbortBroadcastTxn
	// CommitBroadcastAll collapses every leaf entry to its innermost value.
	CommitBroadcastAll
	// Optimize promotes and garbage collects everything older than the
	// transaction horizon carried as the single id of XIDs.
	Optimize
)

var typeNames = map[Type]string{
	Insert:             "insert",
	InsertNoOverwrite:  "insert-no-overwrite",
	Delete:             "delete",
	CommitAny:          "commit-any",
	AbortAny:           "abort-any",
	CommitBroadcastTxn: "commit-broadcast-txn",
	AbortBroadcastTxn:  "abort-broadcast-txn",
	CommitBroadcastAll: "commit-broadcast-all",
	Optimize:           "optimize",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsBroadcast reports whether the message applies to every key of a node
// rather than to a single key.
func (t Type) IsBroadcast() bool {
	switch t {
	case CommitBroadcastTxn, AbortBroadcastTxn, CommitBroadcastAll, Optimize:
		return true
	}
	return false
}

// Message is an update on its way to the leaves. Messages are immutable once
// issued; Key and Value must not be modified after construction.
type Message struct {
	Type  Type
	MSN   MSN
	XIDs  xids.XIDs
	Key   []byte
	Value []byte
}

var (
	// ErrTruncated is returned when a buffer ends inside a message.
	ErrTruncated = errors.New("msg: truncated encoding")
	// ErrUnknownType is returned for an unknown message type byte.
	ErrUnknownType = errors.New("msg: unknown message type")
)

// MemSize approximates the in-memory footprint of m.
func (m *Message) MemSize() int {
	return 48 + len(m.Key) + len(m.Value) + 8*m.XIDs.Len()
}

// EncodedSize returns the exact length of AppendEncoded output.
func (m *Message) EncodedSize() int {
	return 1 + 8 + m.XIDs.EncodedSize() +
		uvarintLen(uint64(len(m.Key))) + len(m.Key) +
		uvarintLen(uint64(len(m.Value))) + len(m.Value)
}

// AppendEncoded appends [type u8][msn u64][xids][klen][key][vlen][val].
func (m *Message) AppendEncoded(dst []byte) []byte {
	dst = append(dst, byte(m.Type))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(m.MSN))
	dst = m.XIDs.AppendEncoded(dst)
	dst = binary.AppendUvarint(dst, uint64(len(m.Key)))
	dst = append(dst, m.Key...)
	dst = binary.AppendUvarint(dst, uint64(len(m.Value)))
	return append(dst, m.Value...)
}

// Decode parses one message from b and returns the bytes consumed. Key and
// Value alias b.
func Decode(b []byte) (Message, int, error) {
	var m Message
	if len(b) < 9 {
		return m, 0, ErrTruncated
	}
	m.Type = Type(b[0])
	if !m.Type.Valid() {
		return m, 0, fmt.Errorf("%w: %d", ErrUnknownType, b[0])
	}
	m.MSN = MSN(binary.LittleEndian.Uint64(b[1:9]))
	off := 9

	x, n, err := xids.Decode(b[off:])
	if err != nil {
		return m, 0, err
	}
	m.XIDs = x
	off += n

	if m.Key, n, err = readBytes(b[off:]); err != nil {
		return m, 0, err
	}
	off += n
	if m.Value, n, err = readBytes(b[off:]); err != nil {
		return m, 0, err
	}
	off += n
	return m, off, nil
}

func readBytes(b []byte) ([]byte, int, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < l {
		return nil, 0, ErrTruncated
	}
	if l == 0 {
		return nil, n, nil
	}
	return b[n : n+int(l)], n + int(l), nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
