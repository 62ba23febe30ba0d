package ft

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/fractal/internal/msg"
)

// Buffer is the FIFO of messages an internal node holds for one child.
type Buffer struct {
	msgs  []msg.Message
	bytes int
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer { return &Buffer{} }

// Enqueue appends m.
func (b *Buffer) Enqueue(m msg.Message) {
	b.msgs = append(b.msgs, m)
	b.bytes += m.MemSize()
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int { return len(b.msgs) }

// Bytes returns the in-memory size of the buffered messages.
func (b *Buffer) Bytes() int { return b.bytes }

// Messages returns the buffered messages, oldest first. Callers must not
// modify the slice.
func (b *Buffer) Messages() []msg.Message { return b.msgs }

// take empties the buffer and returns its messages. The backing array is
// handed over, not reused, so snapshots sharing it stay intact.
func (b *Buffer) take() []msg.Message {
	m := b.msgs
	b.msgs, b.bytes = nil, 0
	return m
}

// view returns a slice sharing storage with b that later appends never
// overwrite.
func (b *Buffer) view() []msg.Message {
	return b.msgs[:len(b.msgs):len(b.msgs)]
}

func appendMessages(dst []byte, msgs []msg.Message) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(msgs)))
	for i := range msgs {
		dst = msgs[i].AppendEncoded(dst)
	}
	return dst
}

var errBadBuffer = errors.New("malformed message buffer")

func decodeBuffer(raw []byte) (*Buffer, error) {
	count, n := binary.Uvarint(raw)
	if n <= 0 || count > uint64(len(raw)) {
		return nil, errBadBuffer
	}
	p := raw[n:]
	b := &Buffer{msgs: make([]msg.Message, 0, count)}
	var last msg.MSN
	for i := uint64(0); i < count; i++ {
		m, used, err := msg.Decode(p)
		if err != nil {
			return nil, err
		}
		if m.MSN <= last {
			return nil, fmt.Errorf("%w: messages out of MSN order", errBadBuffer)
		}
		last = m.MSN
		p = p[used:]
		b.Enqueue(m)
	}
	if len(p) != 0 {
		return nil, errBadBuffer
	}
	return b, nil
}
