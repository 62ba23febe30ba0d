package ule

import (
	"fmt"
	"strings"

	"github.com/hupe1980/fractal/internal/xids"
)

// Kind classifies a record.
type Kind uint8

const (
	// KindDelete marks the key absent.
	KindDelete Kind = iota + 1
	// KindInsert carries a value.
	KindInsert
	// KindPlaceholder stands in for an ancestor transaction.
	KindPlaceholder
)

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "del"
	case KindInsert:
		return "ins"
	case KindPlaceholder:
		return "ph"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Record is one version of a key.
type Record struct {
	Kind  Kind
	XID   xids.TXNID
	Value []byte
}

// Entry is the version chain of one key.
type Entry struct {
	committed   []Record
	provisional []Record
}

// New returns an entry whose only record is a committed delete.
func New() *Entry {
	return &Entry{committed: []Record{{Kind: KindDelete}}}
}

// Committed returns the committed stack, oldest first. Callers must not
// modify it.
func (e *Entry) Committed() []Record { return e.committed }

// Provisional returns the provisional stack, outermost first. Callers must
// not modify it.
func (e *Entry) Provisional() []Record { return e.provisional }

// IsEmpty reports whether the entry carries no surviving insert and no
// pending transaction. Empty entries are not materialized.
func (e *Entry) IsEmpty() bool {
	if len(e.provisional) > 0 {
		return false
	}
	for _, r := range e.committed {
		if r.Kind == KindInsert {
			return false
		}
	}
	return true
}

// HasXIDs reports whether the provisional stack begins with the chain x.
func (e *Entry) HasXIDs(x xids.XIDs) bool {
	if x.Len() > len(e.provisional) {
		return false
	}
	for i := 0; i < x.Len(); i++ {
		if e.provisional[i].XID != x.At(i) {
			return false
		}
	}
	return true
}

// Latest returns the innermost value regardless of transaction state.
func (e *Entry) Latest() ([]byte, bool) {
	r := e.innermostReal()
	if r.Kind != KindInsert {
		return nil, false
	}
	return r.Value, true
}

// LatestCommitted returns the newest committed value.
func (e *Entry) LatestCommitted() ([]byte, bool) {
	r := e.committed[len(e.committed)-1]
	if r.Kind != KindInsert {
		return nil, false
	}
	return r.Value, true
}

// Read returns the value visible to a reader running in transaction chain
// reader: its own (or an ancestor's) provisional write, otherwise the newest
// committed value.
func (e *Entry) Read(reader xids.XIDs) ([]byte, bool) {
	depth := 0
	for depth < len(e.provisional) && depth < reader.Len() && e.provisional[depth].XID == reader.At(depth) {
		depth++
	}
	for i := depth - 1; i >= 0; i-- {
		r := e.provisional[i]
		if r.Kind == KindPlaceholder {
			continue
		}
		if r.Kind == KindInsert {
			return r.Value, true
		}
		return nil, false
	}
	return e.LatestCommitted()
}

// MemSize approximates the in-memory footprint.
func (e *Entry) MemSize() int {
	n := 56
	for _, r := range e.committed {
		n += 40 + len(r.Value)
	}
	for _, r := range e.provisional {
		n += 40 + len(r.Value)
	}
	return n
}

// Clone returns a copy whose stacks are independent of e. Values are shared:
// they are never modified in place.
func (e *Entry) Clone() *Entry {
	c := &Entry{committed: append([]Record(nil), e.committed...)}
	if len(e.provisional) > 0 {
		c.provisional = append([]Record(nil), e.provisional...)
	}
	return c
}

func (e *Entry) String() string {
	var sb strings.Builder
	sb.WriteString("C[")
	writeRecords(&sb, e.committed)
	sb.WriteString("] P[")
	writeRecords(&sb, e.provisional)
	sb.WriteString("]")
	return sb.String()
}

func writeRecords(sb *strings.Builder, rs []Record) {
	for i, r := range rs {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(sb, "%s@%d", r.Kind, r.XID)
		if r.Kind == KindInsert {
			fmt.Fprintf(sb, "=%q", r.Value)
		}
	}
}

func (e *Entry) innermost() Record {
	if n := len(e.provisional); n > 0 {
		return e.provisional[n-1]
	}
	return e.committed[len(e.committed)-1]
}

func (e *Entry) innermostReal() Record {
	for i := len(e.provisional) - 1; i >= 0; i-- {
		if e.provisional[i].Kind != KindPlaceholder {
			return e.provisional[i]
		}
	}
	return e.committed[len(e.committed)-1]
}

func (e *Entry) innermostXID() xids.TXNID {
	if n := len(e.provisional); n > 0 {
		return e.provisional[n-1].XID
	}
	return xids.None
}
