package cachetable

import (
	"container/list"
	"iter"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

type pair struct {
	file  *File
	key   Key
	value any
	attr  Attr

	readers  int
	writer   bool
	fetching bool // placeholder while the value is being fetched
	busy     bool // owned by a flush, partial eviction or partial fetch
	cloning  bool // a checkpoint clone of this pair is being written
	dirty    bool
	pending  bool // dirty when the running checkpoint began
	stale    bool // its file was closed without unlink
	removed  bool
	clock    int

	cond *sync.Cond
	elem *list.Element
	slot uint32
	gen  uint32
}

func (p *pair) pinned() bool { return p.readers > 0 || p.writer }

// idle reports whether nothing but the caller may be touching the value.
func (p *pair) idle() bool {
	return !p.pinned() && !p.fetching && !p.busy
}

func (p *pair) compatible(mode LockMode) bool {
	if p.writer {
		return false
	}
	return mode == LockRead || p.readers == 0
}

// arena hands out slots for pairs. A handle names a slot and the generation
// it was issued for, so a released handle cannot reach a reused slot.
type arena struct {
	slots []*pair
	gens  []uint32
	used  *bitset.BitSet
}

func newArena() arena {
	return arena{used: bitset.New(64)}
}

func (a *arena) alloc(p *pair) {
	i, ok := a.used.NextClear(0)
	if !ok || i >= uint(len(a.slots)) {
		i = uint(len(a.slots))
		a.slots = append(a.slots, nil)
		a.gens = append(a.gens, 0)
	}
	a.used.Set(i)
	a.slots[i] = p
	p.slot, p.gen = uint32(i), a.gens[i]
}

func (a *arena) free(p *pair) {
	a.slots[p.slot] = nil
	a.gens[p.slot]++
	a.used.Clear(uint(p.slot))
}

func (a *arena) get(slot, gen uint32) *pair {
	if int(slot) >= len(a.slots) || a.gens[slot] != gen {
		return nil
	}
	return a.slots[slot]
}

func (a *arena) inUse() uint { return a.used.Count() }

// clockList is the ring the evictor and cleaner sweep.
type clockList struct {
	l       *list.List
	hand    *list.Element
	cleaner *list.Element
}

func newClockList() clockList { return clockList{l: list.New()} }

func (c *clockList) Len() int { return c.l.Len() }

func (c *clockList) add(p *pair) {
	p.elem = c.l.PushBack(p)
}

func (c *clockList) remove(p *pair) {
	if p.elem == nil {
		return
	}
	if c.hand == p.elem {
		c.hand = p.elem.Next()
	}
	if c.cleaner == p.elem {
		c.cleaner = p.elem.Next()
	}
	c.l.Remove(p.elem)
	p.elem = nil
}

// next advances *at around the ring and returns the pair it passed.
func (c *clockList) next(at **list.Element) *pair {
	if c.l.Len() == 0 {
		return nil
	}
	if *at == nil {
		*at = c.l.Front()
	}
	e := *at
	*at = e.Next()
	return e.Value.(*pair)
}

// all yields every pair. The yielded pair may be removed during iteration.
func (c *clockList) all() iter.Seq[*pair] {
	return func(yield func(*pair) bool) {
		for e := c.l.Front(); e != nil; {
			next := e.Next()
			if !yield(e.Value.(*pair)) {
				return
			}
			e = next
		}
	}
}

// Handle is a pinned pair. It must be released exactly once with Unpin or
// UnpinAndRemove. A handle is not safe for concurrent use.
type Handle struct {
	t     *Table
	file  *File
	key   Key
	value any
	mode  LockMode
	slot  uint32
	gen   uint32
	done  bool
}

// Key returns the pair's key.
func (h *Handle) Key() Key { return h.key }

// Value returns the pinned value.
func (h *Handle) Value() any { return h.value }

// Mode returns the lock the handle holds.
func (h *Handle) Mode() LockMode { return h.mode }

// File returns the file the pair belongs to.
func (h *Handle) File() *File { return h.file }

func (t *Table) newHandle(p *pair, mode LockMode) *Handle {
	return &Handle{t: t, file: p.file, key: p.key, value: p.value, mode: mode, slot: p.slot, gen: p.gen}
}
