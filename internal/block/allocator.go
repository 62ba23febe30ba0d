package block

import (
	"fmt"
	"sort"
)

// Alignment is the granularity of every allocated extent.
const Alignment = 512

type extent struct {
	off, size int64
}

// Allocator hands out non-overlapping extents, first fit.
type Allocator struct {
	reserved int64
	extents  []extent // sorted by off
	inUse    int64
}

// NewAllocator returns an allocator that never hands out offsets below
// reserved.
func NewAllocator(reserved int64) *Allocator {
	return &Allocator{reserved: alignUp(reserved)}
}

func alignUp(n int64) int64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Allocate returns the offset of a free extent of at least size bytes.
func (a *Allocator) Allocate(size int64) int64 {
	size = alignUp(max(size, 1))
	prevEnd := a.reserved
	for i, e := range a.extents {
		if e.off-prevEnd >= size {
			a.insertAt(i, extent{prevEnd, size})
			return prevEnd
		}
		prevEnd = e.off + e.size
	}
	a.insertAt(len(a.extents), extent{prevEnd, size})
	return prevEnd
}

// AllocateAt marks [off, off+size) as used. It is used when rebuilding an
// allocator from a loaded translation.
func (a *Allocator) AllocateAt(off, size int64) error {
	size = alignUp(max(size, 1))
	if off < a.reserved || off%Alignment != 0 {
		return fmt.Errorf("%w: offset %d", ErrOverlap, off)
	}
	i := a.search(off)
	if i > 0 {
		if p := a.extents[i-1]; p.off+p.size > off {
			return fmt.Errorf("%w: %d overlaps [%d+%d]", ErrOverlap, off, p.off, p.size)
		}
	}
	if i < len(a.extents) && a.extents[i].off < off+size {
		return fmt.Errorf("%w: %d+%d overlaps %d", ErrOverlap, off, size, a.extents[i].off)
	}
	a.insertAt(i, extent{off, size})
	return nil
}

// Free releases the extent starting at off.
func (a *Allocator) Free(off int64) error {
	i := a.search(off)
	if i == len(a.extents) || a.extents[i].off != off {
		return fmt.Errorf("%w: offset %d", ErrNotAllocated, off)
	}
	a.inUse -= a.extents[i].size
	a.extents = append(a.extents[:i], a.extents[i+1:]...)
	return nil
}

// End returns the first offset past every allocated extent.
func (a *Allocator) End() int64 {
	if len(a.extents) == 0 {
		return a.reserved
	}
	last := a.extents[len(a.extents)-1]
	return last.off + last.size
}

// InUse returns the number of allocated bytes.
func (a *Allocator) InUse() int64 { return a.inUse }

// Len returns the number of allocated extents.
func (a *Allocator) Len() int { return len(a.extents) }

func (a *Allocator) search(off int64) int {
	return sort.Search(len(a.extents), func(i int) bool { return a.extents[i].off >= off })
}

func (a *Allocator) insertAt(i int, e extent) {
	a.extents = append(a.extents, extent{})
	copy(a.extents[i+1:], a.extents[i:])
	a.extents[i] = e
	a.inUse += e.size
}
