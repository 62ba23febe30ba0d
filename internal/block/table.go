package block

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/fractal/internal/hash"
)

var translationMagic = [8]byte{'F', 'R', 'C', 'T', 'T', 'R', 'A', 'N'}

// Stats describes a Table.
type Stats struct {
	Blocks      int
	FreeNums    uint64
	InUseBytes  int64
	DeviceBytes int64
}

// Table translates block numbers to locations.
type Table struct {
	mu sync.Mutex

	alloc *Allocator
	refs  map[int64]int // offset -> references across all translations

	current      map[Num]Location
	inProgress   map[Num]Location // nil outside a checkpoint
	checkpointed map[Num]Location

	transCheckpointed Location
	transInProgress   Location

	next        Num
	free        *roaring64.Bitmap // reusable numbers
	pendingFree *roaring64.Bitmap // freed numbers a checkpoint may still reference

	discarded []Location
}

// NewTable returns an empty table whose allocator skips reserved bytes.
func NewTable(reserved int64) *Table {
	return &Table{
		alloc:        NewAllocator(reserved),
		refs:         make(map[int64]int),
		current:      make(map[Num]Location),
		checkpointed: make(map[Num]Location),
		next:         1,
		free:         roaring64.New(),
		pendingFree:  roaring64.New(),
	}
}

// LoadTable rebuilds a table from a serialized checkpointed translation
// stored at transLoc.
func LoadTable(data []byte, transLoc Location, reserved int64) (*Table, error) {
	entries, next, err := decodeTranslation(data)
	if err != nil {
		return nil, err
	}
	t := NewTable(reserved)
	t.next = max(next, 1)
	if err := t.alloc.AllocateAt(transLoc.Offset, transLoc.Size); err != nil {
		return nil, fmt.Errorf("%w: translation block: %w", ErrBadTranslation, err)
	}
	t.refs[transLoc.Offset]++
	t.transCheckpointed = transLoc
	for n, loc := range entries {
		if t.refs[loc.Offset] == 0 {
			if err := t.alloc.AllocateAt(loc.Offset, loc.Size); err != nil {
				return nil, fmt.Errorf("%w: block %d: %w", ErrBadTranslation, n, err)
			}
		}
		t.current[n] = loc
		t.checkpointed[n] = loc
		t.refs[loc.Offset] += 2
	}
	for n := Num(1); n < t.next; n++ {
		if _, ok := t.current[n]; !ok {
			t.free.Add(uint64(n))
		}
	}
	return t, nil
}

// AllocateNum reserves a block number. The number has no location until
// its first Reallocate.
func (t *Table) AllocateNum() Num {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.free.IsEmpty() {
		n := t.free.Minimum()
		t.free.Remove(n)
		t.current[Num(n)] = Location{}
		return Num(n)
	}
	n := t.next
	t.next++
	t.current[n] = Location{}
	return n
}

// FreeNum drops n from the current translation. Its number and location
// become reusable once no checkpoint references them.
func (t *Table) FreeNum(n Num) {
	t.mu.Lock()
	defer t.mu.Unlock()
	loc, ok := t.current[n]
	if !ok {
		return
	}
	delete(t.current, n)
	t.unref(loc)
	_, inCP := t.checkpointed[n]
	_, inIP := t.inProgress[n]
	if inCP || inIP {
		t.pendingFree.Add(uint64(n))
	} else {
		t.free.Add(uint64(n))
	}
}

// Get returns the current location of n.
func (t *Table) Get(n Num) (Location, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	loc, ok := t.current[n]
	return loc, ok && !loc.IsZero()
}

// Reallocate gives n a fresh location of size bytes. A write on behalf of a
// checkpoint also records the location in the in-progress translation; a
// number already freed from the current translation only gets that. It
// reports false when no translation wants the write, in which case nothing
// must be written.
func (t *Table) Reallocate(n Num, size int64, forCheckpoint bool) (Location, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	loc := Location{Offset: t.alloc.Allocate(size), Size: size}
	if old, ok := t.current[n]; ok {
		t.current[n] = loc
		t.refs[loc.Offset]++
		t.unref(old)
	}
	if forCheckpoint && t.inProgress != nil {
		old, had := t.inProgress[n]
		t.inProgress[n] = loc
		t.refs[loc.Offset]++
		if had {
			t.unref(old)
		}
	}
	if t.refs[loc.Offset] == 0 {
		delete(t.refs, loc.Offset)
		_ = t.alloc.Free(loc.Offset)
		return Location{}, false
	}
	return loc, true
}

// BeginCheckpoint starts the in-progress translation as a copy of the
// current one.
func (t *Table) BeginCheckpoint() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inProgress = make(map[Num]Location, len(t.current))
	for n, loc := range t.current {
		if loc.IsZero() {
			continue
		}
		t.inProgress[n] = loc
		t.refs[loc.Offset]++
	}
}

// InProgress serializes the in-progress translation and allocates the
// location it will be written to.
func (t *Table) InProgress() ([]byte, Location) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := encodeTranslation(t.inProgress, t.next)
	if !t.transInProgress.IsZero() {
		t.unref(t.transInProgress)
	}
	t.transInProgress = Location{Offset: t.alloc.Allocate(int64(len(data))), Size: int64(len(data))}
	t.refs[t.transInProgress.Offset]++
	return data, t.transInProgress
}

// EndCheckpoint promotes the in-progress translation to checkpointed and
// releases what only the previous checkpoint referenced.
func (t *Table) EndCheckpoint() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inProgress == nil {
		return
	}
	for _, loc := range t.checkpointed {
		t.unref(loc)
	}
	if !t.transCheckpointed.IsZero() {
		t.unref(t.transCheckpointed)
	}
	t.checkpointed = t.inProgress
	t.inProgress = nil
	t.transCheckpointed = t.transInProgress
	t.transInProgress = Location{}
	t.releasePendingNums()
}

// AbortCheckpoint discards the in-progress translation.
func (t *Table) AbortCheckpoint() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inProgress == nil {
		return
	}
	for _, loc := range t.inProgress {
		t.unref(loc)
	}
	if !t.transInProgress.IsZero() {
		t.unref(t.transInProgress)
	}
	t.inProgress = nil
	t.transInProgress = Location{}
	t.releasePendingNums()
}

// Discarded returns and forgets the locations no translation references
// any more. They stay allocated until passed to Release, so a device can
// reclaim them before their offsets are handed out again.
func (t *Table) Discarded() []Location {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.discarded
	t.discarded = nil
	return d
}

// Release returns discarded locations to the allocator.
func (t *Table) Release(locs []Location) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, loc := range locs {
		_ = t.alloc.Free(loc.Offset)
	}
}

// Nums returns the block numbers of the current translation in order.
func (t *Table) Nums() []Num {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.current))
}

// Stats returns a snapshot of the table.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Blocks:      len(t.current),
		FreeNums:    t.free.GetCardinality(),
		InUseBytes:  t.alloc.InUse(),
		DeviceBytes: t.alloc.End(),
	}
}

func (t *Table) releasePendingNums() {
	it := t.pendingFree.Iterator()
	var done []uint64
	for it.HasNext() {
		n := it.Next()
		_, inCP := t.checkpointed[Num(n)]
		_, inIP := t.inProgress[Num(n)]
		if !inCP && !inIP {
			done = append(done, n)
		}
	}
	for _, n := range done {
		t.pendingFree.Remove(n)
		t.free.Add(n)
	}
}

func (t *Table) unref(loc Location) {
	if loc.IsZero() {
		return
	}
	t.refs[loc.Offset]--
	if t.refs[loc.Offset] > 0 {
		return
	}
	delete(t.refs, loc.Offset)
	t.discarded = append(t.discarded, loc)
}

func encodeTranslation(m map[Num]Location, next Num) []byte {
	nums := slices.Sorted(maps.Keys(m))
	b := make([]byte, 0, 8+16+len(nums)*24+4)
	b = append(b, translationMagic[:]...)
	b = binary.LittleEndian.AppendUint64(b, uint64(len(nums)))
	b = binary.LittleEndian.AppendUint64(b, uint64(next))
	for _, n := range nums {
		loc := m[n]
		b = binary.LittleEndian.AppendUint64(b, uint64(n))
		b = binary.LittleEndian.AppendUint64(b, uint64(loc.Offset))
		b = binary.LittleEndian.AppendUint64(b, uint64(loc.Size))
	}
	return hash.AppendChecksum(b, b)
}

func decodeTranslation(b []byte) (map[Num]Location, Num, error) {
	if len(b) < 8+16+4 || [8]byte(b[:8]) != translationMagic {
		return nil, 0, fmt.Errorf("%w: bad magic", ErrBadTranslation)
	}
	body := b[:len(b)-4]
	if !hash.Verify(body, binary.LittleEndian.Uint32(b[len(b)-4:])) {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", ErrBadTranslation)
	}
	count := binary.LittleEndian.Uint64(body[8:])
	next := Num(binary.LittleEndian.Uint64(body[16:]))
	if uint64(len(body)-24) != count*24 {
		return nil, 0, fmt.Errorf("%w: %d entries in %d bytes", ErrBadTranslation, count, len(body)-24)
	}
	m := make(map[Num]Location, count)
	for p := body[24:]; len(p) > 0; p = p[24:] {
		n := Num(binary.LittleEndian.Uint64(p))
		m[n] = Location{
			Offset: int64(binary.LittleEndian.Uint64(p[8:])),
			Size:   int64(binary.LittleEndian.Uint64(p[16:])),
		}
	}
	return m, next, nil
}
