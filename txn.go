package fractal

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/hupe1980/fractal/internal/msg"
	"github.com/hupe1980/fractal/internal/xids"
)

// txnReserveBatch is how many transaction ids one log record reserves.
const txnReserveBatch = 1 << 16

// maxTrackedKeys bounds the per-container write set of a transaction.
// Beyond it the transaction resolves with one broadcast message instead of
// one message per key.
const maxTrackedKeys = 4096

type txnState uint8

const (
	txnActive txnState = iota
	txnFinishing
	txnCommitted
	txnAborted
)

// txnManager issues transaction ids and tracks live transactions. Ids are
// reserved in batches in the checkpoint log so that they keep increasing
// across restarts.
type txnManager struct {
	mu      sync.Mutex
	next    xids.TXNID
	limit   xids.TXNID
	live    map[xids.TXNID]*Txn
	reserve func(ctx context.Context, limit uint64) error
}

func newTxnManager(reserved uint64, reserve func(context.Context, uint64) error) *txnManager {
	next := max(xids.TXNID(reserved), 1)
	return &txnManager{
		next:    next,
		limit:   next,
		live:    make(map[xids.TXNID]*Txn),
		reserve: reserve,
	}
}

func (m *txnManager) issue(ctx context.Context, t *Txn, parent xids.XIDs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next >= m.limit {
		limit := m.next + txnReserveBatch
		if err := m.reserve(ctx, uint64(limit)); err != nil {
			return err
		}
		m.limit = limit
	}
	x, err := parent.Child(m.next)
	if err != nil {
		return err
	}
	m.next++
	t.xids = x
	m.live[x.Innermost()] = t
	return nil
}

func (m *txnManager) finish(t *Txn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, t.xids.Innermost())
}

// oldestReferenced returns the oldest transaction a live reader may still
// reference. With no live transactions it is the next id to be issued.
func (m *txnManager) oldestReferenced() xids.TXNID {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := m.next
	for id := range m.live {
		oldest = min(oldest, id)
	}
	return oldest
}

// roots returns the live outermost transactions.
func (m *txnManager) roots() []*Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Txn
	for _, t := range m.live {
		if t.parent == nil {
			out = append(out, t)
		}
	}
	return out
}

func (m *txnManager) active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// writeSet records the keys a transaction wrote in one container.
type writeSet struct {
	keys     map[string]struct{}
	overflow bool
}

func (w *writeSet) add(key string) {
	if w.overflow {
		return
	}
	if _, ok := w.keys[key]; ok {
		return
	}
	if len(w.keys) >= maxTrackedKeys {
		w.keys, w.overflow = nil, true
		return
	}
	w.keys[key] = struct{}{}
}

func (w *writeSet) merge(o *writeSet) {
	if o.overflow {
		w.keys, w.overflow = nil, true
		return
	}
	for k := range o.keys {
		w.add(k)
	}
}

// Txn is a transaction. Writes made through a transaction are visible to it
// and its children at once and to everybody else after the outermost
// transaction commits. Rows written are locked until then.
//
// A Txn may be used from several goroutines. A parent cannot commit while
// it has active children.
type Txn struct {
	env    *Env
	parent *Txn
	xids   xids.XIDs

	mu       sync.Mutex
	state    txnState
	children map[*Txn]struct{}
	writes   map[*Container]*writeSet
	locks    []lockKey // outermost transaction only
}

// Begin starts a transaction. A non-nil parent makes it a nested child:
// its commit hands its writes to the parent, its abort undoes only them.
func (e *Env) Begin(ctx context.Context, parent *Txn) (*Txn, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	t := &Txn{
		env:      e,
		parent:   parent,
		children: make(map[*Txn]struct{}),
		writes:   make(map[*Container]*writeSet),
	}
	chain := xids.Root()
	if parent != nil {
		if parent.env != e {
			return nil, errors.New("fractal: parent transaction belongs to another environment")
		}
		parent.mu.Lock()
		defer parent.mu.Unlock()
		if parent.state != txnActive {
			return nil, ErrTxnFinished
		}
		chain = parent.xids
	}
	if err := e.txns.issue(ctx, t, chain); err != nil {
		return nil, translateError(err)
	}
	if parent != nil {
		parent.children[t] = struct{}{}
	}
	return t, nil
}

// ID returns the transaction id.
func (t *Txn) ID() uint64 {
	return uint64(t.xids.Innermost())
}

// Parent returns the parent transaction, or nil for an outermost one.
func (t *Txn) Parent() *Txn {
	return t.parent
}

func (t *Txn) root() *Txn {
	r := t
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (t *Txn) owner() xids.TXNID {
	return t.xids.Outermost()
}

// lock takes the row lock for key on behalf of the outermost transaction.
func (t *Txn) lock(ctx context.Context, c *Container, key []byte) error {
	t.mu.Lock()
	active := t.state == txnActive
	t.mu.Unlock()
	if !active {
		return ErrTxnFinished
	}
	k := lockKey{container: c.id, key: string(key)}
	taken, err := t.env.locks.acquire(ctx, k, t.owner(), t.env.opts.lockTimeout)
	if err != nil || !taken {
		return err
	}
	r := t.root()
	r.mu.Lock()
	r.locks = append(r.locks, k)
	r.mu.Unlock()
	return nil
}

func (t *Txn) recordWrite(c *Container, key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.writes[c]
	if !ok {
		ws = &writeSet{keys: make(map[string]struct{})}
		t.writes[c] = ws
	}
	ws.add(string(key))
}

// Commit commits the transaction. A child's writes become part of its
// parent; an outermost transaction's writes become visible to everybody
// and its locks are released. If Commit fails the transaction stays
// active.
func (t *Txn) Commit(ctx context.Context) error {
	writes, err := t.finishing()
	if err != nil {
		return err
	}
	if err := t.resolve(ctx, writes, msg.CommitAny, msg.CommitBroadcastTxn); err != nil {
		t.reactivate()
		return translateError(err)
	}
	if t.parent != nil {
		t.parent.mu.Lock()
		for c, ws := range writes {
			pws, ok := t.parent.writes[c]
			if !ok {
				pws = &writeSet{keys: make(map[string]struct{})}
				t.parent.writes[c] = pws
			}
			pws.merge(ws)
		}
		t.parent.mu.Unlock()
	}
	t.end(txnCommitted)
	return nil
}

// Abort rolls back the transaction and its active children.
func (t *Txn) Abort(ctx context.Context) error {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return ErrTxnFinished
	}
	children := slices.Collect(maps.Keys(t.children))
	t.mu.Unlock()
	for _, child := range children {
		if err := child.Abort(ctx); err != nil && !errors.Is(err, ErrTxnFinished) {
			return err
		}
	}

	writes, err := t.finishing()
	if err != nil {
		return err
	}
	if err := t.resolve(ctx, writes, msg.AbortAny, msg.AbortBroadcastTxn); err != nil {
		t.reactivate()
		return translateError(err)
	}
	t.end(txnAborted)
	return nil
}

// finishing moves t out of the active state so that no further writes are
// accepted, and returns its write sets.
func (t *Txn) finishing() (map[*Container]*writeSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnActive {
		return nil, ErrTxnFinished
	}
	if len(t.children) > 0 {
		return nil, ErrTxnActive
	}
	t.state = txnFinishing
	return maps.Clone(t.writes), nil
}

func (t *Txn) reactivate() {
	t.mu.Lock()
	t.state = txnActive
	t.mu.Unlock()
}

// resolve sends the commit or abort messages for every written key.
func (t *Txn) resolve(ctx context.Context, writes map[*Container]*writeSet, perKey, broadcast msg.Type) error {
	for c, ws := range writes {
		if ws.overflow {
			if err := c.resolve(ctx, msg.Message{Type: broadcast, XIDs: t.xids}); err != nil {
				return err
			}
			continue
		}
		for _, k := range slices.Sorted(maps.Keys(ws.keys)) {
			if err := c.resolve(ctx, msg.Message{Type: perKey, XIDs: t.xids, Key: []byte(k)}); err != nil {
				return err
			}
		}
	}
	return nil
}

// end marks t finished.
func (t *Txn) end(state txnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.env.txns.finish(t)
	if t.parent != nil {
		t.parent.mu.Lock()
		delete(t.parent.children, t)
		t.parent.mu.Unlock()
		return
	}
	t.env.locks.release(t.owner(), t.locks)
	t.locks = nil
}
