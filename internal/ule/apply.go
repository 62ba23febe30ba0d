package ule

import (
	"github.com/hupe1980/fractal/internal/msg"
	"github.com/hupe1980/fractal/internal/xids"
)

// Apply mutates e according to m. The caller has already decided that m is
// not stale.
func (e *Entry) Apply(m *msg.Message) {
	if m.Type != msg.Optimize {
		e.implicitPromotions(m.XIDs)
	}

	switch m.Type {
	case msg.InsertNoOverwrite:
		if e.innermostReal().Kind == KindInsert {
			return
		}
		e.write(KindInsert, m.XIDs, m.Value)
	case msg.Insert:
		e.write(KindInsert, m.XIDs, m.Value)
	case msg.Delete:
		e.write(KindDelete, m.XIDs, nil)
	case msg.CommitAny, msg.CommitBroadcastTxn:
		e.commit(m.XIDs.Innermost())
	case msg.AbortAny, msg.AbortBroadcastTxn:
		e.abort(m.XIDs.Innermost())
	case msg.CommitBroadcastAll:
		e.commitAll()
	case msg.Optimize:
		e.optimize(m.XIDs.Outermost())
	}
}

// implicitPromotions resolves provisional records of transactions that are
// not ancestors of x. Such transactions have ended, and since every abort is
// delivered before later messages, they committed.
func (e *Entry) implicitPromotions(x xids.XIDs) {
	if len(e.provisional) == 0 {
		return
	}
	n := min(len(e.provisional), x.Len())
	ica := -1
	for i := 0; i < n; i++ {
		if e.provisional[i].XID != x.At(i) {
			break
		}
		ica = i
	}
	switch {
	case ica < 0:
		e.promoteToCommitted()
	case ica < len(e.provisional)-1:
		e.promoteToIndex(ica)
	}
}

func (e *Entry) write(kind Kind, x xids.XIDs, val []byte) {
	this := x.Innermost()
	switch {
	case this == xids.None && e.innermostXID() == xids.None:
		e.removeInnermost()
	case e.innermostXID() == this:
		e.removeInnermost()
	default:
		for i := len(e.provisional); i < x.Len()-1; i++ {
			e.provisional = append(e.provisional, Record{Kind: KindPlaceholder, XID: x.At(i)})
		}
	}
	e.push(kind, this, val)
}

func (e *Entry) push(kind Kind, this xids.TXNID, val []byte) {
	r := Record{Kind: kind, XID: this, Value: val}
	if kind != KindInsert {
		r.Value = nil
	}
	if this == xids.None {
		e.committed = append(e.committed, r)
		return
	}
	e.provisional = append(e.provisional, r)
}

func (e *Entry) removeInnermost() {
	if n := len(e.provisional); n > 0 {
		e.provisional = e.provisional[:n-1]
		return
	}
	e.committed = e.committed[:len(e.committed)-1]
}

func (e *Entry) commit(this xids.TXNID) {
	if this == xids.None || len(e.provisional) == 0 || e.innermostXID() != this {
		return
	}
	if len(e.provisional) == 1 {
		e.promoteToCommitted()
		return
	}
	e.promoteToIndex(len(e.provisional) - 2)
}

func (e *Entry) abort(this xids.TXNID) {
	if this == xids.None || len(e.provisional) == 0 || e.innermostXID() != this {
		return
	}
	e.provisional = e.provisional[:len(e.provisional)-1]
	for n := len(e.provisional); n > 0 && e.provisional[n-1].Kind == KindPlaceholder; n-- {
		e.provisional = e.provisional[:n-1]
	}
}

// promoteToCommitted turns the innermost provisional value into a new
// committed record owned by the outermost provisional transaction.
func (e *Entry) promoteToCommitted() {
	inner := e.innermost()
	outer := e.provisional[0].XID
	e.provisional = e.provisional[:0]
	e.committed = append(e.committed, Record{Kind: inner.Kind, XID: outer, Value: inner.Value})
}

// promoteToIndex moves the innermost provisional value into slot i,
// discarding everything inside it.
func (e *Entry) promoteToIndex(i int) {
	inner := e.innermost()
	owner := e.provisional[i].XID
	e.provisional = append(e.provisional[:i], Record{Kind: inner.Kind, XID: owner, Value: inner.Value})
}

func (e *Entry) commitAll() {
	inner := e.innermostReal()
	e.committed = append(e.committed[:0], Record{Kind: inner.Kind, Value: inner.Value})
	e.provisional = nil
}

func (e *Entry) optimize(horizon xids.TXNID) {
	if len(e.provisional) > 0 && (horizon == xids.None || e.provisional[0].XID < horizon) {
		e.promoteToCommitted()
	}
	e.compactCommitted(horizon)
}

// compactCommitted drops committed records shadowed by a newer record that is
// itself older than horizon. None means no reader is alive.
func (e *Entry) compactCommitted(horizon xids.TXNID) {
	keep := 0
	for i := len(e.committed) - 1; i >= 0; i-- {
		if horizon == xids.None || e.committed[i].XID < horizon {
			keep = i
			break
		}
	}
	if keep > 0 {
		e.committed = append(e.committed[:0], e.committed[keep:]...)
	}
}
