package ule

import "github.com/hupe1980/fractal/internal/xids"

// GCConfig tunes the garbage-collection heuristic.
type GCConfig struct {
	// MinCommitted is the committed-stack depth at which collection is worth
	// running. Values below 2 are treated as 2.
	MinCommitted int
}

// DefaultGCConfig returns the default heuristic.
func DefaultGCConfig() GCConfig {
	return GCConfig{MinCommitted: 2}
}

// WorthGC reports whether GC could shrink e given the oldest transaction id
// any live reader may still reference.
func (e *Entry) WorthGC(oldestReferenced xids.TXNID, cfg GCConfig) bool {
	if cfg.MinCommitted < 2 {
		cfg.MinCommitted = 2
	}
	if len(e.committed) >= cfg.MinCommitted {
		return true
	}
	return len(e.provisional) > 0 && oldestReferenced != xids.None && e.provisional[0].XID < oldestReferenced
}

// GC drops committed versions that no live reader can see.
func (e *Entry) GC(oldestReferenced xids.TXNID) {
	e.compactCommitted(oldestReferenced)
}
