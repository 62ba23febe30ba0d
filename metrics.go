package fractal

import (
	"sync/atomic"
	"time"
)

// MetricsObserver receives cache events. Implement it to feed a monitoring
// system such as Prometheus; examples/observability has an adapter.
//
// Methods may be called with internal locks held. They must be cheap and
// must not call back into the environment.
type MetricsObserver interface {
	// OnCacheHit is called when a pin finds its node resident.
	OnCacheHit()
	// OnCacheMiss is called after a node was read from storage.
	OnCacheMiss(latency time.Duration, err error)
	// OnEviction is called when bytes left the cache. partial is true when
	// only some partitions of a node were released.
	OnEviction(bytes int64, partial bool)
	// OnFlush is called after a node was written back.
	OnFlush(checkpoint bool, err error)
	// OnCheckpoint is called when a checkpoint ends.
	OnCheckpoint(duration time.Duration, nodes int, err error)
}

// NoopMetricsObserver ignores every event.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnCacheHit()                            {}
func (NoopMetricsObserver) OnCacheMiss(time.Duration, error)       {}
func (NoopMetricsObserver) OnEviction(int64, bool)                 {}
func (NoopMetricsObserver) OnFlush(bool, error)                    {}
func (NoopMetricsObserver) OnCheckpoint(time.Duration, int, error) {}

// BasicMetricsObserver counts events in memory.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsObserver struct {
	Hits                 atomic.Int64
	Misses               atomic.Int64
	MissErrors           atomic.Int64
	MissTotalNanos       atomic.Int64
	Evictions            atomic.Int64
	PartialEvictions     atomic.Int64
	EvictedBytes         atomic.Int64
	Flushes              atomic.Int64
	CheckpointFlushes    atomic.Int64
	FlushErrors          atomic.Int64
	Checkpoints          atomic.Int64
	CheckpointErrors     atomic.Int64
	CheckpointNodes      atomic.Int64
	CheckpointTotalNanos atomic.Int64
}

// OnCacheHit implements MetricsObserver.
func (b *BasicMetricsObserver) OnCacheHit() {
	b.Hits.Add(1)
}

// OnCacheMiss implements MetricsObserver.
func (b *BasicMetricsObserver) OnCacheMiss(latency time.Duration, err error) {
	b.Misses.Add(1)
	b.MissTotalNanos.Add(latency.Nanoseconds())
	if err != nil {
		b.MissErrors.Add(1)
	}
}

// OnEviction implements MetricsObserver.
func (b *BasicMetricsObserver) OnEviction(bytes int64, partial bool) {
	if partial {
		b.PartialEvictions.Add(1)
	} else {
		b.Evictions.Add(1)
	}
	b.EvictedBytes.Add(bytes)
}

// OnFlush implements MetricsObserver.
func (b *BasicMetricsObserver) OnFlush(checkpoint bool, err error) {
	b.Flushes.Add(1)
	if checkpoint {
		b.CheckpointFlushes.Add(1)
	}
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// OnCheckpoint implements MetricsObserver.
func (b *BasicMetricsObserver) OnCheckpoint(duration time.Duration, nodes int, err error) {
	b.Checkpoints.Add(1)
	b.CheckpointNodes.Add(int64(nodes))
	b.CheckpointTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CheckpointErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		Hits:               b.Hits.Load(),
		Misses:             b.Misses.Load(),
		MissErrors:         b.MissErrors.Load(),
		MissAvgNanos:       avg(b.MissTotalNanos.Load(), b.Misses.Load()),
		Evictions:          b.Evictions.Load(),
		PartialEvictions:   b.PartialEvictions.Load(),
		EvictedBytes:       b.EvictedBytes.Load(),
		Flushes:            b.Flushes.Load(),
		CheckpointFlushes:  b.CheckpointFlushes.Load(),
		FlushErrors:        b.FlushErrors.Load(),
		Checkpoints:        b.Checkpoints.Load(),
		CheckpointErrors:   b.CheckpointErrors.Load(),
		CheckpointNodes:    b.CheckpointNodes.Load(),
		CheckpointAvgNanos: avg(b.CheckpointTotalNanos.Load(), b.Checkpoints.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	Hits               int64
	Misses             int64
	MissErrors         int64
	MissAvgNanos       int64
	Evictions          int64
	PartialEvictions   int64
	EvictedBytes       int64
	Flushes            int64
	CheckpointFlushes  int64
	FlushErrors        int64
	Checkpoints        int64
	CheckpointErrors   int64
	CheckpointNodes    int64
	CheckpointAvgNanos int64
}

// HitRatio returns the share of pins served from the cache.
func (s BasicMetricsStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
