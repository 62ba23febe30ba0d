package cachetable

import "time"

// Observer receives cache events. Implementations must be cheap and must
// not call back into the table; some events are delivered with table locks
// held.
type Observer interface {
	OnCacheHit()
	OnCacheMiss(latency time.Duration, err error)
	OnEviction(bytes int64, partial bool)
	OnFlush(checkpoint bool, err error)
	OnCheckpoint(duration time.Duration, pairs int, err error)
}

// NoopObserver ignores every event.
type NoopObserver struct{}

func (NoopObserver) OnCacheHit()                            {}
func (NoopObserver) OnCacheMiss(time.Duration, error)       {}
func (NoopObserver) OnEviction(int64, bool)                 {}
func (NoopObserver) OnFlush(bool, error)                    {}
func (NoopObserver) OnCheckpoint(time.Duration, int, error) {}
