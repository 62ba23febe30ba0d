package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsTasks(t *testing.T) {
	p := New(4, nil)

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(t.Context(), func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	p.Close()

	assert.Equal(t, int32(100), n.Load())
}

func TestPool_CloseDrainsQueue(t *testing.T) {
	p := New(1, nil)

	release := make(chan struct{})
	require.NoError(t, p.Submit(t.Context(), func() { <-release }))

	var ran atomic.Bool
	require.NoError(t, p.Submit(t.Context(), func() { ran.Store(true) }))

	close(release)
	p.Close()
	assert.True(t, ran.Load())
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := New(1, nil)
	p.Close()
	p.Close()

	assert.ErrorIs(t, p.Submit(t.Context(), func() {}), ErrClosed)
}

func TestPool_SubmitHonoursContext(t *testing.T) {
	p := New(1, nil)
	defer p.Close()

	block := make(chan struct{})
	defer close(block)

	// One running plus a full queue.
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(t.Context(), func() { <-block }))
	}

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, func() {}), context.DeadlineExceeded)
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := New(1, slog.New(slog.DiscardHandler))

	require.NoError(t, p.Submit(t.Context(), func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, p.Submit(t.Context(), func() { close(done) }))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive panic")
	}
	p.Close()
}

func TestGo_Recovers(t *testing.T) {
	var wg sync.WaitGroup
	Go(&wg, slog.New(slog.DiscardHandler), "test", func() { panic("boom") })
	wg.Wait()
}
