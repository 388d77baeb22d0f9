package intake

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ProcessesSubmissions(t *testing.T) {
	var processed sync.Map
	done := make(chan string, 10)

	p := NewPool(10, 1, func(ctx context.Context, path string) {
		processed.Store(path, true)
		done <- path
	}, nil)
	p.Start(context.Background())
	defer p.Shutdown(time.Second)

	require.True(t, p.Submit("a.json"))
	require.True(t, p.Submit("b.json"))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("worker did not process submission")
		}
	}

	_, ok := processed.Load("a.json")
	assert.True(t, ok)
	_, ok = processed.Load("b.json")
	assert.True(t, ok)
}

func TestPool_SuppressesDuplicateInFlight(t *testing.T) {
	var drops atomic.Int64
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	p := NewPool(10, 1, func(ctx context.Context, path string) {
		started <- struct{}{}
		<-release
	}, func() { drops.Add(1) })
	p.Start(context.Background())

	require.True(t, p.Submit("a.json"))
	<-started

	// Same path while its attempt is running: rejected, once.
	assert.False(t, p.Submit("a.json"))
	assert.Equal(t, int64(1), drops.Load())
	assert.Equal(t, 1, p.InFlight())

	close(release)

	// After completion the path is re-processable.
	require.Eventually(t, func() bool {
		return p.InFlight() == 0
	}, time.Second, 5*time.Millisecond)
	assert.True(t, p.Submit("a.json"))

	p.Shutdown(time.Second)
}

func TestPool_FullQueueDoesNotBlockOrGrowInFlight(t *testing.T) {
	var drops atomic.Int64
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	// Capacity 1, single worker stalled on the first item.
	p := NewPool(1, 1, func(ctx context.Context, path string) {
		started <- struct{}{}
		<-release
	}, func() { drops.Add(1) })
	p.Start(context.Background())

	require.True(t, p.Submit("a.json"))
	<-started
	require.True(t, p.Submit("b.json")) // fills the single queue slot

	before := p.InFlight()
	submitted := make(chan bool, 1)
	go func() { submitted <- p.Submit("c.json") }()

	select {
	case ok := <-submitted:
		assert.False(t, ok, "submission over capacity is rejected")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Submit blocked on a full queue")
	}

	assert.Equal(t, before, p.InFlight(), "rejected path must not stay in flight")
	assert.Equal(t, int64(1), drops.Load())

	close(release)
	p.Shutdown(time.Second)
}

func TestPool_ShutdownDrainsQueued(t *testing.T) {
	var count atomic.Int64
	p := NewPool(10, 1, func(ctx context.Context, path string) {
		count.Add(1)
	}, nil)
	p.Start(context.Background())

	for _, path := range []string{"a.json", "b.json", "c.json"} {
		require.True(t, p.Submit(path))
	}

	p.Shutdown(time.Second)
	assert.Equal(t, int64(3), count.Load(), "queued items drain before shutdown completes")
	assert.Zero(t, p.QueueDepth())
}

func TestPool_ShutdownAbandonsQueuedOnTimeout(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var count atomic.Int64

	p := NewPool(10, 1, func(ctx context.Context, path string) {
		count.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}, nil)
	p.Start(context.Background())

	require.True(t, p.Submit("a.json"))
	require.True(t, p.Submit("b.json"))
	require.True(t, p.Submit("c.json"))
	<-started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	p.Shutdown(20 * time.Millisecond)

	// Only the in-flight item finished; the rest were abandoned.
	assert.Equal(t, int64(1), count.Load())
}

func TestPool_ShutdownWithoutStart(t *testing.T) {
	p := NewPool(10, 1, func(ctx context.Context, path string) {}, nil)

	// No workers ever ran; Shutdown must complete without panicking even
	// if the drain races the timeout.
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Zero timeout steers the drain into the timed-out branch.
		p.Shutdown(0)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown hung on a never-started pool")
	}
	assert.False(t, p.Submit("late.json"))
}

func TestPool_SubmissionsRejectedAfterShutdown(t *testing.T) {
	p := NewPool(10, 1, func(ctx context.Context, path string) {}, nil)
	p.Start(context.Background())
	p.Shutdown(time.Second)

	assert.False(t, p.Submit("late.json"))
	assert.Zero(t, p.InFlight())
}

func TestPool_HandlerPanicDoesNotKillWorker(t *testing.T) {
	var count atomic.Int64
	done := make(chan struct{}, 2)

	p := NewPool(10, 1, func(ctx context.Context, path string) {
		defer func() { done <- struct{}{} }()
		if path == "bad.json" {
			panic("corrupt payload")
		}
		count.Add(1)
	}, nil)
	p.Start(context.Background())
	defer p.Shutdown(time.Second)

	require.True(t, p.Submit("bad.json"))
	require.True(t, p.Submit("good.json"))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("worker died after panic")
		}
	}

	assert.Equal(t, int64(1), count.Load())
	require.Eventually(t, func() bool {
		return p.InFlight() == 0
	}, time.Second, 5*time.Millisecond, "panicked path leaves the in-flight set")
}
