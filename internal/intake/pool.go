package intake

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one stabilized file path. Failure accounting is the
// handler's business; the pool only guarantees the in-flight bookkeeping.
type Handler func(ctx context.Context, path string)

// Pool drains the submission queue with a fixed set of workers and
// guarantees at most one in-flight processing attempt per path.
//
// A path enters the in-flight set before it is enqueued and leaves it
// only when its processing attempt completes, whatever the outcome. That
// is the single removal point, so a file that changes again is always
// eventually re-processable.
type Pool struct {
	queue   *submissionQueue
	workers int

	mu       sync.Mutex
	inflight map[string]struct{}

	handler Handler
	onDrop  func()

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a pool with the given queue capacity and worker count.
// onDrop is invoked for every rejected submission (duplicate or capacity);
// nil is allowed.
func NewPool(capacity, workers int, handler Handler, onDrop func()) *Pool {
	if onDrop == nil {
		onDrop = func() {}
	}
	return &Pool{
		queue:    newSubmissionQueue(capacity),
		workers:  workers,
		inflight: make(map[string]struct{}),
		handler:  handler,
		onDrop:   onDrop,
		// Replaced in Start; keeps Shutdown safe on a pool that never ran.
		cancel: func() {},
	}
}

// Start launches the workers. Must be called once.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	slog.Info("worker pool started", "workers", p.workers)
}

// Submit queues a stabilized path for processing. Never blocks.
//
// Returns false when the path is already in flight (duplicate
// suppression) or the queue is at capacity (backpressure); both are
// logged and counted, never raised to the caller - the debounce timer
// goroutine must not stall.
func (p *Pool) Submit(path string) bool {
	p.mu.Lock()
	if _, dup := p.inflight[path]; dup {
		p.mu.Unlock()
		slog.Debug("path already in flight, ignoring", "path", path)
		p.onDrop()
		return false
	}
	p.inflight[path] = struct{}{}
	p.mu.Unlock()

	if err := p.queue.Enqueue(path); err != nil {
		p.removeInflight(path)
		slog.Warn("submission rejected", "path", path, "error", err)
		p.onDrop()
		return false
	}

	slog.Debug("path queued", "path", path, "depth", p.queue.Len())
	return true
}

// QueueDepth returns the number of queued, not yet started paths.
func (p *Pool) QueueDepth() int {
	return p.queue.Len()
}

// InFlight returns the number of paths queued or being processed.
// Used for testing.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Shutdown stops intake and drains the queue up to timeout. In-flight
// work finishes; paths still only queued when the timeout expires are
// abandoned without error.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker pool drained")
	case <-time.After(timeout):
		abandoned := p.queue.Len()
		p.cancel()
		<-done
		slog.Warn("worker pool shutdown timed out", "abandoned", abandoned)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	slog.Debug("worker started", "worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		path, ok := p.queue.TryDequeue()
		if ok {
			p.runOne(ctx, path)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.queue.Wait():
			// The signal channel closes when the queue closes; once
			// closed and empty there is nothing left to drain.
			if p.queue.Closed() && p.queue.Len() == 0 {
				slog.Debug("worker stopping: queue drained", "worker", id)
				return
			}
		}
	}
}

// runOne invokes the handler for one path, guaranteeing in-flight removal
// and containing panics so one bad file cannot take down the pool.
func (p *Pool) runOne(ctx context.Context, path string) {
	defer p.removeInflight(path)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked", "path", path, "panic", r)
		}
	}()
	p.handler(ctx, path)
}

func (p *Pool) removeInflight(path string) {
	p.mu.Lock()
	delete(p.inflight, path)
	p.mu.Unlock()
}
