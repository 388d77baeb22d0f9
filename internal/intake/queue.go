package intake

import (
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned when the submission queue is at capacity.
	ErrQueueFull = errors.New("submission queue full")

	// ErrQueueClosed is returned for submissions after shutdown began.
	ErrQueueClosed = errors.New("submission queue closed")
)

// submissionQueue is a bounded, thread-safe FIFO queue of stabilized file
// paths.
//
// Enqueue never blocks: at capacity the submission is rejected and the
// caller drops it. A dropped file is naturally retried on its next
// filesystem event, so freshness wins over completeness here.
//
// The queue uses a signal channel to enable context-aware waiting in the
// worker loop (prevents goroutine hangs on shutdown).
type submissionQueue struct {
	mu       sync.Mutex
	paths    []string
	capacity int
	closed   bool
	signal   chan struct{} // Signals availability (buffered, size 1)
}

func newSubmissionQueue(capacity int) *submissionQueue {
	return &submissionQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a path to the back of the queue.
// Returns ErrQueueFull at capacity and ErrQueueClosed after Close.
func (q *submissionQueue) Enqueue(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.paths) >= q.capacity {
		return ErrQueueFull
	}

	q.paths = append(q.paths, path)

	// Non-blocking - buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// TryDequeue attempts to dequeue without blocking.
// Returns ("", false) if the queue is empty.
func (q *submissionQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.paths) == 0 {
		return "", false
	}

	path := q.paths[0]
	if len(q.paths) == 1 {
		q.paths = q.paths[:0]
	} else {
		q.paths = q.paths[1:]
	}

	return path, true
}

// Wait returns a channel that signals when paths may be available.
// The channel is closed when the queue closes, waking all waiters.
func (q *submissionQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue depth.
func (q *submissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.paths)
}

// Closed reports whether Close has been called.
func (q *submissionQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further submissions and wakes blocked waiters.
// Already-queued paths remain dequeueable for draining.
func (q *submissionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
