// Package stats tracks ingestion counters and reports them periodically.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	filesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inspectd_files_processed_total",
		Help: "Measurement files picked up for processing.",
	})
	processingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inspectd_processing_errors_total",
		Help: "Measurement files that failed to parse.",
	})
	submissionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inspectd_submissions_dropped_total",
		Help: "File submissions rejected because the intake queue was full.",
	})
	notificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inspectd_notifications_dropped_total",
		Help: "Correction frames dropped on full terminal mailboxes.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inspectd_queue_depth",
		Help: "Files currently waiting in the intake queue.",
	})
)

// Snapshot is one point-in-time view of the counters.
type Snapshot struct {
	FilesProcessed       uint64
	ProcessingErrors     uint64
	SubmissionsDropped   uint64
	NotificationsDropped uint64
	QueueDepth           int
	Uptime               time.Duration
}

// Tracker counts processing outcomes. All methods are safe for
// concurrent use. The Prometheus metrics mirror the local counters so an
// optional scrape endpoint sees the same numbers the periodic log line
// reports.
type Tracker struct {
	mu                   sync.Mutex
	filesProcessed       uint64
	processingErrors     uint64
	submissionsDropped   uint64
	notificationsDropped uint64

	start time.Time
	depth func() int
}

// NewTracker creates a tracker. depth reports the current intake queue
// length; nil means queue depth is always zero.
func NewTracker(depth func() int) *Tracker {
	if depth == nil {
		depth = func() int { return 0 }
	}
	return &Tracker{start: time.Now(), depth: depth}
}

// FileProcessed records one file picked up by a worker. Counted at
// pickup, not at completion, so a shard miss still shows as throughput.
func (t *Tracker) FileProcessed() {
	t.mu.Lock()
	t.filesProcessed++
	t.mu.Unlock()
	filesProcessed.Inc()
}

// ProcessingError records one unparseable file.
func (t *Tracker) ProcessingError() {
	t.mu.Lock()
	t.processingErrors++
	t.mu.Unlock()
	processingErrors.Inc()
}

// SubmissionDropped records one file rejected on a full intake queue.
func (t *Tracker) SubmissionDropped() {
	t.mu.Lock()
	t.submissionsDropped++
	t.mu.Unlock()
	submissionsDropped.Inc()
}

// NotificationDropped records one frame dropped on a full mailbox.
func (t *Tracker) NotificationDropped() {
	t.mu.Lock()
	t.notificationsDropped++
	t.mu.Unlock()
	notificationsDropped.Inc()
}

// Snapshot returns the current counter values.
func (t *Tracker) Snapshot() Snapshot {
	depth := t.depth()
	queueDepth.Set(float64(depth))

	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		FilesProcessed:       t.filesProcessed,
		ProcessingErrors:     t.processingErrors,
		SubmissionsDropped:   t.submissionsDropped,
		NotificationsDropped: t.notificationsDropped,
		QueueDepth:           depth,
		Uptime:               time.Since(t.start),
	}
}

// Log emits one structured summary line.
func (t *Tracker) Log() {
	s := t.Snapshot()
	slog.Info("processing stats",
		"files_processed", s.FilesProcessed,
		"processing_errors", s.ProcessingErrors,
		"submissions_dropped", s.SubmissionsDropped,
		"notifications_dropped", s.NotificationsDropped,
		"queue_depth", s.QueueDepth,
		"uptime", s.Uptime.Round(time.Second).String(),
	)
}

// RunReporter logs the summary every interval until ctx is done.
func (t *Tracker) RunReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Log()
		}
	}
}
