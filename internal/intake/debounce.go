package intake

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Debouncer coalesces the burst of change notifications a writer produces
// while a file is being written into one stable submission per path.
//
// One timer exists per in-flight path. A repeat event before the delay
// elapses cancels and replaces the timer, so a path is submitted exactly
// once, after its last event plus the delay. No ordering is guaranteed
// between different paths; same-path order holds because a fired timer is
// discarded before a new one can be created.
type Debouncer struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	delay   time.Duration
	ext     string
	submit  func(path string)
	stopped bool
}

// NewDebouncer creates a debouncer that calls submit for each stabilized
// path. ext filters events before debouncing (e.g. ".json"); empty means
// no filtering.
func NewDebouncer(delay time.Duration, ext string, submit func(path string)) *Debouncer {
	return &Debouncer{
		timers: make(map[string]*time.Timer),
		delay:  delay,
		ext:    ext,
		submit: submit,
	}
}

// OnEvent handles one raw create/modify notification. It must not process
// the file itself; it only arms or re-arms the path's timer.
func (d *Debouncer) OnEvent(path string) {
	if d.ext != "" && !strings.EqualFold(filepath.Ext(path), d.ext) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if timer, ok := d.timers[path]; ok {
		timer.Stop()
	}
	d.timers[path] = time.AfterFunc(d.delay, func() {
		d.fire(path)
	})
}

// fire runs on the timer goroutine when a path goes quiet.
func (d *Debouncer) fire(path string) {
	d.mu.Lock()
	delete(d.timers, path)
	stopped := d.stopped
	d.mu.Unlock()

	if stopped {
		return
	}

	slog.Debug("file stabilized", "path", path)
	d.submit(path)
}

// Stop cancels all pending timers and drops further events.
// Timers that already fired may still complete their submit call.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for path, timer := range d.timers {
		timer.Stop()
		delete(d.timers, path)
	}
}

// Pending returns the number of armed timers. Used for testing.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
