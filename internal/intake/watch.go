package intake

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Watcher delivers raw filesystem change notifications for the drop
// directory. The watch mechanism is a collaborator behind this interface;
// production uses fsnotify, tests feed events directly.
type Watcher interface {
	// Events yields paths of created or modified regular files.
	Events() <-chan string
	// Errors yields watch-level failures. The stream ends on Close.
	Errors() <-chan error
	// Close stops the watch and closes both channels.
	Close() error
}

// fsWatcher adapts fsnotify to the Watcher interface, forwarding only
// create/write events for regular files. The watch is non-recursive.
type fsWatcher struct {
	inner  *fsnotify.Watcher
	events chan string
	errs   chan error
}

// NewFSWatcher starts watching dir (non-recursive).
func NewFSWatcher(dir string) (Watcher, error) {
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := inner.Add(dir); err != nil {
		inner.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &fsWatcher{
		inner:  inner,
		events: make(chan string),
		errs:   make(chan error),
	}
	go w.loop()
	return w, nil
}

func (w *fsWatcher) loop() {
	defer close(w.events)
	defer close(w.errs)

	for {
		select {
		case ev, ok := <-w.inner.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			// Directory events never reach the debouncer.
			if info, err := os.Stat(ev.Name); err != nil || info.IsDir() {
				continue
			}
			w.events <- ev.Name

		case err, ok := <-w.inner.Errors:
			if !ok {
				return
			}
			w.errs <- err
		}
	}
}

func (w *fsWatcher) Events() <-chan string { return w.events }
func (w *fsWatcher) Errors() <-chan error  { return w.errs }

func (w *fsWatcher) Close() error {
	return w.inner.Close()
}
