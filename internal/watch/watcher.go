// Package watch observes task workspace directories and surfaces file
// changes on the event bus, giving dashboards a live view without
// polling.
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"conductor/internal/events"
	"conductor/internal/logging"
)

// Watcher publishes TypeFileChanged events for task directories.
type Watcher struct {
	bus *events.Bus
	fs  *fsnotify.Watcher

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New starts a watcher pumping events onto bus.
func New(bus *events.Bus) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{bus: bus, fs: fs, done: make(chan struct{})}
	go w.pump()
	return w, nil
}

// WatchTask registers a task directory and its event subdirectories.
// Directories that do not exist yet are skipped quietly; WatchTask is
// called again as spawn paths create them.
func (w *Watcher) WatchTask(taskDir string) {
	for _, dir := range []string{
		taskDir,
		filepath.Join(taskDir, "progress"),
		filepath.Join(taskDir, "findings"),
		filepath.Join(taskDir, "handovers"),
	} {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			logging.Get(logging.CategoryEvents).Warn("watch %s: %v", dir, err)
		}
	}
}

// UnwatchTask removes a task directory from the watch set.
func (w *Watcher) UnwatchTask(taskDir string) {
	for _, dir := range []string{
		taskDir,
		filepath.Join(taskDir, "progress"),
		filepath.Join(taskDir, "findings"),
		filepath.Join(taskDir, "handovers"),
	} {
		w.fs.Remove(dir)
	}
}

// Close stops the watcher and waits for the pump to exit. Idempotent.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) pump() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !interesting(ev) {
				continue
			}
			w.bus.Publish(events.Event{
				Type: events.TypeFileChanged,
				Payload: map[string]any{
					"path": ev.Name,
					"op":   ev.Op.String(),
				},
			})
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryEvents).Warn("watcher error: %v", err)
		}
	}
}

// interesting filters out noise: temp files from atomic writes and
// lock files from the advisory-lock layer.
func interesting(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Base(ev.Name)
	if strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".lock") {
		return false
	}
	return true
}
