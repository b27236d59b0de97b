// Package watch re-runs a callback when any of a set of files changes.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 300 * time.Millisecond

// Watcher watches the directories holding its files, since editors often replace a
// file instead of writing it in place.
type Watcher struct {
	files    map[string]bool
	onChange func(path string) error
	delay    time.Duration
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	debounce *time.Timer
	logger   *slog.Logger
}

// New returns a watcher calling onChange with the changed path. Bursts of events
// within the debounce delay collapse into one call.
func New(onChange func(path string) error, paths ...string) (*Watcher, error) {
	w := &Watcher{files: make(map[string]bool), onChange: onChange, delay: debounceDelay}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		w.files[abs] = true
	}
	return w, nil
}

func (w *Watcher) SetLogger(logger *slog.Logger) {
	w.logger = logger
}

// Start blocks until ctx is done or the underlying watcher fails.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher
	defer w.watcher.Close()

	dirs := make(map[string]bool)
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.stop()
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.relevant(event) {
				w.schedule(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logError("watcher_error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return w.files[abs]
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		w.debounce = nil
		w.mu.Unlock()

		if err := w.onChange(path); err != nil {
			w.logError("rerun_failed", "path", path, "error", err)
			return
		}
		w.logInfo("rerun_done", "path", path)
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
}

func (w *Watcher) logInfo(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Info(msg, args...)
	}
}

func (w *Watcher) logError(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Error(msg, args...)
	}
}
