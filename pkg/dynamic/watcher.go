package dynamic

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the config directory for out-of-band edits to the dynamic
// document and triggers a validation/repair pass. Operators occasionally
// hand-edit the document or a sidecar process truncates it; the watcher
// makes sure the proxy never runs for long against a broken file.
//
// Events are debounced so an editor's write-rename-chmod burst triggers a
// single pass.
type Watcher struct {
	store    *Store
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewWatcher creates a watcher over the store's config directory.
func NewWatcher(store *Store) *Watcher {
	return &Watcher{
		store:    store,
		logger:   slog.Default().With("component", "dynamic.watcher"),
		debounce: 500 * time.Millisecond,
	}
}

// Watch blocks, invoking onChange after every debounced burst of events that
// touches the dynamic document. It returns when the context is cancelled.
func (w *Watcher) Watch(ctx context.Context, onChange func()) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.store.DynamicPath())
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.logger.Info("dynamic config watcher started", "dir", dir)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			// Debounce: restart the timer on every relevant event.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			w.logger.Debug("dynamic document changed on disk, revalidating")
			onChange()
		}
	}
}

// Stop terminates a running Watch call.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		close(w.stopCh)
		w.running = false
	}
}

// relevant filters events down to the dynamic document itself, ignoring the
// store's own temp files and quarantine sidecars.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || strings.Contains(name, ".corrupted.") {
		return false
	}
	return name == filepath.Base(w.store.DynamicPath())
}
