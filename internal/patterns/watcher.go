package patterns

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"schednerd/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the pattern override file and reloads the source when it
// settles after a change. Editors save in bursts, so events are debounced.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	source      *Source
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity for diagnostics.
type WatcherStats struct {
	FilesModified    int
	ReloadsTriggered int
	ReloadFailures   int
	Errors           int
	LastEventTime    time.Time
	LastEventPath    string
}

// NewWatcher creates a watcher over the source's override file.
func NewWatcher(source *Source) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     fsw,
		source:      source,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the loop runs in a goroutine.
// Watches the containing directory so replace-by-rename saves are seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // Already running
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.source.Path())
	if err := w.watcher.Add(dir); err != nil {
		logging.PatternsWarn("Watcher: initial watch of %s failed: %v", dir, err)
	} else {
		logging.Patterns("Watcher: watching %s", dir)
	}

	go w.run(ctx)

	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.PatternsError("Watcher: error closing: %v", err)
	}
	logging.Patterns("Watcher: stopped")
}

// IsWatching returns true if the watcher is currently running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// run is the main event loop.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.PatternsDebug("Watcher: context cancelled")
			return

		case <-w.stopCh:
			logging.PatternsDebug("Watcher: stop signal received")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.PatternsError("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebouncedEvents()
		}
	}
}

// handleEvent records a settled-candidate event for the override file.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.source.Path()) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return // Ignore chmod, remove
	}

	logging.PatternsDebug("Watcher: %s event for %s", event.Op, event.Name)

	w.mu.Lock()
	w.stats.FilesModified++
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processDebouncedEvents reloads once events have settled past the window.
func (w *Watcher) processDebouncedEvents() {
	w.mu.Lock()
	now := time.Now()
	toProcess := make([]string, 0)

	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			toProcess = append(toProcess, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for range toProcess {
		w.mu.Lock()
		w.stats.ReloadsTriggered++
		w.mu.Unlock()

		if err := w.source.Reload(); err != nil {
			logging.PatternsWarn("Watcher: reload failed, keeping previous table: %v", err)
			w.mu.Lock()
			w.stats.ReloadFailures++
			w.mu.Unlock()
		}
	}
}

// GetStats returns the current watcher statistics.
func (w *Watcher) GetStats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}
