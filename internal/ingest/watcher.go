package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"farsight/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// WatcherStats tracks watcher activity for the CLI and for debugging.
type WatcherStats struct {
	FilesIndexed  int
	FilesRemoved  int
	ChunksWritten int
	Errors        int
	LastEventPath string
	LastEventTime time.Time
}

// Watcher keeps a directory tree indexed as it changes. Create and write
// events are debounced so a burst of saves to one file indexes it once;
// removes delete the file's chunks immediately.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	indexer     *Indexer
	root        string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// NewWatcher builds a watcher over root backed by the given indexer.
func NewWatcher(indexer *Indexer, root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		indexer:     indexer,
		root:        root,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start registers watches over the root tree and launches the event loop.
// Non-blocking; the loop runs until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	logging.Ingest("watching %s", w.root)

	go w.run(ctx)
	return nil
}

// Stop stops the event loop and closes the underlying watcher.
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
		logging.IngestError("watcher close: %v", err)
	}
	logging.Ingest("watcher stopped")
}

// IsWatching reports whether the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetStats returns a copy of the current counters.
func (w *Watcher) GetStats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// addRecursive registers a watch on dir and every non-skipped directory
// below it. fsnotify does not recurse on its own.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// Drives debounce settling between filesystem events.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Ingest("watcher: context cancelled")
			return

		case <-w.stopCh:
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
			logging.IngestError("watcher: %v", err)
			w.recordError()

		case <-ticker.C:
			w.processDebounced(ctx)
		}
	}
}

// handleEvent routes one filesystem event. Writes are queued for debounced
// indexing; removes take effect immediately so queries stop returning
// deleted evidence.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Create != 0:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if skipDir(filepath.Base(event.Name)) {
				return
			}
			// Files can land in a new directory before its watch is
			// active; sweep it once the watch is in place.
			if err := w.addRecursive(event.Name); err != nil {
				logging.IngestWarn("watch new dir %s: %v", event.Name, err)
				return
			}
			w.sweep(event.Name)
			return
		}
		w.queue(event.Name)

	case event.Op&fsnotify.Write != 0:
		w.queue(event.Name)

	case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
		w.mu.Lock()
		delete(w.debounceMap, event.Name)
		w.mu.Unlock()
		w.removeFile(event.Name)
	}
}

// queue records a pending index for path, restarting its debounce window.
func (w *Watcher) queue(path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	now := time.Now()
	w.mu.Lock()
	w.debounceMap[path] = now
	w.stats.LastEventPath = path
	w.stats.LastEventTime = now
	w.mu.Unlock()
}

// sweep queues every file already present under dir.
func (w *Watcher) sweep(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		w.queue(path)
		return nil
	})
}

// processDebounced indexes every queued file whose last event has settled
// past the debounce window.
func (w *Watcher) processDebounced(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.indexPath(ctx, path)
	}
}

func (w *Watcher) indexPath(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted while waiting out the debounce.
			w.removeFile(path)
			return
		}
		logging.IngestWarn("stat %s: %v", path, err)
		w.recordError()
		return
	}
	if info.IsDir() || !indexable(path, info.Size()) {
		return
	}

	n, err := w.indexer.IndexFile(ctx, path)
	if err != nil {
		logging.IngestWarn("index %s: %v", path, err)
		w.recordError()
		return
	}
	w.mu.Lock()
	w.stats.FilesIndexed++
	w.stats.ChunksWritten += n
	w.mu.Unlock()
}

func (w *Watcher) removeFile(path string) {
	n, err := w.indexer.RemoveFile(path)
	if err != nil {
		logging.IngestWarn("remove %s: %v", path, err)
		w.recordError()
		return
	}
	if n > 0 {
		w.mu.Lock()
		w.stats.FilesRemoved++
		w.mu.Unlock()
		logging.Ingest("removed %d chunks for deleted file %s", n, path)
	}
}

func (w *Watcher) recordError() {
	w.mu.Lock()
	w.stats.Errors++
	w.mu.Unlock()
}
