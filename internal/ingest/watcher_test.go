package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"farsight/internal/store"

	"github.com/fsnotify/fsnotify"
)

func newTestWatcher(t *testing.T) (*Watcher, *store.LocalStore, string) {
	t.Helper()
	ix, st := newTestIndexer(t)
	dir := t.TempDir()
	w, err := NewWatcher(ix, dir)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	t.Cleanup(func() { w.watcher.Close() })
	return w, st, dir
}

// waitForChunks polls the store until the source has want chunks or the
// deadline passes.
func waitForChunks(t *testing.T, st *store.LocalStore, sourceID string, want bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		chunks, err := st.GetChunksBySource(sourceID)
		if err != nil {
			t.Fatalf("GetChunksBySource failed: %v", err)
		}
		if (len(chunks) > 0) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for chunks=%v on %s (have %d)", want, sourceID, len(chunks))
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestWatcherDebouncedWriteIndexesFile(t *testing.T) {
	w, st, dir := newTestWatcher(t)
	w.debounceDur = 0

	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("fresh notes about quorum sizes"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	w.processDebounced(context.Background())

	chunks, err := st.GetChunksBySource(SourceID(path))
	if err != nil {
		t.Fatalf("GetChunksBySource failed: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("Expected chunks after a settled write event")
	}

	stats := w.GetStats()
	if stats.FilesIndexed != 1 {
		t.Errorf("FilesIndexed = %d, want 1", stats.FilesIndexed)
	}
	if stats.ChunksWritten != len(chunks) {
		t.Errorf("ChunksWritten = %d, want %d", stats.ChunksWritten, len(chunks))
	}
	if stats.LastEventPath != path {
		t.Errorf("LastEventPath = %q, want %q", stats.LastEventPath, path)
	}
}

func TestWatcherRapidWritesSettleToOneIndex(t *testing.T) {
	w, st, dir := newTestWatcher(t)
	w.debounceDur = 50 * time.Millisecond

	path := filepath.Join(dir, "draft.txt")
	if err := os.WriteFile(path, []byte("rapidly saved draft content"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Create})
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})

	// Nothing settles inside the debounce window.
	w.processDebounced(context.Background())
	if got := w.GetStats().FilesIndexed; got != 0 {
		t.Fatalf("Indexed before debounce settled: %d", got)
	}

	time.Sleep(60 * time.Millisecond)
	w.processDebounced(context.Background())

	stats := w.GetStats()
	if stats.FilesIndexed != 1 {
		t.Errorf("FilesIndexed = %d, want 1", stats.FilesIndexed)
	}
	chunks, _ := st.GetChunksBySource(SourceID(path))
	if len(chunks) == 0 {
		t.Error("Expected chunks after settling")
	}
}

func TestWatcherRemoveDeletesChunks(t *testing.T) {
	w, st, dir := newTestWatcher(t)

	path := filepath.Join(dir, "gone.md")
	if err := os.WriteFile(path, []byte("soon to be deleted evidence"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := w.indexer.IndexFile(context.Background(), path); err != nil {
		t.Fatalf("IndexFile failed: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Remove})

	chunks, err := st.GetChunksBySource(SourceID(path))
	if err != nil {
		t.Fatalf("GetChunksBySource failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("Expected 0 chunks after remove, got %d", len(chunks))
	}
	if got := w.GetStats().FilesRemoved; got != 1 {
		t.Errorf("FilesRemoved = %d, want 1", got)
	}
}

func TestWatcherHiddenFilesNeverQueued(t *testing.T) {
	w, _, dir := newTestWatcher(t)
	w.queue(filepath.Join(dir, ".env"))
	w.queue(filepath.Join(dir, "visible.txt"))

	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.debounceMap) != 1 {
		t.Errorf("Expected only the visible file queued, got %d entries", len(w.debounceMap))
	}
}

func TestWatcherLiveRoundTrip(t *testing.T) {
	w, st, dir := newTestWatcher(t)
	w.debounceDur = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if !w.IsWatching() {
		t.Fatal("Expected IsWatching true after Start")
	}

	path := filepath.Join(dir, "live.md")
	if err := os.WriteFile(path, []byte("live evidence written under watch"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	waitForChunks(t, st, SourceID(path), true)

	// New subdirectories get watched and swept.
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	nested := filepath.Join(sub, "nested.txt")
	if err := os.WriteFile(nested, []byte("nested file under a new directory"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	waitForChunks(t, st, SourceID(nested), true)

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	waitForChunks(t, st, SourceID(path), false)

	w.Stop()
	if w.IsWatching() {
		t.Error("Expected IsWatching false after Stop")
	}
}

func TestWatcherStartMissingRoot(t *testing.T) {
	ix, _ := newTestIndexer(t)
	w, err := NewWatcher(ix, filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.watcher.Close()

	if err := w.Start(context.Background()); err == nil {
		t.Error("Expected error for missing root")
	}
	if w.IsWatching() {
		t.Error("Failed Start must not leave the watcher marked running")
	}
}
