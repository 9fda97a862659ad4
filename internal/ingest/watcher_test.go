package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

// startTestWatcherNoCleanup sets up a watcher without registering
// t.Cleanup(w.Stop), for tests that explicitly exercise Stop().
func startTestWatcherNoCleanup(
	t *testing.T, onChange func([]string),
) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWatcher(50*time.Millisecond, onChange)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	w.Start()
	return w, dir
}

func startTestWatcher(
	t *testing.T, onChange func([]string),
) (*Watcher, string) {
	t.Helper()
	w, dir := startTestWatcherNoCleanup(t, onChange)
	t.Cleanup(func() { w.Stop() })
	return w, dir
}

func waitWithTimeout(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatal(msg)
	}
}

// newMockWatcher creates a Watcher struct for internal unit tests.
func newMockWatcher(
	debounce time.Duration, onChange func([]string),
) *Watcher {
	return &Watcher{
		debounce: debounce,
		pending:  make(map[string]time.Time),
		onChange: onChange,
		now:      time.Now,
	}
}

func setPending(w *Watcher, path string, t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = t
}

func getPendingCount(w *Watcher) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func TestWatcherCallsOnChange(t *testing.T) {
	var mu sync.Mutex
	var gotPaths []string
	done := make(chan struct{})
	var once sync.Once

	_, dir := startTestWatcher(t, func(paths []string) {
		mu.Lock()
		gotPaths = append(gotPaths, paths...)
		mu.Unlock()
		once.Do(func() { close(done) })
	})

	path := filepath.Join(dir, "events.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitWithTimeout(t, done, 5*time.Second, "timed out waiting for onChange callback")

	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(gotPaths, path) {
		t.Fatalf("onChange did not contain expected path %s, got %v", path, gotPaths)
	}
}

func TestWatcherStopIsClean(t *testing.T) {
	w, _ := startTestWatcherNoCleanup(t, func(_ []string) {})

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	waitWithTimeout(t, stopped, 5*time.Second, "Stop() did not return in time")
}

func TestWatcherStopIdempotency(t *testing.T) {
	w, _ := startTestWatcherNoCleanup(t, func(_ []string) {})
	w.Stop()
	w.Stop()

	w2, _ := startTestWatcherNoCleanup(t, func(_ []string) {})
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			w2.Stop()
		})
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	waitWithTimeout(t, done, 5*time.Second, "concurrent Stop() timed out")
}

func TestHandleEventFilters(t *testing.T) {
	w := newMockWatcher(0, nil)

	w.handleEvent(fsnotify.Event{Name: "a.jsonl", Op: fsnotify.Chmod})
	w.handleEvent(fsnotify.Event{Name: "a.jsonl", Op: fsnotify.Remove})
	w.handleEvent(fsnotify.Event{Name: "notes.txt", Op: fsnotify.Write})
	if n := getPendingCount(w); n != 0 {
		t.Fatalf("expected 0 pending, got %d", n)
	}

	w.handleEvent(fsnotify.Event{Name: "/tmp/a.jsonl", Op: fsnotify.Create})
	w.handleEvent(fsnotify.Event{Name: "/tmp/B.JSONL", Op: fsnotify.Write})
	if n := getPendingCount(w); n != 2 {
		t.Fatalf("expected 2 pending, got %d", n)
	}
}

func TestFlushRespectsDebouncePeriod(t *testing.T) {
	var called atomic.Bool
	w := newMockWatcher(100*time.Millisecond,
		func(_ []string) { called.Store(true) },
	)
	setPending(w, "/tmp/recent.jsonl", time.Now())

	w.flush()

	if called.Load() {
		t.Fatal("flush should not call onChange before debounce")
	}
	if n := getPendingCount(w); n != 1 {
		t.Fatalf("expected 1 pending, got %d", n)
	}
}

func TestFlushCallsOnChangeAfterDebounce(t *testing.T) {
	var gotPaths []string
	w := newMockWatcher(10*time.Millisecond,
		func(paths []string) { gotPaths = paths },
	)
	setPending(w, "/tmp/old.jsonl", time.Now().Add(-50*time.Millisecond))

	w.flush()

	if len(gotPaths) != 1 || gotPaths[0] != "/tmp/old.jsonl" {
		t.Fatalf("expected [/tmp/old.jsonl], got %v", gotPaths)
	}
	if n := getPendingCount(w); n != 0 {
		t.Fatalf("expected 0 pending after flush, got %d", n)
	}
}

func TestNewWatcherNilOnChange(t *testing.T) {
	_, err := NewWatcher(time.Second, nil)
	if !errors.Is(err, os.ErrInvalid) {
		t.Errorf("expected wrapped os.ErrInvalid, got %v", err)
	}
}
