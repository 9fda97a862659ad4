package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/talkmetrics/talkmetrics/internal/materialize"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher uses fsnotify to watch the import directory and calls
// onChange with the event files written since the last call,
// once each has been quiet for the debounce period.
type Watcher struct {
	onChange func(paths []string)
	watcher  *fsnotify.Watcher
	debounce time.Duration
	pending  map[string]time.Time
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewWatcher creates a watcher. Call Watch and then Start.
func NewWatcher(
	debounce time.Duration, onChange func(paths []string),
) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback is nil: %w", os.ErrInvalid)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		onChange: onChange,
		watcher:  fsw,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Watch adds dir to the watch list.
func (w *Watcher) Watch(dir string) error {
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	return nil
}

// Start begins processing file events in a goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop stops the watcher and waits for it to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
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
			log.Printf("watcher error: %v", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if !IsEventFile(event.Name) {
		return
	}
	w.mu.Lock()
	w.pending[event.Name] = w.now()
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	now := w.now()
	var ready []string
	for path, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			ready = append(ready, path)
		}
	}
	for _, path := range ready {
		delete(w.pending, path)
	}
	w.mu.Unlock()

	if len(ready) > 0 {
		log.Printf("watcher: %d file(s) changed, importing", len(ready))
		w.onChange(ready)
	}
}

// Materializer builds report records for newly closed
// conversations.
type Materializer interface {
	RunIncremental(ctx context.Context, opts materialize.Options) (materialize.Stats, error)
}

// Follow imports dir, then watches it until ctx is done. After
// every import that brought new conversation events, m runs for
// the touched conversations. m may be nil.
func Follow(
	ctx context.Context, im *Importer, m Materializer,
	dir string, debounce time.Duration,
) error {
	apply := func(st Stats, err error) {
		if err != nil {
			log.Printf("import: %v", err)
		}
		if m == nil || len(st.Conversations) == 0 {
			return
		}
		if _, err := m.RunIncremental(ctx, materialize.Options{
			Conversations: st.Conversations,
		}); err != nil && ctx.Err() == nil {
			log.Printf("import: materializing: %v", err)
		}
	}

	apply(im.ImportDir(ctx, dir))

	w, err := NewWatcher(debounce, func(paths []string) {
		apply(im.ImportFiles(ctx, paths))
	})
	if err != nil {
		return err
	}
	if err := w.Watch(dir); err != nil {
		w.watcher.Close()
		return err
	}
	w.Start()
	<-ctx.Done()
	w.Stop()
	return nil
}
