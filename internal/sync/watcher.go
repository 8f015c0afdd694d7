package sync

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wesm/ccrelay/internal/logging"
)

// EventKind classifies a debounced filesystem event.
type EventKind string

const (
	EventAdd    EventKind = "add"
	EventChange EventKind = "change"
	EventUnlink EventKind = "unlink"
)

// WatchEvent is one debounced change to a path.
type WatchEvent struct {
	Kind EventKind
	Path string
}

type pendingEvent struct {
	kind EventKind
	at   time.Time
}

// Watcher uses fsnotify to watch log directories for changes
// and triggers a callback with debouncing.
type Watcher struct {
	onChange func(events []WatchEvent)
	watcher  *fsnotify.Watcher
	debounce time.Duration
	pending  map[string]pendingEvent
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	stopped  atomic.Bool
	now      func() time.Time
	log      *zap.Logger
}

// NewWatcher creates a file watcher that calls onChange with the
// events whose debounce period has elapsed.
func NewWatcher(
	debounce time.Duration, onChange func(events []WatchEvent),
	log *zap.Logger,
) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback is nil: %w", os.ErrInvalid)
	}
	if debounce <= 0 {
		return nil, fmt.Errorf("debounce must be positive: %w", os.ErrInvalid)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		onChange: onChange,
		watcher:  fsw,
		debounce: debounce,
		pending:  make(map[string]pendingEvent),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
		log:      logging.OrNop(log),
	}
	return w, nil
}

// WatchRecursive walks a directory tree and adds all
// subdirectories to the watch list. Returns the number
// of directories watched and unwatched (failed to add).
func (w *Watcher) WatchRecursive(root string) (watched int, unwatched int, err error) {
	if _, err := os.Stat(root); err != nil {
		return 0, 0, err
	}
	err = filepath.WalkDir(root,
		func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip inaccessible dirs
			}
			if d.IsDir() {
				if addErr := w.watcher.Add(path); addErr != nil {
					unwatched++
				} else {
					watched++
				}
			}
			return nil
		})
	return watched, unwatched, err
}

// Start begins processing file events in a goroutine.
func (w *Watcher) Start() {
	if w.started.Swap(true) {
		return
	}
	go w.loop()
}

// Stop stops the watcher and waits for it to finish. Events
// still inside their debounce window are dropped.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		close(w.stop)
		if w.started.Load() {
			<-w.done
		}
		w.watcher.Close()
	})
}

// IsWatching reports whether the watcher is started and not yet
// stopped.
func (w *Watcher) IsWatching() bool {
	return w.started.Load() && !w.stopped.Load()
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
			w.log.Warn("watcher error", zap.Error(err))

		case <-ticker.C:
			w.flush()
		}
	}
}

// handleEvent maps a single fsnotify event to a pending change,
// auto-watching newly created directories.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	var kind EventKind
	switch {
	case event.Op&fsnotify.Create != 0:
		if w.watchIfDir(event.Name) {
			return
		}
		kind = EventAdd
	case event.Op&fsnotify.Write != 0:
		kind = EventChange
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		kind = EventUnlink
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	// A write right after a create is still an add.
	if prev, ok := w.pending[event.Name]; ok &&
		prev.kind == EventAdd && kind == EventChange {
		kind = EventAdd
	}
	w.pending[event.Name] = pendingEvent{kind: kind, at: w.now()}
}

// watchIfDir reports whether path is a directory. A new
// directory is watched along with its subdirectories, and files
// already inside it become pending adds.
func (w *Watcher) watchIfDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	_ = filepath.WalkDir(path,
		func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if w.watcher != nil {
					if err := w.watcher.Add(p); err != nil {
						w.log.Warn("watching new directory",
							zap.String("path", p), zap.Error(err))
					}
				}
				return nil
			}
			w.mu.Lock()
			w.pending[p] = pendingEvent{kind: EventAdd, at: w.now()}
			w.mu.Unlock()
			return nil
		})
	return true
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}

	now := w.now()
	var ready []WatchEvent
	for path, ev := range w.pending {
		if now.Sub(ev.at) >= w.debounce {
			ready = append(ready, WatchEvent{Kind: ev.kind, Path: path})
		}
	}

	for _, ev := range ready {
		delete(w.pending, ev.Path)
	}
	w.mu.Unlock()

	if len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return ready[i].Path < ready[j].Path
		})
		w.log.Debug("watcher: files changed",
			zap.Int("count", len(ready)))
		w.onChange(ready)
	}
}
