// Package watch emits run-change events from the state directory, so
// the web API's event stream reflects saves made by any process, not
// just the serving one.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const stateFileName = "state.json"

// Callback receives a debounced batch of changed run ids.
type Callback func(runIDs []string)

// Watcher monitors a state directory's runs tree. New run directories
// are picked up as they appear; rapid successive saves of one run
// collapse into a single callback.
type Watcher struct {
	watcher  *fsnotify.Watcher
	runsDir  string
	callback Callback
	log      *slog.Logger

	mu       sync.Mutex
	debounce time.Duration
	pending  map[string]struct{}
	timer    *time.Timer

	cancel context.CancelFunc
}

// New creates a watcher over the runs tree of stateDir.
func New(stateDir string, callback Callback, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		watcher:  fsw,
		runsDir:  filepath.Join(stateDir, "runs"),
		callback: callback,
		log:      log.With("component", "watch"),
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]struct{}),
	}, nil
}

// Start watches existing run directories and begins the event loop.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.runsDir, 0755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}
	if err := w.watcher.Add(w.runsDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.runsDir, err)
	}

	entries, err := os.ReadDir(w.runsDir)
	if err != nil {
		return fmt.Errorf("read runs dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := w.watcher.Add(filepath.Join(w.runsDir, entry.Name())); err != nil {
			w.log.Warn("watch run dir", "run", entry.Name(), "error", err)
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
	return nil
}

// Stop ends the event loop and releases the underlying watches.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

// SetDebounce adjusts how long changes are batched before the callback.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
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
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// A run directory appearing or vanishing directly under runs/.
	if filepath.Dir(event.Name) == w.runsDir {
		runID := filepath.Base(event.Name)
		if event.Op&fsnotify.Create != 0 {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.watcher.Add(event.Name); err != nil {
					w.log.Warn("watch run dir", "run", runID, "error", err)
				}
				w.markChanged(runID)
			}
			return
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.markChanged(runID)
		}
		return
	}

	// The store writes records via temp-then-rename, which lands here
	// as a Create of state.json inside the run directory.
	if filepath.Base(event.Name) != stateFileName {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.markChanged(filepath.Base(filepath.Dir(event.Name)))
}

func (w *Watcher) markChanged(runID string) {
	if runID == "" || runID == "." {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[runID] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if w.callback == nil || len(pending) == 0 {
		return
	}
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	w.callback(ids)
}
