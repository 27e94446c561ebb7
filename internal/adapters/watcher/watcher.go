// Package watcher provides file system watching for catalog hot-reload.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event represents a file system event.
type Event struct {
	Path      string
	Operation Operation
}

// Operation represents the type of file operation.
type Operation int

// File operation types.
const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Handler is called with every relevant event of a settled burst.
type Handler func(ctx context.Context, events []Event) error

// Watcher watches raster directories and reports bursts of changes once
// they have settled. A burst is one handler call, however many files it
// touched, so copying a whole tile set triggers one rebuild.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   Handler
	match     func(path string) bool
	logger    *slog.Logger
	paths     []string
	debounce  time.Duration

	mu        sync.Mutex
	pending   map[string]Operation
	lastEvent time.Time
	running   bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config holds watcher configuration.
type Config struct {
	Paths    []string
	Debounce time.Duration
	// Match selects the files whose events are reported. Nil matches all.
	Match func(path string) bool
}

// New creates a new file watcher.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce == 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Match == nil {
		cfg.Match = func(string) bool { return true }
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		handler:   handler,
		match:     cfg.Match,
		logger:    logger,
		paths:     dedupPaths(cfg.Paths),
		debounce:  cfg.Debounce,
		pending:   make(map[string]Operation),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start starts watching the configured paths. Paths that cannot be watched
// are logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	for _, path := range w.paths {
		if err := w.addPath(path); err != nil {
			w.logger.Warn("failed to watch path", "path", path, "error", err)
		}
	}

	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.debounceLoop(ctx)

	return nil
}

// Stop stops the watcher and waits for its loops and a running handler to
// exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fsWatcher.Close()
	})
	w.wg.Wait()
	return err
}

// eventLoop processes fsnotify events.
func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handleFsEvent records a single fsnotify event.
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if !w.match(event.Name) {
		return
	}

	w.logger.Debug("file event", "path", event.Name, "op", event.Op.String())
	w.record(event.Name, fsnotifyOpToOperation(event.Op), time.Now())
}

// record merges an event into the pending burst.
func (w *Watcher) record(path string, op Operation, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastEvent = at
	existing, exists := w.pending[path]
	if !exists {
		w.pending[path] = op
		return
	}
	w.pending[path] = mergeOperation(existing, op)
}

// mergeOperation combines two operations on the same file.
func mergeOperation(existing, newOp Operation) Operation {
	switch {
	case existing == OpDelete && newOp == OpCreate:
		// Deleted then recreated
		return OpCreate
	case newOp == OpDelete:
		return OpDelete
	case existing == OpCreate:
		// Writes after a create are part of the create
		return OpCreate
	default:
		return newOp
	}
}

// debounceLoop flushes settled bursts.
func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	tick := w.debounce / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case <-ticker.C:
			if events := w.takeSettled(time.Now()); events != nil {
				w.dispatch(ctx, events)
			}
		}
	}
}

// takeSettled returns and clears the pending burst once no event arrived
// for the debounce interval. It returns nil while the handler is still busy
// with the previous burst.
func (w *Watcher) takeSettled(now time.Time) []Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 || w.running || now.Sub(w.lastEvent) < w.debounce {
		return nil
	}

	events := make([]Event, 0, len(w.pending))
	for path, op := range w.pending {
		events = append(events, Event{Path: path, Operation: op})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })

	w.pending = make(map[string]Operation)
	w.running = true
	return events
}

func (w *Watcher) dispatch(ctx context.Context, events []Event) {
	w.logger.Info("processing file changes", "files", len(events))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
		}()

		if err := w.handler(ctx, events); err != nil {
			w.logger.Error("handler error", "files", len(events), "error", err)
		}
	}()
}

// fsnotifyOpToOperation converts fsnotify.Op to our Operation type.
func fsnotifyOpToOperation(op fsnotify.Op) Operation {
	switch {
	case op.Has(fsnotify.Remove):
		return OpDelete
	case op.Has(fsnotify.Rename):
		// The file is gone from its original location
		return OpDelete
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpModify
	}
}

// addPath adds a path to watch.
func (w *Watcher) addPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	if err := w.fsWatcher.Add(absPath); err != nil {
		return err
	}

	w.logger.Info("watching directory", "path", absPath)
	return nil
}

func dedupPaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		clean := filepath.Clean(p)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		out = append(out, clean)
	}
	return out
}
