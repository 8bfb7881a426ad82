package catalog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/taskreg/tasktype"
)

const (
	// eventChannelBuffer is the size of the sync event channel.
	eventChannelBuffer = 16

	defaultDebounce = 500 * time.Millisecond
)

// SyncEvent reports the outcome of one re-sync triggered by file changes.
type SyncEvent struct {
	Report SyncReport
	Err    error
	At     time.Time
}

// Watcher re-syncs a registry whenever matching catalog files change.
type Watcher struct {
	pattern  string
	base     string
	glob     string
	debounce time.Duration
	reg      *tasktype.Registry
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	// Debouncing: collect changes before syncing
	pendingMu sync.Mutex
	pending   bool

	// digest of the last catalog applied; unchanged content is not re-synced
	digest string

	events        chan SyncEvent
	droppedEvents atomic.Int64
}

// NewWatcher creates a watcher for the catalog files matched by pattern.
// pattern accepts the same forms as Load.
func NewWatcher(pattern string, reg *tasktype.Registry, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	base, glob, err := splitPattern(pattern)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	return &Watcher{
		pattern:  pattern,
		base:     base,
		glob:     glob,
		debounce: debounce,
		reg:      reg,
		watcher:  fsw,
		logger:   logger,
		events:   make(chan SyncEvent, eventChannelBuffer),
	}, nil
}

// Events returns the channel of sync events. It is closed when the watcher
// stops.
func (w *Watcher) Events() <-chan SyncEvent {
	return w.events
}

// SetDigest records the digest of a catalog that was already synced, so the
// first change event only re-syncs if content differs.
func (w *Watcher) SetDigest(digest string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	w.digest = digest
}

// Start begins watching. It returns once the watches are in place.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addWatchesRecursive(w.base); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Catalog watcher started",
		"pattern", w.pattern,
		"dir", w.base,
		"debounce", w.debounce)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// DroppedEvents returns the number of events dropped due to channel overflow.
func (w *Watcher) DroppedEvents() int64 {
	return w.droppedEvents.Load()
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		base := filepath.Base(path)
		if strings.HasPrefix(base, ".") && path != root {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory",
				"path", path,
				"error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Catalog watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory",
					"path", event.Name,
					"error", err)
			}
			return
		}
	}

	match, err := doublestar.PathMatch(w.glob, event.Name)
	if err != nil || !match {
		return
	}

	w.pendingMu.Lock()
	w.pending = true
	w.pendingMu.Unlock()

	w.logger.Debug("Catalog change detected",
		"path", event.Name,
		"op", event.Op.String())
}

func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	if !w.pending {
		w.pendingMu.Unlock()
		return
	}
	w.pending = false
	last := w.digest
	w.pendingMu.Unlock()

	cat, err := Load(w.pattern)
	if err != nil {
		w.logger.Warn("Failed to reload catalog", "pattern", w.pattern, "error", err)
		w.sendEvent(SyncEvent{Err: err, At: time.Now()})
		return
	}
	if cat.Digest() == last {
		return
	}

	report, err := Sync(w.reg, cat, w.logger)
	if err != nil && !errors.Is(err, ErrConflict) {
		w.sendEvent(SyncEvent{Report: report, Err: err, At: time.Now()})
		return
	}

	w.pendingMu.Lock()
	w.digest = cat.Digest()
	w.pendingMu.Unlock()

	w.sendEvent(SyncEvent{Report: report, Err: err, At: time.Now()})
}

func (w *Watcher) sendEvent(event SyncEvent) {
	select {
	case w.events <- event:
	default:
		dropped := w.droppedEvents.Add(1)
		w.logger.Warn("Sync event channel full, dropping event",
			"total_dropped", dropped)
	}
}
