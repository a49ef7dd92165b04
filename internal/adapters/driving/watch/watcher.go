// Package watch triggers change detection when a local file source is
// modified on disk, instead of waiting for the next scheduled scan.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/custodia-labs/harvest-cli/internal/core/domain"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
	"github.com/custodia-labs/harvest-cli/internal/core/ports/driving"
	"github.com/custodia-labs/harvest-cli/internal/logger"
)

// debounceDelay coalesces editor write bursts into one detection run.
const debounceDelay = 2 * time.Second

// Watcher maps filesystem events on file-type sources to change
// detection runs.
type Watcher struct {
	sources  driven.SourceStore
	detector driving.ChangeDetector

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	byPath   map[string]string // absolute path -> source ID
	pending  map[string]*time.Timer
	stopOnce sync.Once
}

// New creates a watcher. Call Start to register paths and begin
// dispatching.
func New(sources driven.SourceStore, detector driving.ChangeDetector) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		sources:  sources,
		detector: detector,
		fsw:      fsw,
		byPath:   make(map[string]string),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start registers every local file source and blocks dispatching
// events until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	sources, err := w.sources.List(ctx)
	if err != nil {
		return err
	}
	for i := range sources {
		w.addSource(&sources[i])
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error: %v", err)
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.fsw.Close()
	})
	return err
}

// addSource registers a single source's path when it points at the
// local filesystem.
func (w *Watcher) addSource(source *domain.Source) {
	if source.Type != domain.SourceTypeFile {
		return
	}
	path := localPath(source.URL)
	if path == "" {
		return
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	if err := w.fsw.Add(abs); err != nil {
		logger.Warn("Cannot watch %s: %v", abs, err)
		return
	}

	w.mu.Lock()
	w.byPath[abs] = source.ID
	w.mu.Unlock()
	logger.Debug("Watching %s for source %s", abs, source.ID)
}

// schedule arms a debounce timer for the source owning the path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	sourceID, ok := w.byPath[abs]
	if !ok {
		return
	}

	if timer, armed := w.pending[abs]; armed {
		timer.Reset(debounceDelay)
		return
	}
	w.pending[abs] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, abs)
		w.mu.Unlock()

		logger.Info("File changed, scanning source %s", sourceID)
		if _, err := w.detector.DetectChanges(ctx, sourceID); err != nil {
			logger.Warn("Change detection for source %s failed: %v", sourceID, err)
		}
	})
}

// localPath extracts a filesystem path from a source URL. Returns ""
// for remote sources.
func localPath(url string) string {
	switch {
	case strings.HasPrefix(url, "file://"):
		return strings.TrimPrefix(url, "file://")
	case strings.HasPrefix(url, "/"), strings.HasPrefix(url, "./"):
		return url
	}
	return ""
}
