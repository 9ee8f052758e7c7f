package phase

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the prompt-override file when it changes on disk.
// Rapid editor saves are batched: the reload fires once the file has been
// quiet for a full debounce window, so a save spread over several writes
// is picked up after the last write, not the first.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	registry *OverridableRegistry
	path     string
	debounce time.Duration
	lastSeen time.Time
	pending  bool
	logger   *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewWatcher creates a watcher for the registry's override file.
func NewWatcher(registry *OverridableRegistry, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watcher:  fsw,
		registry: registry,
		path:     registry.path,
		debounce: 500 * time.Millisecond,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching in a goroutine. Watching the parent directory
// rather than the file itself survives editor rename-on-save.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("phase override watch failed", zap.String("dir", dir), zap.Error(err))
	} else {
		w.logger.Debug("watching phase overrides", zap.String("path", w.path))
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
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
	w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// Debounce ticker for batching rapid changes.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.mu.Lock()
			w.pending = true
			w.lastSeen = time.Now()
			w.mu.Unlock()
		case <-ticker.C:
			w.reloadIfSettled()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("phase override watcher error", zap.Error(err))
		}
	}
}

// reloadIfSettled reloads once pending changes have been quiet past the
// debounce window.
func (w *Watcher) reloadIfSettled() {
	w.mu.Lock()
	if !w.pending || time.Since(w.lastSeen) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.mu.Unlock()

	if err := w.registry.Reload(); err != nil {
		w.logger.Warn("phase override reload failed", zap.Error(err))
	} else {
		w.logger.Info("phase overrides reloaded", zap.String("path", w.path))
	}
}
