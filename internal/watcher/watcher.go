// Package watcher watches the cluster manifest file with fsnotify and invokes a
// debounced callback when it is created or rewritten.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// ManifestWatcher watches a single manifest path. The parent directory is
// watched rather than the file so that atomic replace-by-rename is seen.
type ManifestWatcher struct {
	path     string
	onChange func(ctx context.Context)
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	timer    *time.Timer
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// Option configures a ManifestWatcher.
type Option func(*ManifestWatcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(w *ManifestWatcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce overrides the quiet period before onChange fires.
func WithDebounce(d time.Duration) Option {
	return func(w *ManifestWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewManifestWatcher creates a watcher for path. onChange runs once per burst of
// writes, after the debounce period.
func NewManifestWatcher(path string, onChange func(ctx context.Context), opts ...Option) *ManifestWatcher {
	w := &ManifestWatcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: defaultDebounce,
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns the watched manifest path.
func (w *ManifestWatcher) Path() string { return w.path }

// Start starts watching. It runs until ctx is cancelled or Stop is called.
func (w *ManifestWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw
	w.started = true
	w.logger.Debug("manifest watcher starting", zap.String("path", w.path))
	go w.run(ctx, fw)
	return nil
}

func (w *ManifestWatcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("manifest watcher error", zap.Error(err))
			}
		}
	}
}

func (w *ManifestWatcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	w.logger.Debug("manifest event", zap.String("op", ev.Op.String()))
	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
		w.schedule(ctx)
	}
}

func (w *ManifestWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		w.logger.Debug("manifest changed (debounced)", zap.String("path", w.path))
		if w.onChange != nil {
			w.onChange(ctx)
		}
	})
}

// Stop stops the watcher and releases resources.
func (w *ManifestWatcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
