// Package reload rebuilds a pool when its YAML config file changes, keeping
// the day and context counters of backends that survive the reload.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ineyio/quotapool"
)

// DefaultDebounce is the quiet period before a burst of file events
// triggers one reload.
const DefaultDebounce = 200 * time.Millisecond

// Watcher watches a config file and resets a pool from it.
type Watcher struct {
	path     string
	pool     *quotapool.Pool
	logger   *slog.Logger
	debounce time.Duration
	onError  func(error)
	onReload func(quotapool.Config)

	mu      sync.Mutex
	timer   *time.Timer
	running bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets the debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// OnError registers a hook called when a reload fails. The pool is left
// unchanged in that case.
func OnError(fn func(error)) Option {
	return func(w *Watcher) { w.onError = fn }
}

// OnReload registers a hook called after every successful reload.
func OnReload(fn func(quotapool.Config)) Option {
	return func(w *Watcher) { w.onReload = fn }
}

// New creates a Watcher for the config file at path.
func New(path string, pool *quotapool.Pool, opts ...Option) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		pool:     pool,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "reload.watcher", "path", w.path)
	return w
}

// Run watches until ctx is cancelled. The parent directory is watched so
// that editors replacing the file by rename are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("quotapool: watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.setStopped()
		return fmt.Errorf("quotapool: create watcher: %w", err)
	}
	defer func() {
		fsw.Close()
		w.setStopped()
	}()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("quotapool: watch %s: %w", w.path, err)
	}
	w.logger.Info("config watcher started", "debounce_ms", w.debounce.Milliseconds())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("quotapool: watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			w.logger.Debug("config event", "op", event.Op.String())
			w.schedule(ctx)

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("quotapool: watcher errors channel closed")
			}
			w.logger.Error("config watcher error", "error", err)
			w.report(err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := w.Reload(ctx); err != nil {
			w.logger.Error("config reload failed", "error", err)
			w.report(err)
		}
	})
}

func (w *Watcher) setStopped() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.running = false
}

func (w *Watcher) report(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

// Reload reads the config file and reconfigures the pool from it. Backends
// whose ID exists before and after keep their limiter, so their counters
// and windows carry over, bounded by the new limits, and requests admitted
// during the reload still count.
func (w *Watcher) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cfg, err := quotapool.LoadConfig(w.path)
	if err != nil {
		return err
	}

	if err := w.pool.Reconfigure(cfg.BackendConfigs()); err != nil {
		return fmt.Errorf("quotapool: reload: %w", err)
	}

	w.logger.Info("config reloaded", "backends", w.pool.Len())
	if w.onReload != nil {
		w.onReload(cfg)
	}
	return nil
}
