package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moolen/lochness/internal/logging"
)

// ReloadCallback is called when the config file is successfully reloaded.
// If the callback returns an error, it is logged but the watcher continues
// watching.
type ReloadCallback func(cfg *Config) error

// WatcherConfig holds configuration for the config file Watcher.
type WatcherConfig struct {
	// FilePath is the path to the Lochness YAML config file to watch
	FilePath string

	// DebounceMillis coalesces multiple file change events within this
	// period into a single reload. Default: 500ms.
	DebounceMillis int
}

// Watcher watches the Lochness config file for changes and triggers reload
// callbacks with debouncing, so notification routing and source settings can
// change without restarting the daemon.
//
// Invalid configs during reload are logged but do not crash the watcher - it
// continues watching with the previous valid config.
type Watcher struct {
	config   WatcherConfig
	callback ReloadCallback
	cancel   context.CancelFunc
	stopped  chan struct{}
	mu       sync.Mutex
	logger   *logging.Logger

	// debounceTimer coalesces bursts of file change events
	debounceTimer *time.Timer
}

// newFsWatcher is replaceable in tests
var newFsWatcher = fsnotify.NewWatcher

// NewWatcher creates a new watcher for the given config file.
// The callback is invoked once with the initial config and again whenever
// the file changes and the new config is valid.
func NewWatcher(config WatcherConfig, callback ReloadCallback) (*Watcher, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("FilePath cannot be empty")
	}

	if callback == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}

	if config.DebounceMillis == 0 {
		config.DebounceMillis = 500
	}

	return &Watcher{
		config:   config,
		callback: callback,
		stopped:  make(chan struct{}),
		logger:   logging.GetLogger("config.watcher"),
	}, nil
}

// Start loads the initial config, calls the callback, and begins watching
// for file changes. Returns an error if the initial load, the callback or
// the file watch setup fails: a daemon must not run with hot reload
// silently dead.
func (w *Watcher) Start(ctx context.Context) error {
	initialConfig, err := Load(w.config.FilePath)
	if err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}

	if err := w.callback(initialConfig); err != nil {
		return fmt.Errorf("initial callback failed: %w", err)
	}

	w.logger.Info("Loaded initial config from %s", w.config.FilePath)

	// Set up the watch synchronously so file changes are not missed
	// during startup and setup failures surface to the caller.
	watcher, err := newFsWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(w.config.FilePath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file %s: %w", w.config.FilePath, err)
	}

	w.logger.Info("Watching %s for changes (debounce: %dms)",
		w.config.FilePath, w.config.DebounceMillis)

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.watchLoop(watchCtx, watcher)

	return nil
}

// watchLoop is the main file watching loop
func (w *Watcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(w.stopped)
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Context cancelled, stopping config watcher")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			// Write, Create, Rename and Remove are all relevant: editors
			// and atomic writers unlink or rename the file, which changes
			// the watched inode and requires re-adding the watch.
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create ||
				event.Op&fsnotify.Rename == fsnotify.Rename ||
				event.Op&fsnotify.Remove == fsnotify.Remove {
				if event.Op&fsnotify.Rename == fsnotify.Rename ||
					event.Op&fsnotify.Remove == fsnotify.Remove {
					// Small delay to let the rename/recreate complete
					time.Sleep(50 * time.Millisecond)
					if err := watcher.Add(w.config.FilePath); err != nil {
						w.logger.Warn("Failed to re-add watch after %s: %v", event.Op, err)
					}
				}
				w.handleFileChange()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error: %v", err)
		}
	}
}

// handleFileChange debounces file change events by resetting a timer on
// each event.
func (w *Watcher) handleFileChange() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(
		time.Duration(w.config.DebounceMillis)*time.Millisecond,
		w.reloadConfig,
	)
}

// reloadConfig reloads the config file and calls the callback if successful.
// Invalid configs are logged but don't crash the watcher.
func (w *Watcher) reloadConfig() {
	w.logger.Info("Reloading config from %s", w.config.FilePath)

	newConfig, err := Load(w.config.FilePath)
	if err != nil {
		w.logger.Warn("Failed to load config (keeping previous config): %v", err)
		return
	}

	if err := w.callback(newConfig); err != nil {
		w.logger.Warn("Reload callback error (continuing to watch): %v", err)
		return
	}

	w.logger.Info("Config reloaded successfully")
}

// Stop gracefully stops the file watcher.
// Waits up to 5 seconds for the watch loop to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}

	select {
	case <-w.stopped:
		w.logger.Debug("Config watcher stopped gracefully")
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for watcher to stop")
	}
}
