package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TheEntropyCollective/autotune/pkg/logging"
)

// watchDebounce coalesces the burst of fsnotify events an editor save or
// atomic rename-replace produces into a single reload.
const watchDebounce = 100 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk and pushes
// the new Config to registered callbacks. A reload that fails to parse or
// validate is logged and dropped; callbacks only ever see valid configs.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	mu        sync.Mutex
	callbacks []func(*Config)

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher starts watching the given configuration file. The file itself
// may not exist yet, but its directory must; editors that replace the file
// by rename are picked up through the directory watch.
func NewWatcher(path string, logger *logging.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	dir := filepath.Dir(absPath)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("config directory does not exist: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("config")
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		path:    absPath,
		watcher: fsWatcher,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go w.eventLoop()

	return w, nil
}

// OnChange registers a callback invoked with every successfully reloaded
// Config. Callbacks run on the reload timer's goroutine and should return
// quickly.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Path returns the watched configuration file path.
func (w *Watcher) Path() string {
	return w.path
}

// Stop stops the watcher and releases its file handles. A reload already in
// flight may still complete.
func (w *Watcher) Stop() error {
	w.cancel()

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()

	err := w.watcher.Close()
	<-w.done
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	defer close(w.done)

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	// Debounce rapid events on the same file
	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(watchDebounce, w.reload)
	w.debounceMu.Unlock()
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}

	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous configuration", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}

	w.logger.Info("configuration reloaded", map[string]interface{}{
		"path": w.path,
	})

	w.mu.Lock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
}
