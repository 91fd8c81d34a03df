package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce is how long the watcher waits for more changes before
// reloading, so editors that write in several steps trigger one reload.
const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the config file on change and hands each valid new
// configuration to the Reloads channel. Invalid files are logged and
// skipped, the previous configuration stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   bool

	reloads chan *Config
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:    path,
		watcher: fsw,
		logger:  logger,
		reloads: make(chan *Config, 1),
	}, nil
}

// Reloads returns the channel of reloaded configurations.
func (w *Watcher) Reloads() <-chan *Config { return w.reloads }

// Start begins watching the config file's directory. Watching the
// directory instead of the file survives rename-based atomic writes.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.processEvents(ctx)
	w.logger.Info("config watcher started", "path", w.path)
	return nil
}

// Stop stops the watcher. The reloads channel is closed by the event
// goroutine when it exits.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.reloads)
	ticker := time.NewTicker(reloadDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.pendingMu.Lock()
				w.pending = true
				w.pendingMu.Unlock()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	pending := w.pending
	w.pending = false
	w.pendingMu.Unlock()
	if !pending {
		return
	}

	cfg, err := LoadFromFile(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Warn("ignoring invalid config change", "path", w.path, "error", err)
		return
	}

	select {
	case w.reloads <- cfg:
		w.logger.Info("config reloaded", "path", w.path)
	default:
		w.logger.Warn("reload channel full, dropping config change", "path", w.path)
	}
}
