package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/playingpack/playingpack/internal/domain/service"
)

// Watcher hot-reloads the proxy settings section when the config file
// changes on disk. Only the runtime-adjustable knobs (cache mode,
// intervene, upstream) are applied live; listener and storage settings
// need a restart.
type Watcher struct {
	path     string
	settings *service.SettingsStore
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	done     chan struct{}
}

// NewWatcher creates a watcher over the given config file.
func NewWatcher(path string, settings *service.SettingsStore, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files by rename,
	// which drops a direct file watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	return &Watcher{
		path:     path,
		settings: settings,
		watcher:  fsw,
		logger:   logger.With(zap.String("component", "config-watcher")),
		done:     make(chan struct{}),
	}, nil
}

// Start begins the watch loop in the background.
func (w *Watcher) Start() {
	w.logger.Info("Config watcher started", zap.String("path", w.path))

	go func() {
		for {
			select {
			case <-w.done:
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.reload()
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("Watch error", zap.Error(err))
			}
		}
	}()
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping current settings",
			zap.Error(err),
		)
		return
	}

	applied := cfg.Settings()
	w.settings.Replace(applied)
	w.logger.Info("Settings reloaded from config",
		zap.String("cache", string(applied.Cache)),
		zap.Bool("intervene", applied.Intervene),
		zap.String("upstream", applied.Upstream),
	)
}
