package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and hands validated snapshots to
// a callback. Invalid files are logged and never applied.
type Watcher struct {
	path     string
	onApply  func(Config)
	logger   *slog.Logger
	debounce time.Duration

	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWatcher(path string, onApply func(Config), logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		onApply:  onApply,
		logger:   logger.With(slog.String("component", "config-watcher")),
		debounce: 100 * time.Millisecond,
	}
}

// Start begins watching the directory containing the config file. Watching
// the directory instead of the file survives editors that replace on save.
func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(w.path)); err != nil {
		fs.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}
	w.fs = fs

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", slogError(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", slogError(err))
		return
	}
	w.logger.Info("config reloaded", slog.String("path", w.path))
	if w.onApply != nil {
		w.onApply(cfg)
	}
}

func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.fs != nil {
		err = w.fs.Close()
	}
	w.wg.Wait()
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
