package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/josephgoksu/taskgraph/types"
)

// DefaultDebounce collapses bursts of editor writes into one reload.
const DefaultDebounce = 200 * time.Millisecond

// ReloadFunc receives the reloaded config, or the error that prevented it.
type ReloadFunc func(cfg *types.AppConfig, err error)

// Watch reloads the config file at path whenever it changes and passes the
// result to onChange. The parent directory is watched so atomic renames by
// editors are seen. Watch returns once the watcher is running; it stops when
// ctx ends.
func Watch(ctx context.Context, path string, opts LoadOptions, debounce time.Duration, logger *slog.Logger, onChange ReloadFunc) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	opts.ConfigFile = abs
	logger = logger.With("component", "config")

	var mu sync.Mutex
	var timer *time.Timer
	reload := func() {
		cfg, _, err := Load(opts)
		if err != nil {
			logger.Warn("config reload failed", "path", abs, "error", err)
		} else {
			logger.Info("config reloaded", "path", abs)
		}
		onChange(cfg, err)
	}

	go func() {
		defer fsw.Close()
		defer func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, reload)
				mu.Unlock()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
