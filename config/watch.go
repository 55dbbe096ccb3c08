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

// DefaultWatchDebounce coalesces bursts of writes into one reload.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes and passes the new settings to
// onChange. Invalid files are logged and skipped. The containing
// directory is watched so editors that replace the file are seen. Watch
// returns once the watcher is running; it stops when ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(Settings)) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go watchLoop(ctx, watcher, abs, DefaultWatchDebounce, logger.With("component", "config"), onChange)
	return nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, debounce time.Duration, logger *slog.Logger, onChange func(Settings)) {
	defer watcher.Close()

	var mu sync.Mutex
	var timer *time.Timer
	reload := func() {
		s, err := Load(path)
		if err != nil {
			logger.Warn("config reload failed", "path", path, "error", err)
			return
		}
		logger.Info("config reloaded", "path", path)
		onChange(s)
	}
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, reload)
	}
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
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watch error", "error", err)
		}
	}
}
