package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// Watch reloads the config whenever the file changes and calls onReload
// after a successful apply. The shared *Config is updated in place via
// ReplaceFrom so existing holders observe the new values. Watching stops
// when ctx is cancelled.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}

	// Watch the directory: editors replace files via rename, which drops
	// a direct file watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go watchLoop(ctx, watcher, path, cfg, onReload)
	slog.Debug("watching config", "path", path)
	return nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, cfg *Config, onReload func(*Config)) {
	defer watcher.Close()

	base := filepath.Base(path)
	lastHash := cfg.Hash()
	debounce := time.NewTimer(watchDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	reload := func() {
		next, err := Load(path)
		if err != nil {
			slog.Warn("config reload failed, keeping previous", "path", path, "error", err)
			return
		}
		if next.Hash() == lastHash {
			return
		}
		lastHash = next.Hash()
		cfg.ReplaceFrom(next)
		slog.Info("config reloaded", "path", path)
		if onReload != nil {
			onReload(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			return

		case <-debounce.C:
			reload()

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Coalesce editor write bursts into one reload.
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}
