package capture

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// WatchConfig reloads path whenever it changes and passes every config that
// parses and validates to apply. It returns once the watcher is registered;
// watching stops when ctx is done.
//
// The directory is watched rather than the file so that editors that replace
// the file on save are still seen.
func WatchConfig(ctx context.Context, path string, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				cfg, err := LoadConfig(path)
				if err != nil {
					slog.Warn("capture: config reload failed", "path", path, "error", err)
					continue
				}
				slog.Info("capture: config reloaded", "path", path)
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("capture: config watcher", "error", err)
			}
		}
	}()
	return nil
}
