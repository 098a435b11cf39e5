package config

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig re-loads configuration whenever the discovered config file
// changes on disk, delivering each successfully parsed config to onReload.
// Parse or validation failures keep the previous config in effect. The
// watcher stops when ctx is cancelled.
func WatchConfig(ctx context.Context, cwd string, onReload func(*Config), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	var watched string
	for _, path := range candidatePaths(cwd) {
		if _, err := os.Stat(path); err == nil {
			watched = path
			break
		}
	}
	if watched == "" {
		watcher.Close()
		return nil // nothing to watch; defaults stay in effect
	}
	if err := watcher.Add(watched); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		// Editors often emit a burst of write events for one save.
		var debounce *time.Timer
		reload := func() {
			cfg, err := Load(cwd)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onReload(cfg)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Re-add after rename; some editors replace the file.
				if evt.Op&fsnotify.Rename != 0 {
					watcher.Add(watched)
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return nil
}
