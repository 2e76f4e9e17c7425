package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Watch monitors the given configuration file and invokes onChange with the
// freshly parsed Config whenever the file is rewritten. Invalid intermediate
// contents are logged and skipped. Watching stops when ctx is cancelled.
//
// The parent directory is watched rather than the file itself so that
// editors that replace the file via rename are handled.
func Watch(ctx context.Context, path string, log logr.Logger, onChange func(Config)) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback cannot be nil")
	}

	absPath, absErr := filepath.Abs(path)
	if absErr != nil {
		return fmt.Errorf("could not resolve configuration file path '%s': %w", path, absErr)
	}

	watcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return fmt.Errorf("could not create configuration watcher: %w", watcherErr)
	}

	if addErr := watcher.Add(filepath.Dir(absPath)); addErr != nil {
		watcher.Close()
		return fmt.Errorf("could not watch configuration directory: %w", addErr)
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}

				data, readErr := os.ReadFile(absPath)
				if readErr != nil {
					log.Error(readErr, "Could not re-read configuration file", "path", absPath)
					continue
				}

				cfg, parseErr := Parse(data)
				if parseErr != nil {
					log.Error(parseErr, "Ignoring invalid configuration file contents", "path", absPath)
					continue
				}

				log.Info("Configuration file changed, applying new configuration", "path", absPath)
				onChange(cfg)

			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error(watchErr, "Configuration watcher error")
			}
		}
	}()

	return nil
}
