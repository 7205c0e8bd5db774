package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the verbose flag from the configuration file at path
// whenever the file changes, until ctx is done.
//
// The containing directory is watched rather than the file itself so that
// editors which save by renaming a temporary file are picked up. A file that
// fails to load is logged and the previous value is kept.
func Watch(ctx context.Context, log *slog.Logger, path string, settings *Settings) error {
	log = log.With("component", "config_watcher", "path", path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	log.Debug("Watching configuration file")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != abs {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := LoadFile(abs)
			if err != nil {
				log.Warn("Ignoring invalid configuration change", "error", err)

				continue
			}

			if settings.Verbose() != cfg.Verbose {
				log.Info("Verbose logging changed", "verbose", cfg.Verbose)
				settings.SetVerbose(cfg.Verbose)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			log.Warn("Configuration watcher error", "error", err)
		}
	}
}
