package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchViewer reloads the viewer config at path on every change and hands it to apply.
// A file that fails to load is logged and skipped. WatchViewer blocks until ctx is done.
func WatchViewer(ctx context.Context, path string, logger *zerolog.Logger, apply func(Viewer)) error {
	log := logger.With().Str("component", "config-watch").Str("path", path).Logger()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	// editors replace the file, so the directory is watched
	target := filepath.Clean(path)
	if err = watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	log.Debug().Msg("watching config")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := LoadViewer(target)
			if err != nil {
				log.Error().Err(err).Msg("config reload failed")
				continue
			}
			log.Info().Msg("config reloaded")
			apply(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watcher error")
		}
	}
}
