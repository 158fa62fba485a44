package engine

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the presets file whenever it is written and calls onReload
// after each attempt. It runs until ctx is cancelled. A file that fails to
// parse is logged and the previous presets stay active.
func (s *PresetStore) Watch(ctx context.Context, onReload func(names []string, err error)) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.path); err != nil {
		return err
	}
	s.logger.Info("presets: watching for changes", slog.String("path", s.path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic saves arrive as Create after a rename.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			err := s.Reload()
			if err != nil {
				s.logger.Error("presets: reload failed, keeping previous presets",
					slog.String("path", s.path), slog.Any("error", err))
			} else {
				s.logger.Info("presets: reloaded", slog.String("path", s.path))
				_ = watcher.Add(s.path)
			}
			if onReload != nil {
				onReload(s.Names(), err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("presets: watcher error", slog.Any("error", err))
		}
	}
}
