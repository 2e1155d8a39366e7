package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Reload re-reads the backing file and swaps in the new client and user
// tables. Concurrent calls for the same file share one read. On error
// the previous snapshot stays in place. The scope catalog is not
// reloaded; it is fixed for the life of the process.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}
	_, err, _ := r.reloads.Do(r.path, func() (any, error) {
		f, err := ReadFile(r.path)
		if err != nil {
			return nil, err
		}
		// A half-written file parses as empty; never swap that in.
		if len(f.Clients) == 0 {
			return nil, fmt.Errorf("registry file %s has no clients", r.path)
		}
		return nil, r.install(f)
	})
	return err
}

// Watch monitors the registry file and reloads it on change. It blocks
// until the context is cancelled. The parent directory is watched
// rather than the file so editors that replace the file by rename are
// picked up.
func (r *Registry) Watch(ctx context.Context, logger *slog.Logger) error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(r.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching registry directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := r.Reload(); err != nil {
				logger.Warn("registry reload failed, keeping previous clients",
					slog.String("path", target),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Info("registry reloaded",
				slog.String("path", target),
				slog.Int("clients", r.Len()),
			)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			logger.Warn("registry watcher error", slog.String("error", err.Error()))
		}
	}
}
