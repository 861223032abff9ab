package routes

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"transitbd/tracker/internal/logging"
)

// reloadDebounce coalesces the burst of events editors emit for a single save.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the catalogue whenever the file at path changes, until ctx is done.
// The parent directory is watched so atomic rename-style saves are picked up.
func (c *Catalogue) Watch(ctx context.Context, path string, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.L()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					pending = time.After(reloadDebounce)
				}
			case <-pending:
				pending = nil
				if err := c.Reload(path); err != nil {
					logger.Warn("route catalogue reload failed", logging.String("path", path), logging.Error(err))
					continue
				}
				logger.Info("route catalogue reloaded", logging.String("path", path), logging.Int("routes", len(c.All())))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("route catalogue watcher error", logging.Error(err))
			}
		}
	}()
	return nil
}
