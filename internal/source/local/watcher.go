package local

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"photo_pipeline/internal/inventory"
)

// Watcher calls trigger once new images stop arriving in dir for the
// debounce window.
type Watcher struct {
	dir      string
	debounce time.Duration
	trigger  func()
	logger   *slog.Logger
}

func NewWatcher(dir string, debounce time.Duration, trigger func(), logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		trigger:  trigger,
		logger:   logger.With("component", "watcher", "dir", dir),
	}
}

// Start begins watching dir. It returns once the watch is registered; events
// are handled in the background until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	go w.loop(ctx, fw)
	w.logger.Info("watcher started")
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-fw.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) == 0 || !inventory.IsImage(evt.Name) {
				continue
			}
			w.logger.Debug("image arrived", "path", evt.Name)
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		case <-timer.C:
			w.trigger()
		}
	}
}
