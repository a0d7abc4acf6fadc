package reload

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"housekeeperd/internal/logging"
	"housekeeperd/internal/notify"
)

// Watcher triggers a full non-dry-run Reload whenever the on-disk
// configuration file changes, debouncing bursts of writes (editors
// frequently emit several events for one logical save).
type Watcher struct {
	engine   *Engine
	logger   *slog.Logger
	debounce time.Duration

	// Reloaded is broadcast after every reload attempt the watcher makes,
	// successful or not, so callers (such as tests) can synchronize on
	// watcher activity without polling.
	Reloaded *notify.Signal
}

// NewWatcher creates a Watcher for the given engine.
func NewWatcher(engine *Engine, logger *slog.Logger) *Watcher {
	return &Watcher{
		engine:   engine,
		logger:   logging.Default(logger).With("component", "reload.watch"),
		debounce: 250 * time.Millisecond,
		Reloaded: notify.NewSignal(),
	}
}

// Watch adds path to an fsnotify watcher and runs until ctx is
// cancelled or the watcher fails to start. Intended to run in its own
// goroutine.
func (w *Watcher) Watch(ctx context.Context, path string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(path); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watch error", "path", path, "error", err)
		case <-timerC:
			timerC = nil
			if _, err := w.engine.Reload(ctx, false); err != nil {
				w.logger.Error("reload triggered by file watch failed", "path", path, "error", err)
			}
			w.Reloaded.Notify()
		}
	}
}
