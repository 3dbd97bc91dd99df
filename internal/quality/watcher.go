package quality

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"extractflow/internal/logging"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the rule set whenever the rules file changes on disk.
type Watcher struct {
	holder   *Holder
	path     string
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher prepares a watcher for path. The parent directory is watched so
// editors that replace the file atomically are still seen.
func NewWatcher(holder *Holder, path string, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		holder:   holder,
		path:     abs,
		logger:   logging.NewComponentLogger(logger, "quality-watcher"),
		debounce: defaultDebounce,
		watcher:  fw,
	}, nil
}

// SetDebounce overrides the quiet period before a reload.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Start applies the current file once and then follows changes until ctx ends
// or Stop is called. A rejected file leaves the stored rules active.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	if _, err := os.Stat(w.path); err == nil {
		w.apply(ctx)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.schedule(ctx)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("rules watcher error", logging.Error(err))
			}
		}
	}()
	return nil
}

// Stop ends the watch loop and releases the file handle.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	_ = w.watcher.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.apply(ctx)
	})
}

func (w *Watcher) apply(ctx context.Context) {
	if _, err := w.holder.ReplaceFromFile(ctx, w.path); err != nil {
		logging.WarnWithContext(w.logger, "rules file rejected", "quality_rules_reload_failed",
			logging.String("path", w.path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "rules file must be a JSON object with a rules mapping or list"),
			logging.String(logging.FieldImpact, "previous rule set stays active"),
		)
	}
}
