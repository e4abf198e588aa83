package plan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize plan watcher")

// Watcher re-imports a plan file whenever it changes.
type Watcher struct {
	path     string
	importer *Importer
	debounce time.Duration
	logger   *zap.Logger

	// OnImport, when set, is called after every import attempt.
	OnImport func(*Result, error)
}

// NewWatcher creates a watcher for path. Changes within debounce of each
// other trigger one import.
func NewWatcher(path string, importer *Importer, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if _, err := DetectFormat(path); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid plan path: %w", err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: abs, importer: importer, debounce: debounce, logger: logger}, nil
}

// Run imports the plan once, then watches the file's directory until ctx
// is done. The directory is watched rather than the file so editors that
// replace the file on save are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("%w: watch %s: %v", ErrWatcherFailed, filepath.Dir(w.path), err)
	}

	w.reload(ctx)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("plan watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	res, err := w.importer.ImportFile(ctx, w.path)
	if err != nil {
		w.logger.Warn("plan import failed", zap.String("path", w.path), zap.Error(err))
	} else {
		w.logger.Info("plan reloaded", zap.String("path", w.path),
			zap.Int("created", len(res.Created)), zap.Int("updated", len(res.Updated)))
	}
	if w.OnImport != nil {
		w.OnImport(res, err)
	}
}
