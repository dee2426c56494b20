package credstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the credential base directory and logs mutations. The
// bridge itself is the only writer in normal operation, so anything seen here
// points at out-of-process interference (manual edits, backup restores).
// Log-only; no bridge behavior depends on it.
type Watcher struct {
	w   *fsnotify.Watcher
	log *slog.Logger
	dir string
}

// NewWatcher watches baseDir. The caller runs the watcher via Run and closes
// it by cancelling the context.
func NewWatcher(baseDir string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("credstore: watcher init: %w", err)
	}
	if err := w.Add(baseDir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("credstore: watch %s: %w", baseDir, err)
	}
	return &Watcher{w: w, log: log, dir: baseDir}, nil
}

// Run consumes watch events until ctx ends. Always returns ctx.Err() on a
// clean shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.w.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "credstore.dir.change",
				slog.String("op", ev.Op.String()),
				slog.String("path", ev.Name),
			)
		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			w.log.ErrorContext(ctx, "credstore.watch.fail", slog.String("err", err.Error()))
		}
	}
}
