// Package watch triggers corpus rebuilds when the files of a jsonfs corpus change.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher coalesces bursts of file events into one callback. A corpus
// export touches several files; the callback runs once after the last one.
type Watcher struct {
	fs       *fsnotify.Watcher
	dir      string
	files    map[string]struct{}
	debounce time.Duration
	logger   *slog.Logger
}

// New starts watching dir. Only events for the named files count.
func New(dir string, files []string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	names := make(map[string]struct{}, len(files))
	for _, f := range files {
		names[f] = struct{}{}
	}
	return &Watcher{
		fs:       fw,
		dir:      dir,
		files:    names,
		debounce: debounce,
		logger:   logger.With("component", "corpus_watch"),
	}, nil
}

// Run blocks until ctx ends, calling onChange after each quiet period that
// follows a relevant change. The watcher is closed on return.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context)) error {
	defer w.fs.Close()

	// Since Go 1.23 Stop and Reset discard any undelivered tick.
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("corpus_file_changed", "file", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("corpus_watch_error", "dir", w.dir, "error", err)
		case <-timer.C:
			onChange(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if _, ok := w.files[filepath.Base(event.Name)]; !ok {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)
}
