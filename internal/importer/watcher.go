package importer

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a file must stay quiet before it is imported.
const DefaultSettle = 500 * time.Millisecond

// Watcher imports files created or modified in a directory. Re-importing a
// file is safe: rows already indexed come back as duplicates.
type Watcher struct {
	importer *Importer
	dir      string
	settle   time.Duration

	// imported, when set, receives each import report. Used by tests.
	imported func(path string, rep Report, err error)
}

// NewWatcher creates a Watcher over dir. settle <= 0 uses DefaultSettle.
func NewWatcher(im *Importer, dir string, settle time.Duration) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{importer: im, dir: dir, settle: settle}
}

// Run watches until ctx is cancelled. Bursts of events on one file are
// coalesced into a single import once the file has been quiet for the
// settle period.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.importer.logger.Info("watching import dir", "dir", w.dir)

	ready := make(chan string)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !Supported(event.Name) || !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				continue
			}
			path := filepath.Clean(event.Name)
			if t, ok := timers[path]; ok {
				t.Reset(w.settle)
				continue
			}
			timers[path] = time.AfterFunc(w.settle, func() {
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})

		case path := <-ready:
			delete(timers, path)
			rep, err := w.importer.ImportFile(ctx, path)
			if err != nil {
				w.importer.logger.Error("watched import failed", "file", path, "error", err)
			}
			if w.imported != nil {
				w.imported(path, rep, err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.importer.logger.Warn("file watcher error", "error", err)
		}
	}
}
