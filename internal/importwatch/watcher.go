// Package importwatch notices therapy-device exports dropped into the
// import directory. Parsing the files is the data layer's job; the
// watcher only reports that fresh therapy data arrived.
package importwatch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// importDirPerm is the permission mode used when ensuring the
	// import directory exists before watching it.
	importDirPerm = fs.FileMode(0o755)

	// debounceInterval batches rapid writes (SD-card copies arrive in
	// bursts) into a single event per file.
	debounceInterval = 500 * time.Millisecond
)

// therapyExtensions are the file types CPAP exports arrive as.
var therapyExtensions = map[string]bool{
	".edf":  true,
	".csv":  true,
	".crc":  true,
	".json": true,
}

// Event reports one settled therapy-data file.
type Event struct {
	Path string
	At   time.Time
}

// Watcher monitors the import directory and emits an Event once a
// dropped file has stopped changing.
type Watcher struct {
	dir    string
	logger *slog.Logger
	events chan Event
}

// New creates a watcher for the given import directory.
func New(dir string, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		logger: logger,
		events: make(chan Event, 16),
	}
}

// Events returns the channel settled imports are reported on. Events
// are dropped with a warning when the consumer falls behind.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Watch blocks until the context is cancelled, watching the import
// directory recursively.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, importDirPerm); err != nil {
		return fmt.Errorf("creating import dir: %w", err)
	}

	if err := addRecursive(watcher, w.dir); err != nil {
		return fmt.Errorf("watching import dir: %w", err)
	}

	w.logger.Info("import watcher started", slog.String("dir", w.dir))

	// Debounce: a file is reported once it has been quiet for a full
	// tick.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if event.Has(fsnotify.Create) {
				// New subdirectories (per-day export folders) get
				// watched too.
				if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
					if err := addRecursive(watcher, event.Name); err != nil {
						w.logger.Warn("watching new directory", slog.String("error", err.Error()))
					}

					continue
				}
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			if !therapyExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}

			pending[event.Name] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < debounceInterval {
					continue
				}

				delete(pending, path)
				w.emit(Event{Path: path, At: now})
			}
		}
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("import event dropped, consumer too slow", slog.String("path", ev.Path))
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return watcher.Add(path)
		}

		return nil
	})
}
