package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/treesync/internal/bridge"
	"github.com/roach88/treesync/internal/ir"
)

// Spool file suffixes.
const (
	SpoolSuffix    = ".jsonl"
	DoneSuffix     = ".done"
	RejectedSuffix = ".rejected"
)

// SpoolWatcher watches a directory for *.jsonl notification files.
//
// Producers must write a file elsewhere and rename it into the directory so
// it appears complete. Each file is decoded as a whole: on success its
// notifications are emitted in line order and the file is renamed to
// *.done; a malformed file emits nothing and is renamed to *.rejected.
type SpoolWatcher struct {
	dir    string
	logger *slog.Logger
}

// NewSpoolWatcher creates a watcher for dir. A nil logger uses slog.Default().
func NewSpoolWatcher(dir string, logger *slog.Logger) *SpoolWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpoolWatcher{dir: dir, logger: logger}
}

// Dir returns the watched directory.
func (w *SpoolWatcher) Dir() string {
	return w.dir
}

// Run processes files already in the directory, then every file that
// appears, until ctx is done.
func (w *SpoolWatcher) Run(ctx context.Context, out chan<- ir.Notification) error {
	if w.dir == "" {
		return errors.New("feed: spool directory not set")
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("feed: ensure spool dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("feed: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("feed: watch %s: %w", w.dir, err)
	}

	// Files that arrived before the watch started.
	if err := w.Scan(ctx, out); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spool watcher error", "dir", w.dir, "error", err)
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !evt.Has(fsnotify.Create) || !isSpoolFile(evt.Name) {
				continue
			}
			if err := w.process(ctx, evt.Name, out); err != nil {
				return err
			}
		}
	}
}

// Scan processes every *.jsonl file currently in the directory, in name
// order.
func (w *SpoolWatcher) Scan(ctx context.Context, out chan<- ir.Notification) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("feed: read spool dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isSpoolFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := w.process(ctx, filepath.Join(w.dir, name), out); err != nil {
			return err
		}
	}
	return nil
}

// process emits one file. It only returns an error when ctx is done; file
// problems are logged.
func (w *SpoolWatcher) process(ctx context.Context, path string, out chan<- ir.Notification) error {
	f, err := os.Open(path)
	if err != nil {
		// Already picked up by an earlier event.
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		w.logger.Warn("spool file unreadable", "file", path, "error", err)
		return nil
	}
	batch, err := bridge.DecodeLines(f)
	f.Close()
	if err != nil {
		w.logger.Warn("spool file rejected", "file", path, "error", err)
		w.retire(path, RejectedSuffix)
		return nil
	}

	for _, n := range batch {
		select {
		case out <- n:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.retire(path, DoneSuffix)
	w.logger.Debug("spool file consumed", "file", path, "notifications", len(batch))
	return nil
}

func (w *SpoolWatcher) retire(path, suffix string) {
	target := strings.TrimSuffix(path, SpoolSuffix) + suffix
	if err := os.Rename(path, target); err != nil {
		w.logger.Warn("spool file rename failed", "file", path, "error", err)
	}
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(name, SpoolSuffix)
}
