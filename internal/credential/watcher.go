package credential

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Directory when its users file changes on disk.
type Watcher struct {
	path     string
	dir      *Directory
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload func(users int, err error)
}

// NewWatcher prepares a watcher for path. Call Run to start it.
func NewWatcher(path string, dir *Directory) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Watch the parent directory: editors often replace the file rather than write it.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		dir:      dir,
		watcher:  fw,
		debounce: 250 * time.Millisecond,
	}, nil
}

// Run blocks until ctx is done, reloading the directory on file changes.
// A reload that fails to parse keeps the previous users.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		if err := w.watcher.Close(); err != nil {
			slog.Warn("failed to close users file watcher", "error", err)
		}
	}()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.watcher.Events:
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
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("users file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	users, err := LoadFile(w.path)
	if err != nil {
		slog.Error("Failed to reload users file, keeping previous directory", "path", w.path, "error", err)
	} else {
		w.dir.Replace(users)
		slog.Info("Users file reloaded", "path", w.path, "users", len(users))
	}
	if w.onReload != nil {
		w.onReload(len(users), err)
	}
}
