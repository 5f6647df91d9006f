package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when watched files change. The
// running server sets them at startup so that an edit to config.yaml takes
// effect without a restart wherever that is safe.
type WatchTargets struct {
	// OnConfigChange fires when config.yaml is written or created. The
	// server reloads the file and applies the settings that can change
	// at runtime (log level, verification schedule).
	OnConfigChange func()
}

// Watcher monitors the config directory with fsnotify and fires the
// matching callback when config.yaml changes.
//
// Callbacks run on the watcher's own goroutine, one at a time, in the
// order the events arrive. A save usually produces more than one event
// (truncate then write, or write then chmod), so a callback may run twice
// for one edit and must tolerate reading an unchanged file.
//
// Call Close to stop the watcher and release the fsnotify handle.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher starts watching dir. Events are processed in a background
// goroutine until Close.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Editors often replace the file, so watch the directory, not the file.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(targets)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

// processEvents dispatches fsnotify events to the callbacks. Only writes
// and creates of config.yaml count: a remove or rename means the file is
// gone, and reloading then would fall back to defaults for every setting,
// including the ones that must not change while serving.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			slog.Info("config.yaml changed, triggering reload")
			if targets.OnConfigChange != nil {
				targets.OnConfigChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			// Overflow and similar errors lose events but do not stop
			// the watch; the next write still arrives.
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
