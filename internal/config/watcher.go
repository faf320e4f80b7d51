package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"darwin/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// LIVE RELOAD
// =============================================================================

// Watcher reloads the config whenever the file changes on disk. The watch
// covers the containing directory so editors that replace the file (write to
// temp, rename over) are still seen.
type Watcher struct {
	fw   *fsnotify.Watcher
	path string
	wg   sync.WaitGroup
}

// Watch starts watching the config at path. On every change onChange
// receives the freshly loaded config, or a nil config with an error when the
// file no longer parses or validates; callers keep the previous config
// active in that case.
func Watch(path string, onChange func(*Config, error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{fw: fw, path: path}
	w.wg.Add(1)
	go w.loop(onChange)
	logging.ConfigLog("Watching %s for changes", path)
	return w, nil
}

func (w *Watcher) loop(onChange func(*Config, error)) {
	defer w.wg.Done()
	base := filepath.Base(w.path)

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logging.ConfigDebug("Config change detected: %s", ev.Op)
			onChange(Load(w.path))
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.ConfigDebug("Watch error: %v", err)
		}
	}
}

// Close stops the watcher and waits for the reload loop to exit.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	w.wg.Wait()
	return err
}
