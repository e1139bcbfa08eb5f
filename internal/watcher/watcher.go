// Package watcher monitors the workspace directory so connected clients
// learn about uploaded and generated files without polling.
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// UpdateCallback is called when the workspace file count changes.
type UpdateCallback func(fileCount int)

// Watcher monitors the workspace directory for file changes.
type Watcher struct {
	dir       string
	callback  UpdateCallback
	fsWatcher *fsnotify.Watcher

	mu        sync.Mutex
	cancel    chan struct{}
	lastCount int
	started   bool
}

// New creates a watcher over the given directory.
func New(dir string, callback UpdateCallback) *Watcher {
	return &Watcher{
		dir:       dir,
		callback:  callback,
		cancel:    make(chan struct{}),
		lastCount: -1, // force the initial update
	}
}

// Start begins watching. The directory and its subdirectories are added;
// directories created later are picked up from create events.
func (w *Watcher) Start() error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsWatcher = fsW

	if err := addDirsRecursive(fsW, w.dir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	go w.watchLoop()

	// Initial count so clients see the current state right away.
	go w.recount()

	return nil
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	var timer *time.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			// Watch newly created subdirectories too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.fsWatcher.Add(event.Name)
				}
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, w.recount)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: %v", err)
		}
	}
}

// recount recalculates the file count and notifies if changed.
func (w *Watcher) recount() {
	count := CountFiles(w.dir)

	w.mu.Lock()
	changed := count != w.lastCount
	w.lastCount = count
	w.mu.Unlock()

	if changed && w.callback != nil {
		w.callback(count)
	}
}

// CountFiles counts the regular files under dir, skipping hidden entries.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible paths
		}
		name := d.Name()
		if d.IsDir() {
			if isHidden(name) && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if isHidden(name) {
			return nil
		}
		count++
		return nil
	})
	return count
}

// Shutdown stops the watcher.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	started := w.started
	w.started = false
	w.mu.Unlock()

	if !started {
		return
	}
	close(w.cancel)
	w.fsWatcher.Close()
}

// addDirsRecursive adds a directory tree to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if isHidden(d.Name()) && path != dir {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
