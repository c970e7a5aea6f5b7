package watcher

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// ChangeCallback is invoked (debounced) when the watched binary is rewritten.
type ChangeCallback func(path string)

// BinaryWatcher watches the interpreter executable for rebuilds. The dev
// loop for the MicroPython unix port rewrites the binary in place (or
// replaces it via rename), so the watch is on the containing directory and
// filtered by name.
type BinaryWatcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	callback  ChangeCallback

	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
	closed bool
}

// New starts watching the binary at path, calling callback after each
// (debounced) change.
func New(path string, callback ChangeCallback) (*BinaryWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return nil, err
	}

	w := &BinaryWatcher{
		path:      abs,
		fsWatcher: fsW,
		callback:  callback,
		cancel:    make(chan struct{}),
	}
	go w.watchLoop()

	log.Printf("watching interpreter binary %s for rebuilds", abs)
	return w, nil
}

// watchLoop processes fsnotify events with debouncing: a rebuild touches
// the file many times, the callback should fire once.
func (w *BinaryWatcher) watchLoop() {
	for {
		select {
		case <-w.cancel:
			w.stopTimer()
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.bump()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher error: %v", err)
		}
	}
}

// bump restarts the debounce timer.
func (w *BinaryWatcher) bump() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, func() {
		w.callback(w.path)
	})
}

func (w *BinaryWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Shutdown stops watching.
func (w *BinaryWatcher) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.cancel)
	w.fsWatcher.Close()
}
