package persistence

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/harrison/conductor/internal/logger"
)

// Watcher observes a Store's directory for snapshot files removed by
// something other than Store.Delete (an operator running rm, a misbehaving
// script), so the engine can react instead of silently losing track of a
// plan (spec.md section 4.7, "external deletion").
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	onGone  func(planID string)
	log     logger.PlanLogger
	done    chan struct{}
}

// NewWatcher starts watching dir for removed/renamed *.json snapshot
// files, invoking onGone with the affected plan ID. log may be nil.
func NewWatcher(dir string, onGone func(planID string), log logger.PlanLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		dir:     dir,
		watcher: fw,
		onGone:  onGone,
		log:     log,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.LogWarn("persistence watcher error: " + err.Error())
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	base := filepath.Base(event.Name)
	planID := strings.TrimSuffix(base, ".json")
	if w.log != nil {
		w.log.LogWarn("plan snapshot disappeared externally: " + planID)
	}
	if w.onGone != nil {
		w.onGone(planID)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
