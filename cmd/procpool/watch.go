//go:build unix

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 200 * time.Millisecond

// reloadWatcher calls reload once a burst of changes to the watched files settles.
type reloadWatcher struct {
	log      *zap.SugaredLogger
	watcher  *fsnotify.Watcher
	files    map[string]bool
	reload   func() error
	debounce time.Duration
}

// newReloadWatcher watches the directories holding paths, so that files replaced by rename are still seen.
func newReloadWatcher(log *zap.Logger, paths []string, reload func() error) (*reloadWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	w := &reloadWatcher{
		log:      log.Named("watcher").Sugar(),
		watcher:  watcher,
		files:    map[string]bool{},
		reload:   reload,
		debounce: reloadDebounce,
	}
	dirs := map[string]bool{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for d := range dirs {
		if err := watcher.Add(d); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", d, err)
		}
	}
	return w, nil
}

func (w *reloadWatcher) run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("watch error", "Error", err)
		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Clean(e.Name)] || e.Op == fsnotify.Chmod {
				continue
			}
			w.log.Debugw("watched file changed", "File", e.Name, "Op", e.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.log.Infow("watched files changed, reloading")
			if err := w.reload(); err != nil {
				w.log.Warnw("reload failed", "Error", err)
			}
		}
	}
}

func (w *reloadWatcher) close() error {
	return w.watcher.Close()
}
