// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

const reconcileInterval = 200 * time.Millisecond

// WatcherEvent names a config file whose contents changed.
type WatcherEvent struct {
	Filename string
}

// Watcher reports modifications of a set of config files on EventsCh. The
// parent directories are watched so that files replaced by a rename are
// still followed; a periodic modification time check covers missed events.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   hclog.Logger
	interval time.Duration

	// files maps a watched file to its last seen modification time.
	files map[string]time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	// EventsCh receives an event for every detected change once Start is
	// called. It is closed by Stop.
	EventsCh chan *WatcherEvent
}

func NewWatcher(files []string, logger hclog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:  fw,
		logger:   logger.Named("config-watcher"),
		interval: reconcileInterval,
		files:    make(map[string]time.Time),
		done:     make(chan struct{}),
		EventsCh: make(chan *WatcherEvent),
	}
	for _, f := range files {
		if err := w.add(f); err != nil {
			fw.Close()
			return nil, fmt.Errorf("error adding file %q: %w", f, err)
		}
	}
	return w, nil
}

func (w *Watcher) add(filename string) error {
	fi, err := os.Lstat(filename)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symbolic links are not supported")
	}
	if fi.IsDir() {
		return fmt.Errorf("not a regular file")
	}

	filename = filepath.Clean(filename)
	if err := w.watcher.Add(filepath.Dir(filename)); err != nil {
		return err
	}
	w.files[filename] = fi.ModTime()
	w.logger.Trace("watching file", "file", filename)
	return nil
}

// Start begins watching. Calling it more than once has no effect.
func (w *Watcher) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.watch(ctx)
}

// Stop ends watching and closes EventsCh. Start must have been called.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
		close(w.EventsCh)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if _, watched := w.files[name]; !watched {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Trace("received event", "file", name, "op", event.Op)
			if !w.check(ctx, name) {
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		case <-ticker.C:
			for name := range w.files {
				if !w.check(ctx, name) {
					return
				}
			}
		}
	}
}

// check emits an event when name's modification time moved. It returns
// false once ctx is done.
func (w *Watcher) check(ctx context.Context, name string) bool {
	fi, err := os.Stat(name)
	if err != nil {
		// Removed or mid-rename; the next tick looks again.
		return true
	}
	if fi.ModTime().Equal(w.files[name]) {
		return true
	}
	w.files[name] = fi.ModTime()

	select {
	case w.EventsCh <- &WatcherEvent{Filename: name}:
		return true
	case <-ctx.Done():
		return false
	}
}
