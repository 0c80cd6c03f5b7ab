// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for further events before
// flipping modified flags. Recorders rewrite files in bursts; one flip per
// burst is enough.
const DefaultDebounce = 250 * time.Millisecond

// Watcher bridges filesystem change events to the registry's modified
// flags.
//
// Description:
//
//	Watches the parent directories of registered recordings (fsnotify
//	tracks directories more reliably than single files across editors
//	that replace-on-save) and, after a debounce window, marks each
//	changed registered path modified.
//
// Thread Safety: Safe for concurrent use.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	watched map[string]struct{} // registered file paths
	dirRefs map[string]int      // watched directory -> registered file count

	changes  chan string
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a Watcher over the given registry. A non-positive
// debounce falls back to DefaultDebounce.
func NewWatcher(reg *Registry, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		registry: reg,
		watcher:  fw,
		debounce: debounce,
		logger:   logger,
		watched:  make(map[string]struct{}),
		dirRefs:  make(map[string]int),
		changes:  make(chan string, 64),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the event and debounce loops. They exit when ctx is
// canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
}

// Stop halts the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

// Watch registers a recording for change detection.
func (w *Watcher) Watch(path string) error {
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.watched[path]; ok {
		return nil
	}
	if w.dirRefs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}
	w.dirRefs[dir]++
	w.watched[path] = struct{}{}
	return nil
}

// Unwatch removes a recording, dropping its directory watch when no other
// registered file shares it.
func (w *Watcher) Unwatch(path string) {
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.watched[path]; !ok {
		return
	}
	delete(w.watched, path)
	w.dirRefs[dir]--
	if w.dirRefs[dir] <= 0 {
		delete(w.dirRefs, dir)
		// Best effort; the directory may already be gone.
		_ = w.watcher.Remove(dir)
	}
}

// processEvents filters fsnotify events down to registered paths.
func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.mu.Lock()
			_, registered := w.watched[event.Name]
			w.mu.Unlock()
			if !registered {
				continue
			}
			select {
			case w.changes <- event.Name:
			default:
				// Buffer full; the debouncer will catch the next event.
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

// debounceLoop batches change notifications and flips modified flags once
// per burst.
func (w *Watcher) debounceLoop(ctx context.Context) {
	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for path := range pending {
			if err := w.registry.MarkModified(path, true); err == nil {
				w.logger.Debug("recording changed on disk", slog.String("path", path))
			}
			delete(pending, path)
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case path := <-w.changes:
			pending[path] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}
