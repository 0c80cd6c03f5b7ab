// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks the bounded set of open analysis recordings
// ("tabs"): which are pinned, which is active, and which to evict when a
// new file is opened at capacity.
//
// Ordering invariant: pinned files occupy a contiguous prefix of the tab
// strip. Pinning moves a file to the end of that prefix, unpinning moves
// it to the front of the unpinned suffix, and manual reordering is clamped
// to the file's own section. Eviction only ever considers unpinned files;
// when every slot is pinned a new file is admitted over capacity rather
// than refused.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity bounds the number of unpinned open files.
const DefaultCapacity = 10

var (
	// ErrNotOpen indicates the path is not in the registry.
	ErrNotOpen = errors.New("file not open")
)

// OpenFile is one open recording.
type OpenFile struct {
	// Path uniquely identifies the file.
	Path string `json:"path"`

	// Pinned files are exempt from eviction.
	Pinned bool `json:"pinned"`

	// Modified marks unsaved or externally changed content.
	Modified bool `json:"modified"`

	// OpenedAtMilli is when the file was opened, Unix milliseconds.
	OpenedAtMilli int64 `json:"opened_at"`

	// LastActiveAtMilli is the most recent activation, Unix milliseconds.
	LastActiveAtMilli int64 `json:"last_active_at"`
}

// FileState is the per-file UI state persisted when a file is closed and
// restored when it is reopened.
type FileState struct {
	Path              string `json:"path" msgpack:"path"`
	Pinned            bool   `json:"pinned" msgpack:"pinned"`
	Modified          bool   `json:"modified" msgpack:"modified"`
	OpenedAtMilli     int64  `json:"opened_at" msgpack:"opened_at"`
	LastActiveAtMilli int64  `json:"last_active_at" msgpack:"last_active_at"`
}

// StateSaver persists a closing file's state. The store package provides
// the production implementation.
type StateSaver interface {
	SaveFileState(ctx context.Context, st FileState) error
}

// Registry is the mutex-guarded open-file collection.
//
// Thread Safety: all methods are safe for concurrent use; mutation is
// serialized by one mutex, matching the single-writer assumption of the
// tab UI.
type Registry struct {
	mu         sync.Mutex
	files      []*OpenFile
	pinned     int // files[:pinned] are the pinned prefix
	activePath string
	capacity   int

	saver  StateSaver
	logger *slog.Logger
}

// New creates a Registry. Non-positive capacities fall back to
// DefaultCapacity; a nil saver skips state persistence on close; a nil
// logger falls back to slog.Default().
func New(capacity int, saver StateSaver, logger *slog.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		capacity: capacity,
		saver:    saver,
		logger:   logger,
	}
}

// indexOf returns the position of path, or -1. Caller holds the mutex.
func (r *Registry) indexOf(path string) int {
	for i, f := range r.files {
		if f.Path == path {
			return i
		}
	}
	return -1
}

// Open admits a file and makes it active.
//
// Description:
//
//	An already-open path is only activated. A new file lands at the end
//	of the unpinned suffix. At capacity the unpinned file with the
//	oldest activation is closed first (its state persisted through the
//	saver); when every resident file is pinned the new file is admitted
//	over capacity, since the bound limits unpinned growth only.
//
// Outputs:
//
//	The evicted path, or "" when nothing was evicted. The error reports
//	a failed state save for the evicted file; the eviction itself still
//	happens.
func (r *Registry) Open(ctx context.Context, path string) (string, error) {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	if i := r.indexOf(path); i >= 0 {
		r.files[i].LastActiveAtMilli = now
		r.activePath = path
		r.mu.Unlock()
		return "", nil
	}

	var evicted *OpenFile
	if len(r.files) >= r.capacity {
		if i := r.oldestUnpinnedLocked(); i >= 0 {
			evicted = r.files[i]
			r.removeAtLocked(i)
		} else {
			r.logger.Info("all open files pinned, admitting over capacity",
				slog.Int("capacity", r.capacity),
				slog.String("path", path),
			)
		}
	}

	r.files = append(r.files, &OpenFile{
		Path:              path,
		OpenedAtMilli:     now,
		LastActiveAtMilli: now,
	})
	r.activePath = path
	r.mu.Unlock()

	if evicted == nil {
		return "", nil
	}

	r.logger.Debug("evicted open file",
		slog.String("evicted_path", evicted.Path),
		slog.String("opened_path", path),
	)
	if err := r.persistState(ctx, evicted); err != nil {
		return evicted.Path, err
	}
	return evicted.Path, nil
}

// oldestUnpinnedLocked returns the index of the unpinned file with the
// oldest activation, or -1 when every file is pinned. Ties keep the first
// encountered. Caller holds the mutex.
func (r *Registry) oldestUnpinnedLocked() int {
	oldest := -1
	for i := r.pinned; i < len(r.files); i++ {
		if oldest < 0 || r.files[i].LastActiveAtMilli < r.files[oldest].LastActiveAtMilli {
			oldest = i
		}
	}
	return oldest
}

// removeAtLocked removes files[i], maintaining the pinned prefix and the
// active file. Caller holds the mutex.
func (r *Registry) removeAtLocked(i int) {
	removed := r.files[i]
	r.files = append(r.files[:i], r.files[i+1:]...)
	if i < r.pinned {
		r.pinned--
	}
	if r.activePath == removed.Path {
		r.activePath = ""
		// The active file falls to its neighbor: the file now at the
		// removed index, else the new last file.
		if len(r.files) > 0 {
			j := i
			if j >= len(r.files) {
				j = len(r.files) - 1
			}
			r.activePath = r.files[j].Path
			r.files[j].LastActiveAtMilli = time.Now().UnixMilli()
		}
	}
}

// persistState saves a removed file's state through the saver.
func (r *Registry) persistState(ctx context.Context, f *OpenFile) error {
	if r.saver == nil {
		return nil
	}
	st := FileState{
		Path:              f.Path,
		Pinned:            f.Pinned,
		Modified:          f.Modified,
		OpenedAtMilli:     f.OpenedAtMilli,
		LastActiveAtMilli: f.LastActiveAtMilli,
	}
	if err := r.saver.SaveFileState(ctx, st); err != nil {
		r.logger.Error("persisting file state failed",
			slog.String("path", f.Path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("persisting state for %s: %w", f.Path, err)
	}
	return nil
}

// Close removes a file, persisting its state first.
//
// The state save is best effort: a saver error is returned but the file
// is removed regardless, so a broken store cannot wedge the tab strip.
func (r *Registry) Close(ctx context.Context, path string) error {
	r.mu.Lock()
	i := r.indexOf(path)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	closed := r.files[i]
	r.removeAtLocked(i)
	r.mu.Unlock()

	return r.persistState(ctx, closed)
}

// SetActive makes path the active file and bumps its activation time.
func (r *Registry) SetActive(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(path)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	r.files[i].LastActiveAtMilli = time.Now().UnixMilli()
	r.activePath = path
	return nil
}

// ActiveFile returns the active file's path, or "" when none is open.
func (r *Registry) ActiveFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activePath
}

// Pin marks a file pinned and moves it to the end of the pinned prefix.
// Pinning a pinned file is a no-op.
func (r *Registry) Pin(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(path)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	if r.files[i].Pinned {
		return nil
	}
	f := r.files[i]
	f.Pinned = true
	r.files = append(r.files[:i], r.files[i+1:]...)
	// Boundary placement: last slot of the pinned prefix.
	r.files = append(r.files[:r.pinned], append([]*OpenFile{f}, r.files[r.pinned:]...)...)
	r.pinned++
	return nil
}

// Unpin clears the pin and moves the file to the front of the unpinned
// suffix. Unpinning an unpinned file is a no-op.
func (r *Registry) Unpin(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(path)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	if !r.files[i].Pinned {
		return nil
	}
	f := r.files[i]
	f.Pinned = false
	r.files = append(r.files[:i], r.files[i+1:]...)
	r.pinned--
	r.files = append(r.files[:r.pinned], append([]*OpenFile{f}, r.files[r.pinned:]...)...)
	return nil
}

// Move reorders a file to the given index, clamped to the file's own
// section: pinned files move only within the pinned prefix, unpinned files
// only within the unpinned suffix.
func (r *Registry) Move(path string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(path)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	f := r.files[i]

	lo, hi := r.pinned, len(r.files)-1
	if f.Pinned {
		lo, hi = 0, r.pinned-1
	}
	if index < lo {
		index = lo
	}
	if index > hi {
		index = hi
	}
	if index == i {
		return nil
	}

	r.files = append(r.files[:i], r.files[i+1:]...)
	r.files = append(r.files[:index], append([]*OpenFile{f}, r.files[index:]...)...)
	return nil
}

// MarkModified sets a file's modified flag.
func (r *Registry) MarkModified(path string, modified bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(path)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	r.files[i].Modified = modified
	return nil
}

// IsOpen reports whether path is in the registry.
func (r *Registry) IsOpen(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexOf(path) >= 0
}

// List returns a copy of the open files in tab order.
func (r *Registry) List() []OpenFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]OpenFile, len(r.files))
	for i, f := range r.files {
		out[i] = *f
	}
	return out
}

// Len returns the number of open files.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}
