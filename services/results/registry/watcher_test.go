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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherMarksModified(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rec.edf")
	require.NoError(t, os.WriteFile(path, []byte("header"), 0644))

	r := New(10, nil, nil)
	_, err := r.Open(ctx, path)
	require.NoError(t, err)

	w, err := NewWatcher(r, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Watch(path))
	w.Start(ctx)

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("header+samples"), 0644))

	require.Eventually(t, func() bool {
		files := r.List()
		return len(files) == 1 && files[0].Modified
	}, 2*time.Second, 20*time.Millisecond, "write should flip the modified flag")
}

func TestWatcherIgnoresUnregisteredSiblings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	watched := filepath.Join(dir, "a.edf")
	sibling := filepath.Join(dir, "b.edf")
	require.NoError(t, os.WriteFile(watched, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(sibling, []byte("b"), 0644))

	r := New(10, nil, nil)
	_, err := r.Open(ctx, watched)
	require.NoError(t, err)

	w, err := NewWatcher(r, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Watch(watched))
	w.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(sibling, []byte("changed"), 0644))
	time.Sleep(200 * time.Millisecond)

	files := r.List()
	require.Len(t, files, 1)
	require.False(t, files[0].Modified, "sibling writes must not mark the watched file")
}

func TestWatcherUnwatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec.edf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	r := New(10, nil, nil)
	w, err := NewWatcher(r, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Watch(path))
	// Watching twice is a no-op, unwatching twice is safe.
	require.NoError(t, w.Watch(path))
	w.Unwatch(path)
	w.Unwatch(path)
}
