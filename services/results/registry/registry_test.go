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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSaver struct {
	saved []FileState
	err   error
}

func (s *fakeSaver) SaveFileState(_ context.Context, st FileState) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, st)
	return nil
}

func openN(t *testing.T, r *Registry, n int) []string {
	t.Helper()
	ctx := context.Background()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = fmt.Sprintf("/data/rec%02d.edf", i)
		evicted, err := r.Open(ctx, paths[i])
		require.NoError(t, err)
		require.Empty(t, evicted)
	}
	return paths
}

func TestOpenActivates(t *testing.T) {
	ctx := context.Background()
	r := New(0, nil, nil)

	_, err := r.Open(ctx, "/data/a.edf")
	require.NoError(t, err)
	assert.Equal(t, "/data/a.edf", r.ActiveFile())

	_, err = r.Open(ctx, "/data/b.edf")
	require.NoError(t, err)
	assert.Equal(t, "/data/b.edf", r.ActiveFile())
	assert.Equal(t, 2, r.Len())

	// Reopening an open file only activates it.
	_, err = r.Open(ctx, "/data/a.edf")
	require.NoError(t, err)
	assert.Equal(t, "/data/a.edf", r.ActiveFile())
	assert.Equal(t, 2, r.Len())
}

func TestEvictionAtCapacity(t *testing.T) {
	ctx := context.Background()
	r := New(DefaultCapacity, nil, nil)
	paths := openN(t, r, DefaultCapacity)

	// Give the activations a strictly later timestamp than the opens,
	// then touch everything except the oldest victim.
	time.Sleep(2 * time.Millisecond)
	for _, p := range paths[1:] {
		require.NoError(t, r.SetActive(p))
	}

	evicted, err := r.Open(ctx, "/data/new.edf")
	require.NoError(t, err)
	assert.Equal(t, paths[0], evicted, "least recently activated file should go")
	assert.Equal(t, DefaultCapacity, r.Len())
	assert.False(t, r.IsOpen(paths[0]))
	assert.True(t, r.IsOpen("/data/new.edf"))
}

func TestPinnedNeverEvicted(t *testing.T) {
	ctx := context.Background()
	r := New(DefaultCapacity, nil, nil)
	paths := openN(t, r, DefaultCapacity)

	require.NoError(t, r.Pin(paths[0]))

	// paths[0] has the oldest activation but is pinned.
	time.Sleep(2 * time.Millisecond)
	for _, p := range paths[1:] {
		require.NoError(t, r.SetActive(p))
	}

	for i := 0; i < DefaultCapacity; i++ {
		_, err := r.Open(ctx, fmt.Sprintf("/data/extra%02d.edf", i))
		require.NoError(t, err)
	}
	assert.True(t, r.IsOpen(paths[0]), "pinned file must survive any number of opens")
}

func TestAllPinnedAdmitsOverCapacity(t *testing.T) {
	ctx := context.Background()
	r := New(3, nil, nil)
	paths := openN(t, r, 3)
	for _, p := range paths {
		require.NoError(t, r.Pin(p))
	}

	evicted, err := r.Open(ctx, "/data/over.edf")
	require.NoError(t, err)
	assert.Empty(t, evicted, "no unpinned candidate, nothing evicted")
	assert.Equal(t, 4, r.Len(), "capacity bounds unpinned growth only")
}

func TestPinnedPrefixInvariant(t *testing.T) {
	r := New(10, nil, nil)
	paths := openN(t, r, 5)

	require.NoError(t, r.Pin(paths[3]))
	require.NoError(t, r.Pin(paths[1]))

	list := r.List()
	// Pin order: paths[3] first, then paths[1] at the end of the prefix.
	assert.Equal(t, []string{paths[3], paths[1]}, []string{list[0].Path, list[1].Path})
	for i, f := range list {
		assert.Equal(t, i < 2, f.Pinned, "pinned entries must form a contiguous prefix")
	}

	// Unpinning places the file at the front of the unpinned suffix.
	require.NoError(t, r.Unpin(paths[3]))
	list = r.List()
	assert.Equal(t, paths[1], list[0].Path)
	assert.True(t, list[0].Pinned)
	assert.Equal(t, paths[3], list[1].Path)
	assert.False(t, list[1].Pinned)
}

func TestMoveClampedToSection(t *testing.T) {
	r := New(10, nil, nil)
	paths := openN(t, r, 4)
	require.NoError(t, r.Pin(paths[0]))
	require.NoError(t, r.Pin(paths[1]))

	// Unpinned file cannot enter the pinned prefix.
	require.NoError(t, r.Move(paths[3], 0))
	list := r.List()
	assert.Equal(t, paths[3], list[2].Path, "clamped to the start of the unpinned suffix")

	// Pinned file cannot leave the pinned prefix.
	require.NoError(t, r.Move(paths[0], 3))
	list = r.List()
	assert.Equal(t, paths[0], list[1].Path, "clamped to the end of the pinned prefix")
	assert.True(t, list[0].Pinned)
	assert.True(t, list[1].Pinned)
}

func TestClosePersistsState(t *testing.T) {
	ctx := context.Background()
	saver := &fakeSaver{}
	r := New(10, saver, nil)
	paths := openN(t, r, 3)

	require.NoError(t, r.Pin(paths[1]))
	require.NoError(t, r.MarkModified(paths[1], true))
	require.NoError(t, r.Close(ctx, paths[1]))

	require.Len(t, saver.saved, 1)
	st := saver.saved[0]
	assert.Equal(t, paths[1], st.Path)
	assert.True(t, st.Pinned)
	assert.True(t, st.Modified)
	assert.False(t, r.IsOpen(paths[1]))
}

func TestCloseSaverErrorStillRemoves(t *testing.T) {
	ctx := context.Background()
	saver := &fakeSaver{err: fmt.Errorf("disk full")}
	r := New(10, saver, nil)
	paths := openN(t, r, 2)

	err := r.Close(ctx, paths[0])
	assert.Error(t, err)
	assert.False(t, r.IsOpen(paths[0]), "file is removed even when the save fails")
}

func TestCloseActiveFallsToNeighbor(t *testing.T) {
	ctx := context.Background()
	r := New(10, nil, nil)
	paths := openN(t, r, 3)

	require.NoError(t, r.SetActive(paths[1]))
	require.NoError(t, r.Close(ctx, paths[1]))
	assert.Equal(t, paths[2], r.ActiveFile())

	require.NoError(t, r.Close(ctx, paths[2]))
	assert.Equal(t, paths[0], r.ActiveFile())

	require.NoError(t, r.Close(ctx, paths[0]))
	assert.Equal(t, "", r.ActiveFile())
}

func TestCloseUnknown(t *testing.T) {
	r := New(10, nil, nil)
	err := r.Close(context.Background(), "/data/never.edf")
	assert.ErrorIs(t, err, ErrNotOpen)
}
