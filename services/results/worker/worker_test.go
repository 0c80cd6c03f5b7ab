// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddalab/ddalab/services/results/codec"
	"github.com/ddalab/ddalab/services/results/datatypes"
)

func newTestWorker(t *testing.T, start bool) (*Worker, *codec.Codec) {
	t.Helper()
	cd, err := codec.New(nil)
	require.NoError(t, err)
	t.Cleanup(cd.Close)

	w, err := New(DefaultConfig(), cd, nil, nil)
	require.NoError(t, err)
	if start {
		w.Start(context.Background())
	}
	t.Cleanup(w.Close)
	return w, cd
}

func encodeResult(t *testing.T, cd *codec.Codec, id string, channels ...string) []byte {
	t.Helper()
	matrix := make(map[string][]float64, len(channels))
	for i, ch := range channels {
		matrix[ch] = []float64{float64(i), float64(i) * 2}
	}
	payload, err := cd.Encode(context.Background(), &datatypes.AnalysisResult{
		ID:            id,
		Channels:      channels,
		WindowIndices: []int64{0, 64},
		Status:        datatypes.StatusCompleted,
		Variants: []datatypes.ResultVariant{
			{ID: "st", Name: "Single Timeseries", Matrix: matrix},
		},
	})
	require.NoError(t, err)
	return payload
}

func waitPending(t *testing.T, w *Worker, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.pendingMu.Lock()
		_, ok := w.pending[id]
		w.pendingMu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("request %s never registered", id)
}

func TestDecodeThenGetData(t *testing.T) {
	w, cd := newTestWorker(t, true)
	ctx := context.Background()

	resp, err := w.Do(ctx, DecodeRequest{ID: "req-1", Payload: encodeResult(t, cd, "an-1", "C3", "C4")})
	require.NoError(t, err)
	md, ok := resp.(MetadataResponse)
	require.True(t, ok, "want MetadataResponse, got %T", resp)
	assert.Equal(t, "req-1", md.CorrelationID())
	assert.Equal(t, "an-1", md.Metadata.ID)
	assert.Equal(t, 2, md.Metadata.WindowCount)
	require.Len(t, md.Metadata.Variants, 1)
	assert.True(t, md.Metadata.Variants[0].HasData)
	assert.Positive(t, md.Timing.UncompressedBytes)

	resp, err = w.Do(ctx, GetDataRequest{ID: "req-2", AnalysisID: "an-1", VariantID: "st", Channels: []string{"C3"}})
	require.NoError(t, err)
	data, ok := resp.(DataResponse)
	require.True(t, ok, "want DataResponse, got %T", resp)
	assert.Equal(t, "req-2", data.CorrelationID())
	assert.False(t, data.Data.FallbackApplied)
	assert.Len(t, data.Data.Matrix, 1)
	assert.Contains(t, data.Data.Matrix, "C3")
}

func TestGetDataFallbackFlag(t *testing.T) {
	w, cd := newTestWorker(t, true)
	ctx := context.Background()

	_, err := w.Do(ctx, DecodeRequest{ID: "d", Payload: encodeResult(t, cd, "an-1", "C3", "C4")})
	require.NoError(t, err)

	resp, err := w.Do(ctx, GetDataRequest{ID: "g", AnalysisID: "an-1", VariantID: "st", Channels: []string{"Fp1"}})
	require.NoError(t, err)
	data := resp.(DataResponse)
	assert.True(t, data.Data.FallbackApplied)
	assert.Len(t, data.Data.Matrix, 2)
}

func TestGetDataErrors(t *testing.T) {
	w, cd := newTestWorker(t, true)
	ctx := context.Background()

	resp, err := w.Do(ctx, GetDataRequest{ID: "g1", AnalysisID: "ghost", VariantID: "st"})
	require.NoError(t, err)
	errResp, ok := resp.(ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, CodeNotCached, errResp.Code)
	assert.Equal(t, "g1", errResp.CorrelationID())

	_, err = w.Do(ctx, DecodeRequest{ID: "d", Payload: encodeResult(t, cd, "an-1", "C3")})
	require.NoError(t, err)

	resp, err = w.Do(ctx, GetDataRequest{ID: "g2", AnalysisID: "an-1", VariantID: "ghost"})
	require.NoError(t, err)
	errResp = resp.(ErrorResponse)
	assert.Equal(t, CodeVariantNotFound, errResp.Code)
}

func TestDecodeFailure(t *testing.T) {
	w, _ := newTestWorker(t, true)

	resp, err := w.Do(context.Background(), DecodeRequest{ID: "bad", Payload: []byte{1, 2}})
	require.NoError(t, err)
	errResp, ok := resp.(ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, CodeDecodeFailed, errResp.Code)
	assert.Equal(t, "bad", errResp.CorrelationID())
}

func TestClearCache(t *testing.T) {
	w, cd := newTestWorker(t, true)
	ctx := context.Background()

	for _, id := range []string{"an-1", "an-2", "an-3"} {
		_, err := w.Do(ctx, DecodeRequest{ID: "d-" + id, Payload: encodeResult(t, cd, id, "C3")})
		require.NoError(t, err)
	}

	resp, err := w.Do(ctx, ClearCacheRequest{ID: "c1", AnalysisID: "an-2"})
	require.NoError(t, err)
	cleared := resp.(CacheClearedResponse)
	assert.Equal(t, []string{"an-2"}, cleared.Cleared)

	resp, err = w.Do(ctx, ClearCacheRequest{ID: "c2"})
	require.NoError(t, err)
	cleared = resp.(CacheClearedResponse)
	assert.ElementsMatch(t, []string{"an-1", "an-3"}, cleared.Cleared)
	assert.Equal(t, 0, w.Cache().Len())
}

func TestConcurrentCallersMatchByID(t *testing.T) {
	w, cd := newTestWorker(t, true)
	ctx := context.Background()

	_, err := w.Do(ctx, DecodeRequest{ID: "seed", Payload: encodeResult(t, cd, "an-1", "C3", "C4", "O1")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range []string{"w1", "w2", "w3", "w4", "w5", "w6", "w7", "w8"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			resp, err := w.Do(ctx, GetDataRequest{ID: id, AnalysisID: "an-1", VariantID: "st", Channels: []string{"C3"}})
			assert.NoError(t, err)
			assert.Equal(t, id, resp.CorrelationID())
		}(id)
	}
	wg.Wait()
}

func TestDuplicateInFlightID(t *testing.T) {
	w, _ := newTestWorker(t, false) // not started: first request stays pending

	go func() {
		_, _ = w.Do(context.Background(), ClearCacheRequest{ID: "dup"})
	}()
	waitPending(t, w, "dup")

	_, err := w.Do(context.Background(), ClearCacheRequest{ID: "dup"})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestQueueFull(t *testing.T) {
	cd, err := codec.New(nil)
	require.NoError(t, err)
	t.Cleanup(cd.Close)

	cfg := DefaultConfig()
	cfg.QueueDepth = 1
	w, err := New(cfg, cd, nil, nil)
	require.NoError(t, err)
	t.Cleanup(w.Close)

	go func() {
		_, _ = w.Do(context.Background(), ClearCacheRequest{ID: "fill"})
	}()
	waitPending(t, w, "fill")

	_, err = w.Do(context.Background(), ClearCacheRequest{ID: "overflow"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestCloseFailsPending(t *testing.T) {
	w, _ := newTestWorker(t, false)

	type outcome struct {
		resp Response
		err  error
	}
	outCh := make(chan outcome, 1)
	go func() {
		resp, err := w.Do(context.Background(), ClearCacheRequest{ID: "stranded"})
		outCh <- outcome{resp, err}
	}()
	waitPending(t, w, "stranded")

	w.Close()

	select {
	case out := <-outCh:
		require.NoError(t, out.err)
		errResp, ok := out.resp.(ErrorResponse)
		require.True(t, ok, "want ErrorResponse, got %T", out.resp)
		assert.Equal(t, CodeShuttingDown, errResp.Code)
		assert.Equal(t, "stranded", errResp.CorrelationID())
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not failed on close")
	}

	_, err := w.Do(context.Background(), ClearCacheRequest{ID: "late"})
	assert.ErrorIs(t, err, ErrWorkerClosed)
}

func TestSubmitDuringCloseNeverHangs(t *testing.T) {
	w, _ := newTestWorker(t, true)

	// Race submissions against Close. Every call must resolve promptly:
	// either an error (worker closed, queue full) or a shutting-down
	// response — never a wait for the caller's context.
	const callers = 16
	var wg sync.WaitGroup
	results := make(chan error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := w.Do(ctx, ClearCacheRequest{ID: NewCorrelationID()})
			results <- err
		}(i)
	}
	close(start)
	w.Close()
	wg.Wait()
	close(results)

	for err := range results {
		assert.NotErrorIs(t, err, context.DeadlineExceeded,
			"a submission outlived the worker instead of failing fast")
	}

	// Fully closed: submission fails before touching the queue.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := w.Do(ctx, ClearCacheRequest{ID: "after-close"})
	assert.ErrorIs(t, err, ErrWorkerClosed)
}

func TestEmptyCorrelationID(t *testing.T) {
	w, _ := newTestWorker(t, true)
	_, err := w.Do(context.Background(), ClearCacheRequest{})
	assert.ErrorIs(t, err, ErrEmptyCorrelationID)
}

type bogusRequest struct{ id string }

func (r bogusRequest) CorrelationID() string { return r.id }
func (r bogusRequest) kind() string          { return "bogus" }

func TestUnsupportedRequest(t *testing.T) {
	w, _ := newTestWorker(t, true)

	resp, err := w.Do(context.Background(), bogusRequest{id: "x"})
	require.NoError(t, err)
	errResp, ok := resp.(ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, CodeUnsupported, errResp.Code)
}
