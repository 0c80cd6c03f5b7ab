// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache holds recently decoded analysis results so the viewer can
// fetch variant data without re-decoding payloads.
//
// The cache is a small fixed-capacity LRU: decoded results are large, so
// only a handful are kept and the least recently touched one is evicted on
// overflow. Lookups never trigger a decode; a miss is reported to the
// caller, who decides whether to re-submit the payload.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ddalab/ddalab/services/results/datatypes"
)

// DefaultCapacity is the number of decoded results kept when no explicit
// capacity is configured.
const DefaultCapacity = 3

var (
	// ErrResultNotCached indicates the requested analysis id is not
	// resident. The caller may re-decode the payload and retry.
	ErrResultNotCached = errors.New("result not cached")

	// ErrVariantNotFound indicates the cached result has no variant with
	// the requested id.
	ErrVariantNotFound = errors.New("variant not found")
)

// Entry wraps one cached result with its residency timestamps.
type Entry struct {
	// ID is the analysis id, duplicated here for eviction logging.
	ID string

	// Result is the decoded analysis result.
	Result *datatypes.AnalysisResult

	// StoredAtMilli is when the entry was inserted, Unix milliseconds.
	StoredAtMilli int64

	// LastAccessMilli is the most recent touch, Unix milliseconds.
	LastAccessMilli int64
}

// VariantData is the copy handed to callers by GetVariantData. The matrix
// and indices are owned by the receiver; mutating them cannot affect the
// cache.
type VariantData struct {
	AnalysisID    string               `json:"analysis_id"`
	VariantID     string               `json:"variant_id"`
	WindowIndices []int64              `json:"window_indices"`
	Matrix        map[string][]float64 `json:"matrix"`

	// FallbackApplied is true when none of the requested channels matched
	// the variant's matrix and the full matrix was returned instead.
	FallbackApplied bool `json:"fallback_applied"`
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Fallbacks int64 `json:"fallbacks"`
	Size      int   `json:"size"`
}

// ResultCache is a fixed-capacity LRU of decoded analysis results.
//
// Thread Safety: all methods are safe for concurrent use. The results
// worker is the only writer in practice, but handlers may read stats
// concurrently.
type ResultCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	fallbacks atomic.Int64

	logger *slog.Logger
}

// New creates a ResultCache. Non-positive capacities fall back to
// DefaultCapacity. A nil logger falls back to slog.Default().
func New(capacity int, logger *slog.Logger) *ResultCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		lru:      list.New(),
		logger:   logger,
	}
}

// Put inserts or replaces the result under its analysis id and marks it
// most recently used. When the cache is full the least recently used entry
// is evicted first.
func (c *ResultCache) Put(ctx context.Context, r *datatypes.AnalysisResult) {
	now := time.Now().UnixMilli()

	c.mu.Lock()
	if el, ok := c.entries[r.ID]; ok {
		entry := el.Value.(*Entry)
		entry.Result = r
		entry.StoredAtMilli = now
		entry.LastAccessMilli = now
		c.lru.MoveToFront(el)
		c.mu.Unlock()
		return
	}

	var evicted string
	if c.lru.Len() >= c.capacity {
		evicted = c.evictOldestLocked()
	}
	el := c.lru.PushFront(&Entry{
		ID:              r.ID,
		Result:          r,
		StoredAtMilli:   now,
		LastAccessMilli: now,
	})
	c.entries[r.ID] = el
	c.mu.Unlock()

	if evicted != "" {
		c.evictions.Add(1)
		recordEviction(ctx)
		c.logger.Debug("evicted cached result",
			slog.String("evicted_id", evicted),
			slog.String("inserted_id", r.ID),
		)
	}
}

// evictOldestLocked removes the LRU entry and returns its id. Caller holds
// the mutex.
func (c *ResultCache) evictOldestLocked() string {
	back := c.lru.Back()
	if back == nil {
		return ""
	}
	entry := back.Value.(*Entry)
	c.lru.Remove(back)
	delete(c.entries, entry.ID)
	return entry.ID
}

// Get returns the cached result for id, refreshing its recency. The second
// return reports residency.
//
// The returned result is cache-owned and must be treated as read-only;
// callers needing a mutable projection go through GetVariantData, which
// copies. Mutating the returned result corrupts what every later caller
// sees.
func (c *ResultCache) Get(ctx context.Context, id string) (*datatypes.AnalysisResult, bool) {
	c.mu.Lock()
	el, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		recordMiss(ctx)
		return nil, false
	}
	entry := el.Value.(*Entry)
	entry.LastAccessMilli = time.Now().UnixMilli()
	c.lru.MoveToFront(el)
	r := entry.Result
	c.mu.Unlock()

	c.hits.Add(1)
	recordHit(ctx)
	return r, true
}

// GetVariantData copies the requested channels of one variant out of the
// cache.
//
// Description:
//
//	Looks up the analysis by id (a miss never triggers a decode), finds
//	the variant, and copies the requested channels' series. When none of
//	the requested channels exist in the variant's matrix the full matrix
//	is copied instead and FallbackApplied is set, so callers can tell a
//	genuine full read from a selection that silently matched nothing.
//
// Inputs:
//
//	ctx - Metrics attribution only.
//	id - Analysis id.
//	variantID - Variant to read.
//	channels - Channel selection; an empty selection falls back to the
//	    full matrix.
//
// Outputs:
//
//	*VariantData owned by the caller, or ErrResultNotCached /
//	ErrVariantNotFound.
func (c *ResultCache) GetVariantData(ctx context.Context, id, variantID string, channels []string) (*VariantData, error) {
	c.mu.Lock()
	el, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		recordMiss(ctx)
		return nil, fmt.Errorf("analysis %q: %w", id, ErrResultNotCached)
	}
	entry := el.Value.(*Entry)
	entry.LastAccessMilli = time.Now().UnixMilli()
	c.lru.MoveToFront(el)

	variant := entry.Result.Variant(variantID)
	if variant == nil {
		c.mu.Unlock()
		c.hits.Add(1)
		recordHit(ctx)
		return nil, fmt.Errorf("analysis %q variant %q: %w", id, variantID, ErrVariantNotFound)
	}

	matrix := make(map[string][]float64, len(channels))
	for _, ch := range channels {
		if series, ok := variant.Matrix[ch]; ok {
			matrix[ch] = append([]float64(nil), series...)
		}
	}
	fallback := false
	if len(matrix) == 0 {
		matrix = datatypes.CloneMatrix(variant.Matrix)
		fallback = true
	}
	data := &VariantData{
		AnalysisID:      id,
		VariantID:       variantID,
		WindowIndices:   datatypes.CloneIndices(entry.Result.WindowIndices),
		Matrix:          matrix,
		FallbackApplied: fallback,
	}
	c.mu.Unlock()

	c.hits.Add(1)
	recordHit(ctx)
	if fallback {
		c.fallbacks.Add(1)
		recordFallback(ctx)
		c.logger.Debug("channel selection matched nothing, returning full matrix",
			slog.String("analysis_id", id),
			slog.String("variant_id", variantID),
			slog.Int("requested_channels", len(channels)),
		)
	}
	return data, nil
}

// Clear removes the given analyses, or every entry when no ids are given,
// and returns the ids actually removed in recency order.
func (c *ResultCache) Clear(ctx context.Context, ids ...string) []string {
	c.mu.Lock()
	var removed []string
	if len(ids) == 0 {
		for el := c.lru.Front(); el != nil; el = el.Next() {
			removed = append(removed, el.Value.(*Entry).ID)
		}
		c.lru.Init()
		c.entries = make(map[string]*list.Element, c.capacity)
	} else {
		for _, id := range ids {
			if el, ok := c.entries[id]; ok {
				c.lru.Remove(el)
				delete(c.entries, id)
				removed = append(removed, id)
			}
		}
	}
	c.mu.Unlock()

	if len(removed) > 0 {
		c.logger.Debug("cleared cached results", slog.Int("count", len(removed)))
	}
	return removed
}

// Len returns the number of resident results.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	size := c.lru.Len()
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Fallbacks: c.fallbacks.Load(),
		Size:      size,
	}
}
