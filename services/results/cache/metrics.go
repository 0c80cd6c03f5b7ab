// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metric instruments are created lazily on first use so the cache works
// with or without a configured meter provider. Failed creation degrades to
// no-op recording.
var (
	metricsOnce sync.Once

	hitCounter      metric.Int64Counter
	missCounter     metric.Int64Counter
	evictionCounter metric.Int64Counter
	fallbackCounter metric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("ddalab.results.cache")

	var err error
	if hitCounter, err = meter.Int64Counter(
		"ddalab_results_cache_hits_total",
		metric.WithDescription("Cache lookups that found a resident result"),
	); err != nil {
		slog.Warn("cache metrics degraded", slog.String("instrument", "hits"), slog.Any("error", err))
	}
	if missCounter, err = meter.Int64Counter(
		"ddalab_results_cache_misses_total",
		metric.WithDescription("Cache lookups for ids that were not resident"),
	); err != nil {
		slog.Warn("cache metrics degraded", slog.String("instrument", "misses"), slog.Any("error", err))
	}
	if evictionCounter, err = meter.Int64Counter(
		"ddalab_results_cache_evictions_total",
		metric.WithDescription("Results evicted to make room for new insertions"),
	); err != nil {
		slog.Warn("cache metrics degraded", slog.String("instrument", "evictions"), slog.Any("error", err))
	}
	if fallbackCounter, err = meter.Int64Counter(
		"ddalab_results_cache_fallbacks_total",
		metric.WithDescription("Variant reads where channel selection matched nothing and the full matrix was returned"),
	); err != nil {
		slog.Warn("cache metrics degraded", slog.String("instrument", "fallbacks"), slog.Any("error", err))
	}
}

func recordHit(ctx context.Context) {
	metricsOnce.Do(initMetrics)
	if hitCounter != nil {
		hitCounter.Add(ctx, 1)
	}
}

func recordMiss(ctx context.Context) {
	metricsOnce.Do(initMetrics)
	if missCounter != nil {
		missCounter.Add(ctx, 1)
	}
}

func recordEviction(ctx context.Context) {
	metricsOnce.Do(initMetrics)
	if evictionCounter != nil {
		evictionCounter.Add(ctx, 1)
	}
}

func recordFallback(ctx context.Context) {
	metricsOnce.Do(initMetrics)
	if fallbackCounter != nil {
		fallbackCounter.Add(ctx, 1)
	}
}
