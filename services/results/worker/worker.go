// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker runs the results actor: a single goroutine that owns the
// result cache and codec and serves decode, data-fetch, and cache-clear
// requests over a strictly request/response protocol.
//
// Serializing all cache access through one goroutine removes locking from
// the hot path's critical reasoning: requests are processed one at a time,
// responses carry the request's correlation id, and callers may pipeline
// requests without caring about completion order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ddalab/ddalab/services/results/cache"
	"github.com/ddalab/ddalab/services/results/codec"
)

var tracer = otel.Tracer("ddalab.worker")

var (
	// ErrWorkerClosed indicates the worker has stopped and accepts no more
	// requests.
	ErrWorkerClosed = errors.New("results worker closed")

	// ErrQueueFull indicates the request queue is at capacity.
	ErrQueueFull = errors.New("results worker queue full")

	// ErrEmptyCorrelationID indicates a request without a correlation id.
	ErrEmptyCorrelationID = errors.New("request has no correlation id")

	// ErrDuplicateID indicates a correlation id that is already in flight.
	ErrDuplicateID = errors.New("correlation id already in flight")
)

// Config controls worker sizing.
type Config struct {
	// QueueDepth is the request queue capacity.
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`

	// CacheCapacity is the number of decoded results the cache retains.
	CacheCapacity int `yaml:"cache_capacity" json:"cache_capacity"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth:    64,
		CacheCapacity: cache.DefaultCapacity,
	}
}

// Validate checks config sanity.
func (c Config) Validate() error {
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue depth must be positive, got %d", c.QueueDepth)
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.CacheCapacity)
	}
	return nil
}

// Worker is the results actor.
//
// Thread Safety: Do and Close are safe for concurrent use from any
// goroutine. The processing loop itself is single-threaded.
type Worker struct {
	cfg    Config
	codec  *codec.Codec
	cache  *cache.ResultCache
	logger *slog.Logger

	requests chan Request

	pendingMu sync.Mutex
	pending   map[string]chan Response

	started   atomic.Bool
	closed    atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Worker. The codec is required; a nil cache gets a fresh one
// at the configured capacity; a nil logger falls back to slog.Default().
func New(cfg Config, cd *codec.Codec, ca *cache.ResultCache, logger *slog.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if cd == nil {
		return nil, errors.New("worker requires a codec")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ca == nil {
		ca = cache.New(cfg.CacheCapacity, logger)
	}
	return &Worker{
		cfg:      cfg,
		codec:    cd,
		cache:    ca,
		logger:   logger,
		requests: make(chan Request, cfg.QueueDepth),
		pending:  make(map[string]chan Response),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Cache exposes the worker's cache for stats endpoints. Mutating access
// belongs to the worker goroutine; callers should read stats only.
func (w *Worker) Cache() *cache.ResultCache { return w.cache }

// Start launches the processing goroutine. Safe to call once; the worker
// stops when ctx is canceled or Close is called.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	w.logger.Info("results worker started",
		slog.Int("queue_depth", w.cfg.QueueDepth),
		slog.Int("cache_capacity", w.cfg.CacheCapacity),
	)
	for {
		select {
		case <-ctx.Done():
			w.shutdown("context canceled")
			return
		case <-w.stop:
			w.shutdown("worker closed")
			return
		case req := <-w.requests:
			w.deliver(w.handle(ctx, req))
		}
	}
}

// Close stops the worker and fails every in-flight request with a
// shutting-down error response. Idempotent.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.stop)
		if w.started.Load() {
			<-w.done
			return
		}
		// Never started: run the shutdown path inline.
		w.shutdown("worker closed")
		close(w.done)
	})
}

// shutdown marks the worker closed and answers all pending requests.
func (w *Worker) shutdown(reason string) {
	w.closed.Store(true)

	w.pendingMu.Lock()
	pending := w.pending
	w.pending = make(map[string]chan Response)
	w.pendingMu.Unlock()

	for id, ch := range pending {
		ch <- ErrorResponse{ID: id, Code: CodeShuttingDown, Message: reason}
	}
	if len(pending) > 0 {
		w.logger.Warn("worker stopped with requests in flight",
			slog.Int("count", len(pending)),
			slog.String("reason", reason),
		)
	}
	w.logger.Info("results worker stopped", slog.String("reason", reason))
}

// Do submits one request and waits for its response.
//
// Description:
//
//	Registers the request's correlation id, enqueues the request, and
//	blocks until the worker answers, ctx is canceled, or the worker
//	stops. Responses are matched strictly by correlation id, so any
//	number of callers may have requests in flight concurrently.
//
// Inputs:
//
//	ctx - Bounds the wait; cancellation abandons the request (a late
//	    response is discarded).
//	req - Request with a non-empty, not-currently-in-flight id.
//
// Outputs:
//
//	The matching Response (possibly an ErrorResponse), or an error when
//	the request could not be submitted or the wait ended early.
func (w *Worker) Do(ctx context.Context, req Request) (Response, error) {
	id := req.CorrelationID()
	if id == "" {
		return nil, ErrEmptyCorrelationID
	}

	respCh := make(chan Response, 1)
	w.pendingMu.Lock()
	// shutdown sets closed before swapping the pending map under this
	// mutex, so a registration that sees closed unset here is guaranteed
	// to be answered by the shutdown sweep.
	if w.closed.Load() {
		w.pendingMu.Unlock()
		return nil, ErrWorkerClosed
	}
	if _, exists := w.pending[id]; exists {
		w.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	w.pending[id] = respCh
	w.pendingMu.Unlock()

	select {
	case w.requests <- req:
	default:
		w.forget(id)
		return nil, fmt.Errorf("%w: depth %d", ErrQueueFull, w.cfg.QueueDepth)
	}

	select {
	case resp := <-respCh:
		// ErrorResponse (including shutting_down) is a valid answer; the
		// caller inspects its code.
		return resp, nil
	case <-ctx.Done():
		w.forget(id)
		return nil, ctx.Err()
	}
}

// forget drops a pending registration after a failed submit or abandoned
// wait.
func (w *Worker) forget(id string) {
	w.pendingMu.Lock()
	delete(w.pending, id)
	w.pendingMu.Unlock()
}

// deliver routes a response to its waiting caller. Responses whose caller
// gave up are dropped.
func (w *Worker) deliver(resp Response) {
	if resp == nil {
		return
	}
	id := resp.CorrelationID()

	w.pendingMu.Lock()
	ch, ok := w.pending[id]
	delete(w.pending, id)
	w.pendingMu.Unlock()

	if !ok {
		w.logger.Debug("dropping response with no waiter", slog.String("correlation_id", id))
		return
	}
	ch <- resp
}

// handle processes one request on the worker goroutine.
func (w *Worker) handle(ctx context.Context, req Request) Response {
	ctx, span := tracer.Start(ctx, "worker.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.kind", req.kind()),
		attribute.String("request.id", req.CorrelationID()),
	)

	switch r := req.(type) {
	case DecodeRequest:
		return w.handleDecode(ctx, r)
	case GetDataRequest:
		return w.handleGetData(ctx, r)
	case ClearCacheRequest:
		return w.handleClearCache(ctx, r)
	default:
		return ErrorResponse{
			ID:      req.CorrelationID(),
			Code:    CodeUnsupported,
			Message: fmt.Sprintf("unsupported request kind %q", req.kind()),
		}
	}
}

func (w *Worker) handleDecode(ctx context.Context, req DecodeRequest) Response {
	dr, err := w.codec.Decode(ctx, req.Payload)
	if err != nil {
		w.logger.Error("payload decode failed",
			slog.String("correlation_id", req.ID),
			slog.String("analysis_id", req.AnalysisID),
			slog.Any("error", err),
		)
		return ErrorResponse{ID: req.ID, Code: CodeDecodeFailed, Message: err.Error()}
	}
	if req.AnalysisID != "" && req.AnalysisID != dr.Result.ID {
		w.logger.Warn("decoded id differs from requested id",
			slog.String("requested", req.AnalysisID),
			slog.String("decoded", dr.Result.ID),
		)
	}

	w.cache.Put(ctx, dr.Result)

	w.logger.Info("result decoded and cached",
		slog.String("analysis_id", dr.Result.ID),
		slog.Int("variants", len(dr.Result.Variants)),
		slog.Int("compressed_bytes", dr.Timing.CompressedBytes),
		slog.Int("uncompressed_bytes", dr.Timing.UncompressedBytes),
		slog.Duration("decode_total", dr.Timing.Total),
	)
	return MetadataResponse{ID: req.ID, Metadata: dr.Metadata, Timing: dr.Timing}
}

func (w *Worker) handleGetData(ctx context.Context, req GetDataRequest) Response {
	data, err := w.cache.GetVariantData(ctx, req.AnalysisID, req.VariantID, req.Channels)
	switch {
	case errors.Is(err, cache.ErrResultNotCached):
		return ErrorResponse{ID: req.ID, Code: CodeNotCached, Message: err.Error()}
	case errors.Is(err, cache.ErrVariantNotFound):
		return ErrorResponse{ID: req.ID, Code: CodeVariantNotFound, Message: err.Error()}
	case err != nil:
		return ErrorResponse{ID: req.ID, Code: CodeUnsupported, Message: err.Error()}
	}
	return DataResponse{ID: req.ID, Data: data}
}

func (w *Worker) handleClearCache(ctx context.Context, req ClearCacheRequest) Response {
	var cleared []string
	if req.AnalysisID == "" {
		cleared = w.cache.Clear(ctx)
	} else {
		cleared = w.cache.Clear(ctx, req.AnalysisID)
	}
	return CacheClearedResponse{ID: req.ID, Cleared: cleared}
}
