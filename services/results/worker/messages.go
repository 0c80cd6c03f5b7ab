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
	"github.com/google/uuid"

	"github.com/ddalab/ddalab/services/results/cache"
	"github.com/ddalab/ddalab/services/results/codec"
	"github.com/ddalab/ddalab/services/results/datatypes"
)

// Request is a message submitted to the worker. Every request carries a
// caller-chosen correlation id; the matching response echoes it, so callers
// pair messages by id rather than arrival order.
type Request interface {
	CorrelationID() string
	kind() string
}

// Response is the worker's answer to exactly one Request.
type Response interface {
	CorrelationID() string
}

// NewCorrelationID returns a fresh correlation id for callers that do not
// bring their own.
func NewCorrelationID() string { return uuid.NewString() }

// DecodeRequest asks the worker to decode one compressed result payload
// and admit it to the cache. The response is a MetadataResponse; bulk data
// stays behind until requested via GetDataRequest (progressive loading).
type DecodeRequest struct {
	ID string `json:"id"`

	// AnalysisID is the id the caller believes the payload holds. Optional;
	// a mismatch with the decoded result is logged, the decoded id wins.
	AnalysisID string `json:"analysis_id,omitempty"`

	// Payload is the framed binary payload. The worker does not retain it.
	Payload []byte `json:"payload"`
}

func (r DecodeRequest) CorrelationID() string { return r.ID }
func (r DecodeRequest) kind() string          { return "decode" }

// GetDataRequest asks for one variant's matrix, restricted to the given
// channels, from the cache. It never triggers a decode.
type GetDataRequest struct {
	ID         string   `json:"id"`
	AnalysisID string   `json:"analysis_id"`
	VariantID  string   `json:"variant_id"`
	Channels   []string `json:"channels,omitempty"`
}

func (r GetDataRequest) CorrelationID() string { return r.ID }
func (r GetDataRequest) kind() string          { return "get_data" }

// ClearCacheRequest evicts one analysis (or all, when AnalysisID is empty)
// from the cache.
type ClearCacheRequest struct {
	ID         string `json:"id"`
	AnalysisID string `json:"analysis_id,omitempty"`
}

func (r ClearCacheRequest) CorrelationID() string { return r.ID }
func (r ClearCacheRequest) kind() string          { return "clear_cache" }

// MetadataResponse answers a DecodeRequest with the bulk-free projection
// and the decode timing breakdown.
type MetadataResponse struct {
	ID       string                    `json:"id"`
	Metadata *datatypes.ResultMetadata `json:"metadata"`
	Timing   codec.DecodeTiming        `json:"timing"`
}

func (r MetadataResponse) CorrelationID() string { return r.ID }

// DataResponse answers a GetDataRequest. Data is owned by the receiver;
// the worker keeps no reference to it after delivery.
type DataResponse struct {
	ID   string             `json:"id"`
	Data *cache.VariantData `json:"data"`
}

func (r DataResponse) CorrelationID() string { return r.ID }

// CacheClearedResponse answers a ClearCacheRequest with the ids that were
// actually removed.
type CacheClearedResponse struct {
	ID      string   `json:"id"`
	Cleared []string `json:"cleared"`
}

func (r CacheClearedResponse) CorrelationID() string { return r.ID }

// Error codes carried by ErrorResponse.
const (
	// CodeDecodeFailed covers any stage of payload decoding.
	CodeDecodeFailed = "decode_failed"

	// CodeNotCached means the analysis is not resident; the caller may
	// re-submit the payload for decoding.
	CodeNotCached = "not_cached"

	// CodeVariantNotFound means the cached result has no such variant.
	CodeVariantNotFound = "variant_not_found"

	// CodeUnsupported means the request type is unknown to this worker.
	CodeUnsupported = "unsupported"

	// CodeShuttingDown means the worker stopped before answering.
	CodeShuttingDown = "shutting_down"
)

// ErrorResponse reports a failed request. Code is machine-readable;
// Message is for operators and logs.
type ErrorResponse struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r ErrorResponse) CorrelationID() string { return r.ID }
