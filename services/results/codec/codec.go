// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec translates the runner's compressed binary result payloads
// into AnalysisResult values and back.
//
// Payload layout:
//
//	[4-byte little-endian uint32: uncompressed length][zstd block]
//
// The block decompresses to a msgpack-encoded AnalysisResult. Decoding is
// all-or-nothing: any failure surfaces as a *DecodeError tagged with the
// stage that failed, and no partial result is returned.
package codec

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"

	"github.com/ddalab/ddalab/services/results/datatypes"
)

var tracer = otel.Tracer("ddalab.codec")

// HeaderSize is the length of the uncompressed-size prefix in bytes.
const HeaderSize = 4

// MaxUncompressedSize caps the declared uncompressed length a payload may
// claim. Payloads above the cap are rejected before decompression.
const MaxUncompressedSize = 1 << 30

var (
	// ErrPayloadTooShort indicates the payload is smaller than the length
	// header plus a non-empty block.
	ErrPayloadTooShort = errors.New("payload shorter than header")

	// ErrPayloadTooLarge indicates the declared uncompressed length exceeds
	// MaxUncompressedSize.
	ErrPayloadTooLarge = errors.New("declared uncompressed length exceeds limit")

	// ErrLengthMismatch indicates the block decompressed to a different
	// length than the header declared.
	ErrLengthMismatch = errors.New("uncompressed length mismatch")

	// ErrResultTooLarge indicates an encode was asked to frame a result
	// whose serialized form cannot be described by the 4-byte header.
	ErrResultTooLarge = errors.New("serialized result exceeds header range")
)

// DecodeStage identifies the phase of decoding where a failure occurred.
type DecodeStage string

const (
	// StageLength covers header parsing and length sanity checks.
	StageLength DecodeStage = "length"

	// StageDecompress covers zstd block decompression.
	StageDecompress DecodeStage = "decompress"

	// StageDeserialize covers msgpack unmarshalling.
	StageDeserialize DecodeStage = "deserialize"
)

// DecodeError is the single failure type returned by Decode. Stage tells
// callers which phase rejected the payload; Unwrap exposes the cause.
type DecodeError struct {
	Stage DecodeStage
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode result payload: %s stage: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(stage DecodeStage, err error) *DecodeError {
	return &DecodeError{Stage: stage, Err: err}
}

// DecodeTiming breaks down where a decode spent its time, alongside the
// byte counts on either side of decompression.
type DecodeTiming struct {
	Decompress        time.Duration `json:"decompress"`
	Deserialize       time.Duration `json:"deserialize"`
	Total             time.Duration `json:"total"`
	CompressedBytes   int           `json:"compressed_bytes"`
	UncompressedBytes int           `json:"uncompressed_bytes"`
}

// DecodeResult bundles a decoded payload: the full result, its metadata
// projection, and the timing breakdown.
type DecodeResult struct {
	Result   *datatypes.AnalysisResult
	Metadata *datatypes.ResultMetadata
	Timing   DecodeTiming
}

// Codec decodes and encodes result payloads. Safe for concurrent use; the
// underlying zstd coders are stateless per call.
type Codec struct {
	dec    *zstd.Decoder
	enc    *zstd.Encoder
	logger *slog.Logger
}

// New builds a Codec. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) (*Codec, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxUncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		dec.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Codec{dec: dec, enc: enc, logger: logger}, nil
}

// Close releases the zstd coders. The Codec must not be used afterwards.
func (c *Codec) Close() {
	c.dec.Close()
	_ = c.enc.Close()
}

// Decode parses one payload into a DecodeResult.
//
// Description:
//
//	Validates the 4-byte little-endian length header, decompresses the
//	zstd block (verifying the declared length), unmarshals the msgpack
//	document into an AnalysisResult, and derives the metadata projection.
//	Timing for the decompress and deserialize phases is recorded on the
//	returned DecodeResult.
//
// Inputs:
//
//	ctx - Carries the trace span; decoding itself does not block.
//	payload - Raw bytes as received from the runner. Not retained.
//
// Outputs:
//
//	*DecodeResult on success. On failure a *DecodeError whose Stage
//	identifies the failing phase; no partial result is ever returned.
func (c *Codec) Decode(ctx context.Context, payload []byte) (*DecodeResult, error) {
	_, span := tracer.Start(ctx, "codec.decode")
	defer span.End()
	span.SetAttributes(attribute.Int("payload.bytes", len(payload)))

	start := time.Now()

	if len(payload) < HeaderSize+1 {
		err := decodeErr(StageLength, fmt.Errorf("%w: %d bytes", ErrPayloadTooShort, len(payload)))
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "length check failed")
		return nil, err
	}
	declared := int(binary.LittleEndian.Uint32(payload[:HeaderSize]))
	if declared > MaxUncompressedSize {
		err := decodeErr(StageLength, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, declared))
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "length check failed")
		return nil, err
	}
	block := payload[HeaderSize:]

	decompStart := time.Now()
	raw, err := c.dec.DecodeAll(block, make([]byte, 0, declared))
	if err != nil {
		derr := decodeErr(StageDecompress, err)
		span.RecordError(derr)
		span.SetStatus(otelcodes.Error, "decompression failed")
		return nil, derr
	}
	if len(raw) != declared {
		derr := decodeErr(StageDecompress, fmt.Errorf("%w: declared %d, got %d", ErrLengthMismatch, declared, len(raw)))
		span.RecordError(derr)
		span.SetStatus(otelcodes.Error, "decompression failed")
		return nil, derr
	}
	decompDur := time.Since(decompStart)

	deserStart := time.Now()
	var result datatypes.AnalysisResult
	if err := msgpack.Unmarshal(raw, &result); err != nil {
		derr := decodeErr(StageDeserialize, err)
		span.RecordError(derr)
		span.SetStatus(otelcodes.Error, "deserialization failed")
		return nil, derr
	}
	deserDur := time.Since(deserStart)

	dr := &DecodeResult{
		Result:   &result,
		Metadata: datatypes.NewResultMetadata(&result),
		Timing: DecodeTiming{
			Decompress:        decompDur,
			Deserialize:       deserDur,
			Total:             time.Since(start),
			CompressedBytes:   len(block),
			UncompressedBytes: len(raw),
		},
	}
	span.SetAttributes(
		attribute.String("analysis.id", result.ID),
		attribute.Int("uncompressed.bytes", len(raw)),
	)
	c.logger.Debug("decoded result payload",
		slog.String("analysis_id", result.ID),
		slog.Int("compressed_bytes", dr.Timing.CompressedBytes),
		slog.Int("uncompressed_bytes", dr.Timing.UncompressedBytes),
		slog.Duration("decompress", decompDur),
		slog.Duration("deserialize", deserDur),
	)
	return dr, nil
}

// Encode frames r as a payload Decode can read back: msgpack document,
// zstd block, little-endian length header.
func (c *Codec) Encode(ctx context.Context, r *datatypes.AnalysisResult) ([]byte, error) {
	_, span := tracer.Start(ctx, "codec.encode")
	defer span.End()

	raw, err := msgpack.Marshal(r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "serialization failed")
		return nil, fmt.Errorf("serialize result %s: %w", r.ID, err)
	}
	if len(raw) > math.MaxUint32 || len(raw) > MaxUncompressedSize {
		err := fmt.Errorf("%w: %d bytes", ErrResultTooLarge, len(raw))
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "result too large")
		return nil, err
	}

	payload := make([]byte, HeaderSize, HeaderSize+len(raw)/2)
	binary.LittleEndian.PutUint32(payload, uint32(len(raw)))
	payload = c.enc.EncodeAll(raw, payload)

	span.SetAttributes(
		attribute.String("analysis.id", r.ID),
		attribute.Int("payload.bytes", len(payload)),
	)
	return payload, nil
}
