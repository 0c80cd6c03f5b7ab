// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ddalab/ddalab/services/results/codec"
	"github.com/ddalab/ddalab/services/results/datatypes"
	"github.com/ddalab/ddalab/services/results/registry"
	"github.com/ddalab/ddalab/services/results/snapshot"
)

var tracer = otel.Tracer("ddalab.store")

// Key families. Every record of a family shares its prefix; ids never
// contain the separator, so prefix scans cannot bleed across families.
const (
	keyPrefixMeta      = "meta:"
	keyPrefixPayload   = "payload:"
	keyPrefixAnnots    = "annotations:"
	keyPrefixFileState = "filestate:"
)

var (
	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddalab_store_saves_total",
		Help: "Analysis save operations by status",
	}, []string{"status"})

	restoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ddalab_store_snapshot_restore_duration_seconds",
		Help:    "Time to materialize a snapshot into the store",
		Buckets: prometheus.DefBuckets,
	})
)

// Store is the durable persistence collaborator for the results subsystem.
//
// Description:
//
//	Wraps an embedded BadgerDB with the subsystem's key families:
//	codec-framed payloads, msgpack metadata projections, per-recording
//	annotation lists, and per-file registry state. Implements
//	snapshot.Persistence and registry.StateSaver.
//
// Thread Safety: Safe for concurrent use; BadgerDB transactions provide
// isolation.
type Store struct {
	db     *badger.DB
	codec  *codec.Codec
	gc     *gcRunner
	logger *slog.Logger
}

// Open creates the store.
//
// Inputs:
//
//	cfg - Store configuration; see Config.Validate.
//	cd - Codec used to project metadata from restored payloads. Required.
//	logger - Optional; nil falls back to slog.Default().
//
// Outputs:
//
//	The opened store. Callers must Close() it.
func Open(cfg Config, cd *codec.Codec, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	if cd == nil {
		return nil, errors.New("store requires a codec")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, codec: cd, logger: logger}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		s.gc.start()
	}

	logger.Info("results store opened",
		slog.String("dir", cfg.Dir),
		slog.Bool("in_memory", cfg.InMemory),
	)
	return s, nil
}

// Close stops GC and closes the database. Idempotent per badger semantics.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
		s.gc = nil
	}
	return s.db.Close()
}

// SaveResult encodes and persists one decoded analysis result: the framed
// payload under payload:<id> and its metadata projection under meta:<id>.
func (s *Store) SaveResult(ctx context.Context, r *datatypes.AnalysisResult) error {
	ctx, span := tracer.Start(ctx, "store.SaveResult")
	defer span.End()
	span.SetAttributes(attribute.String("analysis_id", r.ID))

	payload, err := s.codec.Encode(ctx, r)
	if err != nil {
		savesTotal.WithLabelValues("encode_error").Inc()
		return fmt.Errorf("encoding result %s: %w", r.ID, err)
	}
	if err := s.savePayload(ctx, r.ID, payload, datatypes.NewResultMetadata(r)); err != nil {
		savesTotal.WithLabelValues("write_error").Inc()
		return err
	}
	savesTotal.WithLabelValues("ok").Inc()
	return nil
}

// savePayload writes one payload and its metadata in a single transaction.
func (s *Store) savePayload(ctx context.Context, id string, payload []byte, md *datatypes.ResultMetadata) error {
	metaBytes, err := msgpack.Marshal(md)
	if err != nil {
		return fmt.Errorf("encoding metadata %s: %w", id, err)
	}
	return s.withTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyPrefixPayload+id), payload); err != nil {
			return err
		}
		return txn.Set([]byte(keyPrefixMeta+id), metaBytes)
	})
}

// GetAnalysis returns the metadata projection of a stored analysis, or
// snapshot.ErrAnalysisNotFound.
func (s *Store) GetAnalysis(ctx context.Context, id string) (*datatypes.ResultMetadata, error) {
	var md datatypes.ResultMetadata
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefixMeta + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("analysis %q: %w", id, snapshot.ErrAnalysisNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &md)
		})
	})
	if err != nil {
		return nil, err
	}
	return &md, nil
}

// ListAnalyses returns metadata projections of every stored analysis.
func (s *Store) ListAnalyses(ctx context.Context) ([]*datatypes.ResultMetadata, error) {
	var metas []*datatypes.ResultMetadata
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(keyPrefixMeta)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var md datatypes.ResultMetadata
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &md)
			}); err != nil {
				return err
			}
			metas = append(metas, &md)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

// GetPayload returns an analysis' framed payload exactly as stored, or
// snapshot.ErrAnalysisNotFound.
func (s *Store) GetPayload(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefixPayload + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("analysis %q: %w", id, snapshot.ErrAnalysisNotFound)
		}
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// DeleteAnalysis removes an analysis' payload and metadata. Missing ids
// are a no-op.
func (s *Store) DeleteAnalysis(ctx context.Context, id string) error {
	return s.withTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(keyPrefixPayload + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(keyPrefixMeta + id))
	})
}

// SaveAnnotations replaces the annotation list for a recording.
func (s *Store) SaveAnnotations(ctx context.Context, filePath string, annotations []datatypes.Annotation) error {
	data, err := json.Marshal(annotations)
	if err != nil {
		return fmt.Errorf("encoding annotations for %s: %w", filePath, err)
	}
	return s.withTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefixAnnots+filePath), data)
	})
}

// Annotations returns the stored annotations for a recording, possibly
// empty.
func (s *Store) Annotations(ctx context.Context, filePath string) ([]datatypes.Annotation, error) {
	var annotations []datatypes.Annotation
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefixAnnots + filePath))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &annotations)
		})
	})
	if err != nil {
		return nil, err
	}
	return annotations, nil
}

// SaveFileState persists one open file's registry state, keyed by path.
// Implements registry.StateSaver.
func (s *Store) SaveFileState(ctx context.Context, st registry.FileState) error {
	data, err := msgpack.Marshal(&st)
	if err != nil {
		return fmt.Errorf("encoding file state for %s: %w", st.Path, err)
	}
	return s.withTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefixFileState+st.Path), data)
	})
}

// GetFileState returns a previously saved file state. The second return
// reports presence.
func (s *Store) GetFileState(ctx context.Context, path string) (registry.FileState, bool, error) {
	var st registry.FileState
	found := false
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefixFileState + path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &st)
		})
	})
	if err != nil {
		return registry.FileState{}, false, err
	}
	return st, found, nil
}

// ApplySnapshot materializes a snapshot's payloads and annotations into
// the store. Implements snapshot.Persistence.
//
// Description:
//
//	Decodes each payload through the codec to derive its metadata
//	projection, then writes payload and metadata. Payload bytes are
//	stored exactly as carried by the snapshot. Annotations are grouped
//	by recording and each group replaces that recording's stored list.
//	A payload that fails to decode fails the whole restore; nothing is
//	rolled back (badger writes already committed stay), matching the
//	apply orchestrator's best-effort contract.
//
// Outputs:
//
//	Counts of analyses and annotations actually written.
func (s *Store) ApplySnapshot(ctx context.Context, snap *snapshot.Contents) (snapshot.RestoreCounts, error) {
	ctx, span := tracer.Start(ctx, "store.ApplySnapshot")
	defer span.End()

	timer := prometheus.NewTimer(restoreDuration)
	defer timer.ObserveDuration()

	var counts snapshot.RestoreCounts
	if snap == nil || snap.Manifest == nil {
		return counts, errors.New("nothing to apply")
	}

	for id, payload := range snap.Payloads {
		dr, err := s.codec.Decode(ctx, payload)
		if err != nil {
			span.RecordError(err)
			return counts, fmt.Errorf("decoding snapshot payload %s: %w", id, err)
		}
		if dr.Result.ID != id {
			s.logger.Warn("snapshot payload id differs from its entry name",
				slog.String("entry_id", id),
				slog.String("decoded_id", dr.Result.ID),
			)
		}
		if err := s.savePayload(ctx, dr.Result.ID, payload, dr.Metadata); err != nil {
			span.RecordError(err)
			return counts, fmt.Errorf("storing snapshot payload %s: %w", id, err)
		}
		counts.Analyses++
	}

	byFile := make(map[string][]datatypes.Annotation)
	for _, a := range snap.Annotations {
		byFile[a.FilePath] = append(byFile[a.FilePath], a)
	}
	for filePath, list := range byFile {
		if err := s.SaveAnnotations(ctx, filePath, list); err != nil {
			span.RecordError(err)
			return counts, err
		}
		counts.Annotations += len(list)
	}

	span.SetAttributes(
		attribute.Int("analyses_restored", counts.Analyses),
		attribute.Int("annotations_restored", counts.Annotations),
	)
	s.logger.Info("snapshot materialized",
		slog.Int("analyses", counts.Analyses),
		slog.Int("annotations", counts.Annotations),
	)
	return counts, nil
}
