// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ddalab/ddalab/services/results/archive"
)

var exportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ddalab_snapshot_exports_total",
	Help: "Snapshot export attempts by status",
}, []string{"status"})

// exportFetchers bounds concurrent payload reads from the store.
const exportFetchers = 4

// ExportRequest selects what goes into a snapshot.
type ExportRequest struct {
	// SourceFile is the recording whose analyses are exported.
	SourceFile string `json:"source_file"`

	// AnalysisIDs narrows the export to specific analyses. Empty means
	// every stored analysis for SourceFile, which makes the snapshot a
	// full one.
	AnalysisIDs []string `json:"analysis_ids,omitempty"`
}

func (r ExportRequest) mode() SnapshotMode {
	if len(r.AnalysisIDs) == 0 {
		return ModeFull
	}
	return ModePartial
}

// ExportSummary reports what an export wrote.
type ExportSummary struct {
	Mode        SnapshotMode `json:"mode"`
	Analyses    int          `json:"analyses"`
	Annotations int          `json:"annotations"`
	Bytes       int          `json:"bytes"`

	// SourceHashed is true when the recording was present and its hash
	// landed in the manifest.
	SourceHashed bool `json:"source_hashed"`
}

// Export writes a snapshot archive for the requested recording.
//
// Description:
//
//	Builds the manifest from stored metadata, hashes the recording when
//	it is reachable (tolerating one still being written), fetches the
//	stored payloads with bounded concurrency, and assembles the archive:
//	manifest.json, one results/<id>.bin per analysis, annotations.json.
//	Payloads are written exactly as stored; nothing is re-encoded.
//
// Inputs:
//
//	ctx - Carries tracing and cancels payload fetching.
//	w - Destination; receives the complete archive in one Write.
//	req - What to export. SourceFile must be set.
//
// Outputs:
//
//	A summary of what was written, ErrExportInFlight on re-entry, or
//	ErrAnalysisNotFound when a requested id is not stored for the
//	recording.
func (o *Orchestrator) Export(ctx context.Context, w io.Writer, req ExportRequest) (*ExportSummary, error) {
	if req.SourceFile == "" {
		return nil, errors.New("export request needs a source file")
	}
	if !o.exportBusy.CompareAndSwap(false, true) {
		return nil, ErrExportInFlight
	}
	defer o.exportBusy.Store(false)

	ctx, span := tracer.Start(ctx, "snapshot.Orchestrator.Export",
		trace.WithAttributes(
			attribute.String("source_file", req.SourceFile),
			attribute.String("mode", string(req.mode())),
		),
	)
	defer span.End()

	logger := loggerWithTrace(ctx, o.logger).With(
		slog.String("operation", "export_snapshot"),
		slog.String("source_file", req.SourceFile),
	)

	summary, err := o.export(ctx, w, req, logger, span)
	if err != nil {
		span.RecordError(err)
		exportsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	exportsTotal.WithLabelValues("ok").Inc()
	return summary, nil
}

func (o *Orchestrator) export(ctx context.Context, w io.Writer, req ExportRequest,
	logger *slog.Logger, span trace.Span) (*ExportSummary, error) {

	ids, manifest, err := o.buildManifest(ctx, req, logger)
	if err != nil {
		return nil, err
	}

	payloads := make([][]byte, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(exportFetchers)
	for i, id := range ids {
		g.Go(func() error {
			p, err := o.persistence.GetPayload(gctx, id)
			if err != nil {
				return fmt.Errorf("payload %s: %w", id, err)
			}
			payloads[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	annotations, err := o.persistence.Annotations(ctx, req.SourceFile)
	if err != nil {
		return nil, fmt.Errorf("loading annotations: %w", err)
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	annotationsJSON, err := json.Marshal(annotations)
	if err != nil {
		return nil, fmt.Errorf("encoding annotations: %w", err)
	}

	aw := archive.NewWriter()
	if err := aw.Add(ManifestEntryName, manifestJSON); err != nil {
		return nil, err
	}
	for i, id := range ids {
		if err := aw.Add(PayloadEntryName(id), payloads[i]); err != nil {
			return nil, err
		}
	}
	if err := aw.Add(AnnotationsEntryName, annotationsJSON); err != nil {
		return nil, err
	}
	blob, err := aw.Finalize()
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(blob); err != nil {
		return nil, fmt.Errorf("writing archive: %w", err)
	}

	span.SetAttributes(
		attribute.Int("analyses", len(ids)),
		attribute.Int("bytes", len(blob)),
	)
	logger.Info("snapshot exported",
		slog.String("mode", string(manifest.Mode)),
		slog.Int("analyses", len(ids)),
		slog.Int("annotations", len(annotations)),
		slog.Int("bytes", len(blob)),
	)

	return &ExportSummary{
		Mode:         manifest.Mode,
		Analyses:     len(ids),
		Annotations:  len(annotations),
		Bytes:        len(blob),
		SourceHashed: manifest.SourceFile.FileHash != "",
	}, nil
}

// buildManifest selects the analyses and assembles the manifest,
// including the recording's hash when it is reachable.
func (o *Orchestrator) buildManifest(ctx context.Context, req ExportRequest,
	logger *slog.Logger) ([]string, *Manifest, error) {

	metas, err := o.persistence.ListAnalyses(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing analyses: %w", err)
	}

	stored := make(map[string]int, len(metas))
	var forFile []string
	for i, meta := range metas {
		if meta.SourceFile != req.SourceFile {
			continue
		}
		stored[meta.ID] = i
		forFile = append(forFile, meta.ID)
	}

	ids := forFile
	if len(req.AnalysisIDs) > 0 {
		ids = make([]string, 0, len(req.AnalysisIDs))
		for _, id := range req.AnalysisIDs {
			if _, ok := stored[id]; !ok {
				return nil, nil, fmt.Errorf("%w: %s is not stored for %s",
					ErrAnalysisNotFound, id, req.SourceFile)
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("%w: nothing stored for %s", ErrAnalysisNotFound, req.SourceFile)
	}

	m := &Manifest{
		FormatVersion:  CurrentFormatVersion,
		CreatedAtMilli: time.Now().UnixMilli(),
		Mode:           req.mode(),
		SourceFile:     SourceFileRef{OriginalPath: req.SourceFile},
		Analyses:       make([]ManifestAnalysis, 0, len(ids)),
	}
	for _, id := range ids {
		meta := metas[stored[id]]
		m.Analyses = append(m.Analyses, ManifestAnalysis{
			ID:         id,
			Parameters: meta.Parameters,
		})
	}

	if _, err := os.Stat(req.SourceFile); err == nil {
		digest, err := o.hasher.HashFileAtomic(req.SourceFile, 3)
		if err != nil {
			// Exportable anyway; the manifest just carries no hash.
			logger.Warn("hashing recording failed",
				slog.String("path", req.SourceFile), slog.String("error", err.Error()))
		} else {
			m.SourceFile.FileHash = digest.Hash
		}
	} else {
		logger.Warn("recording not reachable at export time", slog.String("path", req.SourceFile))
	}

	return ids, m, nil
}
