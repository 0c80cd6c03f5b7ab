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
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ddalab/ddalab/services/results/archive"
)

var importsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ddalab_snapshot_imports_total",
	Help: "Snapshot import attempts by status",
}, []string{"status"})

// Inspection is everything learned about a snapshot file before deciding
// to import it: the parsed manifest, how its source recording resolved,
// the validation verdict, and the extracted contents ready for apply.
type Inspection struct {
	// Path is the snapshot file inspected.
	Path string `json:"path"`

	// Manifest is the parsed self-description.
	Manifest *Manifest `json:"manifest"`

	// Source is how the manifest's recording resolved on this machine.
	Source SourceCheck `json:"source"`

	// Validation is the verdict; Import refuses when !Validation.Ok().
	Validation *Validation `json:"validation"`

	// Contents is ready for Apply. Not serialized; payloads can run to
	// hundreds of megabytes.
	Contents *Contents `json:"-"`
}

// Inspect reads and validates a snapshot file without touching any state.
//
// Description:
//
//	Reads the file, classifies it (archive vs legacy JSON vs foreign
//	format), extracts and parses the manifest, pulls every listed
//	payload and the optional annotations entry, resolves the source
//	recording and checks its hash, and renders a validation verdict.
//	Read-only and re-entrant; no busy flag applies.
//
// Inputs:
//
//	ctx - Carries tracing.
//	path - Snapshot file to inspect.
//
// Outputs:
//
//	The inspection, or an error when the file cannot be read or is not
//	a snapshot archive. ErrLegacyJSON identifies pre-archive exports,
//	which carry their own remediation. Validation findings are NOT
//	errors; check Inspection.Validation.
func (o *Orchestrator) Inspect(ctx context.Context, path string) (*Inspection, error) {
	ctx, span := tracer.Start(ctx, "snapshot.Orchestrator.Inspect",
		trace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	logger := loggerWithTrace(ctx, o.logger).With(
		slog.String("operation", "inspect_snapshot"),
		slog.String("path", path),
	)

	data, err := os.ReadFile(path)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	span.SetAttributes(attribute.Int("size_bytes", len(data)))

	rawManifest, err := archive.Extract(data, ManifestEntryName)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, archive.ErrLegacyJSON):
			return nil, fmt.Errorf("%w: %s predates the archive format; re-export it with a current build", err, path)
		case errors.Is(err, archive.ErrEntryNotFound):
			return nil, fmt.Errorf("%w: archive has no %s entry", ErrInvalidManifest, ManifestEntryName)
		default:
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	m, err := ParseManifest(rawManifest)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	contents := &Contents{
		Manifest: m,
		Payloads: make(map[string][]byte, len(m.Analyses)),
	}
	var missing []string
	for _, a := range m.Analyses {
		payload, err := archive.Extract(data, PayloadEntryName(a.ID))
		if errors.Is(err, archive.ErrEntryNotFound) {
			missing = append(missing, a.ID)
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("extracting payload for %s: %w", a.ID, err)
		}
		contents.Payloads[a.ID] = payload
	}

	// Annotations are optional; older exports have none.
	if raw, err := archive.Extract(data, AnnotationsEntryName); err == nil {
		if err := json.Unmarshal(raw, &contents.Annotations); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%w: bad %s entry: %v", ErrInvalidManifest, AnnotationsEntryName, err)
		}
	} else if !errors.Is(err, archive.ErrEntryNotFound) {
		span.RecordError(err)
		return nil, fmt.Errorf("extracting annotations: %w", err)
	}

	src := o.resolveSource(m, logger)
	validation := Validate(m, src)
	for _, id := range missing {
		validation.Warnings = append(validation.Warnings,
			fmt.Sprintf("analysis %s is listed in the manifest but has no payload entry", id))
	}

	logger.Info("snapshot inspected",
		slog.String("format_version", m.FormatVersion),
		slog.String("mode", string(m.Mode)),
		slog.Int("analyses", validation.AnalysisCount),
		slog.Bool("compatible", validation.Compatible),
		slog.Bool("source_found", validation.SourceFound),
	)

	return &Inspection{
		Path:       path,
		Manifest:   m,
		Source:     src,
		Validation: validation,
		Contents:   contents,
	}, nil
}

// resolveSource locates the manifest's recording and checks its hash.
func (o *Orchestrator) resolveSource(m *Manifest, logger *slog.Logger) SourceCheck {
	path := m.SourceFile.OriginalPath
	if _, err := os.Stat(path); err != nil {
		return SourceCheck{}
	}

	src := SourceCheck{Found: true, ResolvedPath: path}
	if m.SourceFile.FileHash == "" {
		return src
	}

	hash, err := o.hasher.HashFile(path)
	if err != nil {
		// Treat an unreadable recording like a mismatch; the warning
		// text tells the user what to look at.
		logger.Warn("hashing source recording failed",
			slog.String("path", path), slog.String("error", err.Error()))
		return src
	}
	src.HashMatches = strings.EqualFold(hash, m.SourceFile.FileHash)
	return src
}

// Import applies an inspected snapshot.
//
// Description:
//
//	Gates on the inspection's validation: hard errors (incompatible
//	format version) refuse with ErrValidationFailed. Soft warnings do
//	not block. Delegates to Apply, whose report describes exactly what
//	happened.
//
// Inputs:
//
//	ctx - Carries tracing.
//	insp - A prior Inspect result for the file.
//	opts - Apply tuning; set SourcePath when the user browsed to a
//	       substitute recording.
//
// Outputs:
//
//	The apply report, ErrImportInFlight on re-entry, or
//	ErrValidationFailed when the snapshot must not be applied.
func (o *Orchestrator) Import(ctx context.Context, insp *Inspection, opts ApplyOptions) (*ApplyReport, error) {
	if insp == nil || insp.Validation == nil || insp.Contents == nil {
		return nil, fmt.Errorf("%w: nothing inspected", ErrInvalidManifest)
	}
	if !o.importBusy.CompareAndSwap(false, true) {
		return nil, ErrImportInFlight
	}
	defer o.importBusy.Store(false)

	ctx, span := tracer.Start(ctx, "snapshot.Orchestrator.Import",
		trace.WithAttributes(attribute.String("path", insp.Path)),
	)
	defer span.End()

	if !insp.Validation.Ok() {
		importsTotal.WithLabelValues("invalid").Inc()
		err := fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(insp.Validation.Errors, "; "))
		span.RecordError(err)
		return nil, err
	}

	report, err := o.Apply(ctx, insp.Contents, opts)
	if err != nil {
		importsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if report.Ok() {
		importsTotal.WithLabelValues("ok").Inc()
	} else {
		importsTotal.WithLabelValues("failed").Inc()
	}
	return report, nil
}
