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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ddalab/ddalab/services/results/datatypes"
)

// -----------------------------------------------------------------------------
// Tracer
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("ddalab.snapshot")

// -----------------------------------------------------------------------------
// Logging Helpers
// -----------------------------------------------------------------------------

// loggerWithTrace returns a logger with trace context attached.
func loggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddalab_snapshot_applies_total",
		Help: "Snapshot apply operations by outcome",
	}, []string{"outcome"})

	applyStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddalab_snapshot_apply_step_failures_total",
		Help: "Apply step failures by step name",
	}, []string{"step"})

	applyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ddalab_snapshot_apply_duration_seconds",
		Help:    "Time to apply a snapshot end to end",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
)

// -----------------------------------------------------------------------------
// Collaborator ports
// -----------------------------------------------------------------------------

// RestoreCounts is what the persistence layer materialized from a snapshot.
type RestoreCounts struct {
	Analyses    int `json:"analyses"`
	Annotations int `json:"annotations"`
}

// Persistence is the durable-storage collaborator. The store package
// provides the production implementation.
type Persistence interface {
	// ApplySnapshot materializes the snapshot's payloads and annotations
	// into durable storage and reports how many of each landed.
	ApplySnapshot(ctx context.Context, snap *Contents) (RestoreCounts, error)

	// GetAnalysis returns the metadata projection of a stored analysis,
	// or ErrAnalysisNotFound.
	GetAnalysis(ctx context.Context, id string) (*datatypes.ResultMetadata, error)

	// ListAnalyses returns metadata projections of every stored analysis.
	ListAnalyses(ctx context.Context) ([]*datatypes.ResultMetadata, error)

	// GetPayload returns an analysis' framed binary payload exactly as
	// stored, or ErrAnalysisNotFound.
	GetPayload(ctx context.Context, id string) ([]byte, error)

	// Annotations returns the stored annotations for a recording,
	// possibly empty.
	Annotations(ctx context.Context, filePath string) ([]datatypes.Annotation, error)
}

// Workspace is the viewer-side collaborator: the active file, the active
// parameter set, and view navigation.
type Workspace interface {
	// ActivateFile makes path the workspace's active recording.
	ActivateFile(ctx context.Context, path string) error

	// SetParameters replaces the active analysis parameter set.
	SetParameters(ctx context.Context, p datatypes.AnalysisParameters) error

	// NavigateToResults switches the viewer to the results view.
	NavigateToResults(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// Step outcomes
// -----------------------------------------------------------------------------

// Step names one stage of the apply sequence.
type Step string

// Apply runs these steps in order.
const (
	StepRestore        Step = "restore"
	StepResolveSource  Step = "resolve_source"
	StepActivateFile   Step = "activate_file"
	StepCopyParameters Step = "copy_parameters"
	StepAwaitResults   Step = "await_results"
	StepNavigate       Step = "navigate"
)

// StepStatus classifies how a step ended.
type StepStatus string

const (
	// StatusOK means the step completed.
	StatusOK StepStatus = "ok"

	// StatusWarned means the step ran but its outcome fell short in a
	// recoverable way; apply continues.
	StatusWarned StepStatus = "warned"

	// StatusFailed means a collaborator call errored. Apply aborts the
	// remaining steps; nothing already done is undone.
	StatusFailed StepStatus = "failed"

	// StatusSkipped means the step's precondition did not hold, or an
	// earlier failure aborted the sequence before it ran.
	StatusSkipped StepStatus = "skipped"
)

// StepOutcome records one step of an apply.
type StepOutcome struct {
	Step   Step       `json:"step"`
	Status StepStatus `json:"status"`

	// Detail is a short human-readable note: the resolved path, counts,
	// a skip reason.
	Detail string `json:"detail,omitempty"`

	// Err is set only when Status is StatusFailed.
	Err error `json:"-"`
}

// ApplyReport is the terminal outcome of one apply. No incremental
// progress is surfaced; this report is all a caller sees.
type ApplyReport struct {
	// SessionID correlates the report with logs and traces.
	SessionID string `json:"session_id"`

	// Mode echoes the manifest's snapshot mode.
	Mode SnapshotMode `json:"mode"`

	// Counts is what the restore step materialized.
	Counts RestoreCounts `json:"counts"`

	// SourcePath is the resolved recording path, empty when unresolved.
	SourcePath string `json:"source_path,omitempty"`

	// Steps holds one outcome per step, in execution order.
	Steps []StepOutcome `json:"steps"`

	// Duration is wall time for the whole sequence.
	Duration time.Duration `json:"duration"`
}

// Ok reports whether no step failed. Warnings and skips do not count
// against success.
func (r *ApplyReport) Ok() bool {
	for i := range r.Steps {
		if r.Steps[i].Status == StatusFailed {
			return false
		}
	}
	return true
}

// Failed returns the failed step, or nil.
func (r *ApplyReport) Failed() *StepOutcome {
	for i := range r.Steps {
		if r.Steps[i].Status == StatusFailed {
			return &r.Steps[i]
		}
	}
	return nil
}

// Summary renders the report as one human-readable sentence.
func (r *ApplyReport) Summary() string {
	if f := r.Failed(); f != nil {
		return fmt.Sprintf("snapshot apply failed at %s: %v", f.Step, f.Err)
	}
	s := fmt.Sprintf("restored %d analyses and %d annotations", r.Counts.Analyses, r.Counts.Annotations)
	var warns int
	for i := range r.Steps {
		if r.Steps[i].Status == StatusWarned {
			warns++
		}
	}
	switch warns {
	case 0:
	case 1:
		s += " (1 warning)"
	default:
		s += fmt.Sprintf(" (%d warnings)", warns)
	}
	return s
}

// outcome label for the applies-total counter: failed > warned > ok.
func (r *ApplyReport) outcome() string {
	warned := false
	for i := range r.Steps {
		switch r.Steps[i].Status {
		case StatusFailed:
			return "failed"
		case StatusWarned:
			warned = true
		}
	}
	if warned {
		return "warned"
	}
	return "ok"
}

func (r *ApplyReport) record(step Step, status StepStatus, detail string, err error) {
	r.Steps = append(r.Steps, StepOutcome{Step: step, Status: status, Detail: detail, Err: err})
	if status == StatusFailed {
		applyStepFailures.WithLabelValues(string(step)).Inc()
	}
}

// abortRemaining marks every step after the failed one as skipped.
func (r *ApplyReport) abortRemaining(after Step) {
	all := []Step{StepRestore, StepResolveSource, StepActivateFile,
		StepCopyParameters, StepAwaitResults, StepNavigate}
	seen := false
	for _, s := range all {
		if s == after {
			seen = true
			continue
		}
		if seen {
			r.record(s, StatusSkipped, "aborted by earlier failure", nil)
		}
	}
}

// -----------------------------------------------------------------------------
// Orchestrator
// -----------------------------------------------------------------------------

// ApplyOptions tune one apply call.
type ApplyOptions struct {
	// SourcePath substitutes the manifest's recorded path when the user
	// relocated the recording. Empty means use the manifest's path.
	SourcePath string
}

// Orchestrator runs the snapshot flows: apply, import, export. One
// instance exists per running application.
//
// Description:
//
//	Apply is a best-effort, non-transactional sequence: restore results,
//	resolve and activate the source recording, copy the recorded
//	parameters, await restored results, navigate to the results view.
//	A step failure aborts the remainder without undoing completed steps.
//	Independent busy flags gate apply, import, and export so only the
//	in-flight action is blocked; there is no mid-flight cancellation.
//
// Thread Safety: Safe for concurrent use. Re-entrant starts of the same
// flow are rejected with the matching ErrXxxInFlight sentinel.
type Orchestrator struct {
	persistence Persistence
	workspace   Workspace
	hasher      *SHA256Hasher
	poll        PollConfig
	logger      *slog.Logger

	applyBusy  atomic.Bool
	importBusy atomic.Bool
	exportBusy atomic.Bool
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithPollConfig sets the await-results polling schedule.
func WithPollConfig(cfg PollConfig) Option {
	return func(o *Orchestrator) {
		o.poll = cfg
	}
}

// WithHasher sets the hasher used for source-file integrity checks.
func WithHasher(h *SHA256Hasher) Option {
	return func(o *Orchestrator) {
		o.hasher = h
	}
}

// NewOrchestrator creates the snapshot orchestrator.
func NewOrchestrator(p Persistence, w Workspace, opts ...Option) (*Orchestrator, error) {
	if p == nil {
		return nil, errors.New("persistence must not be nil")
	}
	if w == nil {
		return nil, errors.New("workspace must not be nil")
	}
	o := &Orchestrator{
		persistence: p,
		workspace:   w,
		hasher:      NewSHA256Hasher(-1),
		poll:        DefaultPollConfig(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.poll.Validate(); err != nil {
		return nil, fmt.Errorf("poll config: %w", err)
	}
	return o, nil
}

// Apply runs the apply sequence over parsed snapshot contents.
//
// Description:
//
//	Best effort and non-transactional: a failed step aborts the rest but
//	undoes nothing. An unresolvable source recording and an exhausted
//	results poll are warnings, not failures; the report carries every
//	step's outcome either way.
//
// Inputs:
//
//	ctx - Carries tracing; collaborator calls honor its cancellation.
//	snap - Parsed contents. Must have a manifest.
//	opts - Per-call tuning, zero value is fine.
//
// Outputs:
//
//	The report, always non-nil on a started apply. ErrApplyInFlight when
//	another apply is running.
func (o *Orchestrator) Apply(ctx context.Context, snap *Contents, opts ApplyOptions) (*ApplyReport, error) {
	if snap == nil || snap.Manifest == nil {
		return nil, fmt.Errorf("%w: no manifest in snapshot contents", ErrInvalidManifest)
	}
	if !o.applyBusy.CompareAndSwap(false, true) {
		return nil, ErrApplyInFlight
	}
	defer o.applyBusy.Store(false)

	start := time.Now()
	m := snap.Manifest
	report := &ApplyReport{
		SessionID: uuid.NewString(),
		Mode:      m.Mode,
	}

	ctx, span := tracer.Start(ctx, "snapshot.Orchestrator.Apply",
		trace.WithAttributes(
			attribute.String("session_id", report.SessionID),
			attribute.String("mode", string(m.Mode)),
			attribute.Int("analyses", len(m.Analyses)),
		),
	)
	defer span.End()

	logger := loggerWithTrace(ctx, o.logger).With(
		slog.String("session_id", report.SessionID),
		slog.String("operation", "apply_snapshot"),
	)
	logger.Info("applying snapshot",
		slog.String("mode", string(m.Mode)),
		slog.Int("analyses", len(m.Analyses)),
		slog.Int("annotations", len(snap.Annotations)),
	)

	defer func() {
		report.Duration = time.Since(start)
		applyDuration.Observe(report.Duration.Seconds())
		applyTotal.WithLabelValues(report.outcome()).Inc()
		logger.Info("apply finished",
			slog.String("outcome", report.outcome()),
			slog.String("summary", report.Summary()),
			slog.Duration("duration", report.Duration),
		)
	}()

	// Step 1: materialize results and annotations into storage.
	counts, err := o.persistence.ApplySnapshot(ctx, snap)
	if err != nil {
		span.RecordError(err)
		logger.Error("restore failed", slog.String("error", err.Error()))
		report.record(StepRestore, StatusFailed, "materializing snapshot into storage", err)
		report.abortRemaining(StepRestore)
		return report, nil
	}
	report.Counts = counts
	report.record(StepRestore, StatusOK,
		fmt.Sprintf("%d analyses, %d annotations", counts.Analyses, counts.Annotations), nil)

	// Step 2: resolve the recording, honoring a user substitute.
	sourcePath := opts.SourcePath
	if sourcePath == "" {
		sourcePath = m.SourceFile.OriginalPath
	}
	if _, statErr := os.Stat(sourcePath); statErr != nil {
		logger.Warn("source recording not found", slog.String("path", sourcePath))
		report.record(StepResolveSource, StatusWarned,
			fmt.Sprintf("recording not found at %s", sourcePath), nil)
		sourcePath = ""
	} else {
		report.SourcePath = sourcePath
		report.record(StepResolveSource, StatusOK, sourcePath, nil)
	}

	// Step 3: make the recording the active file.
	if sourcePath == "" {
		report.record(StepActivateFile, StatusSkipped, "source unresolved", nil)
	} else if err := o.workspace.ActivateFile(ctx, sourcePath); err != nil {
		span.RecordError(err)
		logger.Error("activate file failed",
			slog.String("path", sourcePath), slog.String("error", err.Error()))
		report.record(StepActivateFile, StatusFailed, sourcePath, err)
		report.abortRemaining(StepActivateFile)
		return report, nil
	} else {
		report.record(StepActivateFile, StatusOK, sourcePath, nil)
	}

	// Step 4: copy the first analysis' recorded parameters.
	if len(m.Analyses) == 0 {
		report.record(StepCopyParameters, StatusSkipped, "manifest lists no analyses", nil)
	} else if err := o.workspace.SetParameters(ctx, m.Analyses[0].Parameters); err != nil {
		span.RecordError(err)
		logger.Error("parameter copy failed", slog.String("error", err.Error()))
		report.record(StepCopyParameters, StatusFailed, "copying recorded parameters", err)
		report.abortRemaining(StepCopyParameters)
		return report, nil
	} else {
		report.record(StepCopyParameters, StatusOK,
			fmt.Sprintf("from analysis %s", m.Analyses[0].ID), nil)
	}

	// Step 5: for full snapshots, wait until a restored analysis is
	// visible through the persistence read path.
	if err := o.awaitResults(ctx, m, counts, report, logger); err != nil {
		return report, nil
	}

	// Step 6: land the user on the results view.
	if err := o.workspace.NavigateToResults(ctx); err != nil {
		span.RecordError(err)
		logger.Error("navigation failed", slog.String("error", err.Error()))
		report.record(StepNavigate, StatusFailed, "switching to results view", err)
		return report, nil
	}
	report.record(StepNavigate, StatusOK, "", nil)

	return report, nil
}

// awaitResults polls for the first restored analysis. A non-nil return
// means the step failed and the sequence was aborted.
func (o *Orchestrator) awaitResults(ctx context.Context, m *Manifest, counts RestoreCounts,
	report *ApplyReport, logger *slog.Logger) error {

	if m.Mode != ModeFull {
		report.record(StepAwaitResults, StatusSkipped, "partial snapshot", nil)
		return nil
	}
	if counts.Analyses == 0 || len(m.Analyses) == 0 {
		report.record(StepAwaitResults, StatusSkipped, "no analyses restored", nil)
		return nil
	}

	id := m.Analyses[0].ID
	err := Poll(ctx, o.poll, func(ctx context.Context) (bool, error) {
		_, getErr := o.persistence.GetAnalysis(ctx, id)
		if getErr == nil {
			return true, nil
		}
		if errors.Is(getErr, ErrAnalysisNotFound) {
			return false, nil
		}
		return false, getErr
	})
	switch {
	case err == nil:
		report.record(StepAwaitResults, StatusOK, fmt.Sprintf("analysis %s visible", id), nil)
	case errors.Is(err, ErrPollExhausted):
		// Recoverable: the result lands eventually, the view just will
		// not have it yet.
		logger.Warn("restored analysis not yet visible",
			slog.String("analysis_id", id),
			slog.Int("attempts", o.poll.MaxAttempts),
		)
		report.record(StepAwaitResults, StatusWarned,
			fmt.Sprintf("analysis %s not visible after %d attempts", id, o.poll.MaxAttempts), nil)
	default:
		logger.Error("await results failed",
			slog.String("analysis_id", id), slog.String("error", err.Error()))
		report.record(StepAwaitResults, StatusFailed, fmt.Sprintf("polling analysis %s", id), err)
		report.abortRemaining(StepAwaitResults)
		return err
	}
	return nil
}
