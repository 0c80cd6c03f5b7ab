// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared result model for the ddalab results
// service: full analysis results as produced by the DDA runner, their
// lightweight metadata projections, and the parameter/annotation records
// that travel with them through the codec, cache, store, and snapshot
// layers.
package datatypes

// AnalysisStatus describes the lifecycle state of an analysis run.
type AnalysisStatus string

const (
	// StatusPending means the analysis was created but has not started.
	StatusPending AnalysisStatus = "pending"

	// StatusRunning means the analysis is currently executing.
	StatusRunning AnalysisStatus = "running"

	// StatusCompleted means the analysis finished and results are available.
	StatusCompleted AnalysisStatus = "completed"

	// StatusFailed means the analysis terminated with an error.
	StatusFailed AnalysisStatus = "failed"
)

// AnalysisParameters captures the knobs a DDA run was configured with.
//
// The delay list is expressed in samples, matching the runner's native
// units.
type AnalysisParameters struct {
	// Variants lists the algorithm variant ids requested for the run.
	Variants []string `msgpack:"variants" json:"variants"`

	// WindowLength is the analysis window length in samples.
	WindowLength int `msgpack:"window_length" json:"window_length"`

	// WindowStep is the stride between consecutive windows in samples.
	WindowStep int `msgpack:"window_step" json:"window_step"`

	// Delays holds the embedding delay list in samples.
	Delays []int `msgpack:"delays" json:"delays"`
}

// QualityMetrics summarizes how well a variant's model fit the recording.
type QualityMetrics struct {
	// MeanError is the mean absolute fitting error across windows.
	MeanError float64 `msgpack:"mean_error" json:"mean_error"`

	// MaxError is the largest absolute fitting error observed.
	MaxError float64 `msgpack:"max_error" json:"max_error"`

	// Coverage is the fraction of windows with finite values in [0, 1].
	Coverage float64 `msgpack:"coverage" json:"coverage"`

	// WindowCount is the number of windows the variant produced.
	WindowCount int `msgpack:"window_count" json:"window_count"`
}

// ResultVariant holds one algorithm variant's output for an analysis.
//
// Matrix maps channel name to that channel's per-window value series. All
// series share the parent result's window indices.
type ResultVariant struct {
	// ID is the stable variant identifier (e.g. "st", "ct").
	ID string `msgpack:"variant_id" json:"variant_id"`

	// Name is the human-readable variant name.
	Name string `msgpack:"name" json:"name"`

	// Matrix maps channel name to per-window values.
	Matrix map[string][]float64 `msgpack:"matrix" json:"matrix"`

	// Exponents holds the fitted model exponent set, keyed by coefficient
	// name (e.g. "a1", "a2").
	Exponents map[string]float64 `msgpack:"exponents" json:"exponents"`

	// Quality carries the variant's fit quality summary.
	Quality QualityMetrics `msgpack:"quality" json:"quality"`
}

// AnalysisResult is the full decoded output of one DDA run.
//
// Results arrive from the runner as compressed binary payloads (see the
// codec package) and are the unit of caching, persistence, and snapshot
// export.
type AnalysisResult struct {
	// ID uniquely identifies the analysis run.
	ID string `msgpack:"id" json:"id"`

	// SourceFile is the path of the recording the analysis ran over.
	SourceFile string `msgpack:"source_file" json:"source_file"`

	// Channels lists the recording channels included in the run.
	Channels []string `msgpack:"channels" json:"channels"`

	// WindowIndices holds the starting sample index of every window.
	WindowIndices []int64 `msgpack:"window_indices" json:"window_indices"`

	// Status is the run's lifecycle state.
	Status AnalysisStatus `msgpack:"status" json:"status"`

	// CreatedAtMilli is the run creation time in Unix milliseconds.
	CreatedAtMilli int64 `msgpack:"created_at" json:"created_at"`

	// CompletedAtMilli is the completion time in Unix milliseconds, zero
	// while the run is still pending or running.
	CompletedAtMilli int64 `msgpack:"completed_at" json:"completed_at"`

	// Parameters records the configuration the run used.
	Parameters AnalysisParameters `msgpack:"parameters" json:"parameters"`

	// Variants holds the per-variant outputs.
	Variants []ResultVariant `msgpack:"variants" json:"variants"`
}

// Variant returns the variant with the given id, or nil if absent.
func (r *AnalysisResult) Variant(id string) *ResultVariant {
	for i := range r.Variants {
		if r.Variants[i].ID == id {
			return &r.Variants[i]
		}
	}
	return nil
}

// Annotation marks a position of interest in a recording.
type Annotation struct {
	// FilePath is the recording the annotation belongs to.
	FilePath string `msgpack:"file_path" json:"file_path"`

	// Position is the sample index the annotation points at.
	Position int64 `msgpack:"position" json:"position"`

	// Label is the user-supplied annotation text.
	Label string `msgpack:"label" json:"label"`

	// CreatedAtMilli is the creation time in Unix milliseconds.
	CreatedAtMilli int64 `msgpack:"created_at" json:"created_at"`
}

// VariantMetadata is the bulk-free projection of a ResultVariant.
//
// HasData reports whether the source variant carried a non-empty matrix;
// the matrix itself is never included.
type VariantMetadata struct {
	ID        string             `msgpack:"variant_id" json:"variant_id"`
	Name      string             `msgpack:"name" json:"name"`
	Exponents map[string]float64 `msgpack:"exponents" json:"exponents"`
	Quality   QualityMetrics     `msgpack:"quality" json:"quality"`
	HasData   bool               `msgpack:"has_data" json:"has_data"`
}

// ResultMetadata is the lightweight projection of an AnalysisResult used
// for list views and progressive loading: identity, shape, and per-variant
// summaries with every bulk array dropped.
//
// A projection always agrees with its source result on id, channel set,
// and variant identity.
type ResultMetadata struct {
	ID               string             `msgpack:"id" json:"id"`
	SourceFile       string             `msgpack:"source_file" json:"source_file"`
	Channels         []string           `msgpack:"channels" json:"channels"`
	WindowCount      int                `msgpack:"window_count" json:"window_count"`
	Status           AnalysisStatus     `msgpack:"status" json:"status"`
	CreatedAtMilli   int64              `msgpack:"created_at" json:"created_at"`
	CompletedAtMilli int64              `msgpack:"completed_at" json:"completed_at"`
	Parameters       AnalysisParameters `msgpack:"parameters" json:"parameters"`
	Variants         []VariantMetadata  `msgpack:"variants" json:"variants"`
}

// NewResultMetadata builds the metadata projection of r.
//
// Description:
//
//	Copies identity, channel list, status, timestamps, and parameters,
//	and reduces every variant to its summary form. Matrices become a
//	HasData flag and the window-index array becomes a count; no bulk
//	array is retained or aliased.
//
// Inputs:
//
//	r - Source result. Must be non-nil.
//
// Outputs:
//
//	A freshly allocated projection sharing no slices or maps with r.
func NewResultMetadata(r *AnalysisResult) *ResultMetadata {
	md := &ResultMetadata{
		ID:               r.ID,
		SourceFile:       r.SourceFile,
		Channels:         append([]string(nil), r.Channels...),
		WindowCount:      len(r.WindowIndices),
		Status:           r.Status,
		CreatedAtMilli:   r.CreatedAtMilli,
		CompletedAtMilli: r.CompletedAtMilli,
		Parameters:       r.Parameters.clone(),
		Variants:         make([]VariantMetadata, 0, len(r.Variants)),
	}
	for i := range r.Variants {
		v := &r.Variants[i]
		md.Variants = append(md.Variants, VariantMetadata{
			ID:        v.ID,
			Name:      v.Name,
			Exponents: cloneExponents(v.Exponents),
			Quality:   v.Quality,
			HasData:   len(v.Matrix) > 0,
		})
	}
	return md
}

func (p AnalysisParameters) clone() AnalysisParameters {
	p.Variants = append([]string(nil), p.Variants...)
	p.Delays = append([]int(nil), p.Delays...)
	return p
}

func cloneExponents(src map[string]float64) map[string]float64 {
	if src == nil {
		return nil
	}
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// CloneMatrix deep-copies a channel matrix. The cache hands copies to
// callers so cached entries are never aliased by consumers.
func CloneMatrix(src map[string][]float64) map[string][]float64 {
	if src == nil {
		return nil
	}
	dst := make(map[string][]float64, len(src))
	for ch, series := range src {
		dst[ch] = append([]float64(nil), series...)
	}
	return dst
}

// CloneIndices copies a window-index slice.
func CloneIndices(src []int64) []int64 {
	return append([]int64(nil), src...)
}
