// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot implements export, inspection, validation, and apply of
// ddalab snapshot files: portable, versioned archives carrying a manifest,
// the compressed result payloads, and annotations for one recording.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ddalab/ddalab/services/results/datatypes"
)

// CurrentFormatVersion is the snapshot format this build writes. Imports
// accept any version sharing its major.
const CurrentFormatVersion = "1.0.0"

// Archive entry layout.
const (
	// ManifestEntryName is the manifest's path inside the archive. The
	// producer always stores it uncompressed.
	ManifestEntryName = "manifest.json"

	// AnnotationsEntryName holds the annotation list, when present.
	AnnotationsEntryName = "annotations.json"

	// PayloadPrefix and PayloadSuffix frame per-analysis payload entries:
	// results/<analysis-id>.bin.
	PayloadPrefix = "results/"
	PayloadSuffix = ".bin"

	// FileExtension is the snapshot file extension.
	FileExtension = ".ddalab"
)

// SnapshotMode distinguishes complete from partial exports.
type SnapshotMode string

const (
	// ModeFull snapshots carry every analysis of the recording.
	ModeFull SnapshotMode = "full"

	// ModePartial snapshots carry a selected subset.
	ModePartial SnapshotMode = "partial"
)

// SourceFileRef ties a snapshot to the recording it was made from.
type SourceFileRef struct {
	// OriginalPath is the recording's path on the exporting machine.
	OriginalPath string `json:"original_path" validate:"required"`

	// FileHash is the recording's SHA-256, lowercase hex. Optional; when
	// present, import verifies it against the resolved file.
	FileHash string `json:"file_hash,omitempty"`
}

// ManifestAnalysis describes one analysis included in the snapshot.
type ManifestAnalysis struct {
	ID         string                       `json:"id" validate:"required"`
	Parameters datatypes.AnalysisParameters `json:"parameters"`
}

// Manifest is the snapshot's self-description, stored uncompressed as the
// manifest.json entry.
type Manifest struct {
	// FormatVersion is the semantic version of the snapshot format.
	FormatVersion string `json:"format_version" validate:"required"`

	// CreatedAtMilli is the export time in Unix milliseconds.
	CreatedAtMilli int64 `json:"created_at,omitempty"`

	// Mode reports whether the snapshot is full or partial.
	Mode SnapshotMode `json:"mode" validate:"required,oneof=full partial"`

	// SourceFile identifies the recording the snapshot belongs to.
	SourceFile SourceFileRef `json:"source_file" validate:"required"`

	// Analyses lists the included analyses with their parameters.
	Analyses []ManifestAnalysis `json:"analyses" validate:"dive"`
}

// Contents is a fully unpacked snapshot: the parsed manifest plus the raw
// payloads and annotations extracted from the archive.
type Contents struct {
	Manifest *Manifest

	// Payloads maps analysis id to its framed binary payload, exactly as
	// stored in the archive.
	Payloads map[string][]byte

	// Annotations carries the annotation list, possibly empty.
	Annotations []datatypes.Annotation
}

var manifestValidate = validator.New()

// ParseManifest decodes and structurally validates a manifest document.
//
// Version compatibility is NOT checked here; that is the validator's job,
// so inspection can still report on a manifest from a future major.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := manifestValidate.Struct(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return &m, nil
}

// PayloadEntryName returns the archive entry path for an analysis id.
func PayloadEntryName(analysisID string) string {
	return PayloadPrefix + analysisID + PayloadSuffix
}
