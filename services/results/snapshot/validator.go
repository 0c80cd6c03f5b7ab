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
	"fmt"

	"golang.org/x/mod/semver"
)

// SourceCheck reports how the snapshot's source recording resolved on this
// machine. Produced during inspection, consumed by Validate.
type SourceCheck struct {
	// Found is true when the recording exists at the original path (or a
	// caller-provided substitute).
	Found bool

	// ResolvedPath is where the recording was found; empty when absent.
	ResolvedPath string

	// HashMatches is true when the resolved file's SHA-256 equals the
	// manifest's. Meaningless when Found is false or the manifest carries
	// no hash.
	HashMatches bool
}

// Validation is the outcome of checking a snapshot before apply.
//
// Version incompatibility is the only hard failure: a snapshot from a
// different format major cannot be interpreted, so import must stop. A
// missing source recording or a hash mismatch are soft findings — the
// results themselves are still restorable — and are surfaced as warnings
// for the user to weigh.
type Validation struct {
	// Compatible is true when the manifest's format major matches this
	// build's.
	Compatible bool `json:"compatible"`

	// SourceFound mirrors SourceCheck.Found.
	SourceFound bool `json:"source_found"`

	// HashMatches is true when the source hash was present and verified.
	HashMatches bool `json:"hash_matches"`

	// AnalysisCount is the number of analyses the manifest lists.
	AnalysisCount int `json:"analysis_count"`

	// Warnings are soft findings; apply may proceed over them.
	Warnings []string `json:"warnings,omitempty"`

	// Errors are hard findings; apply must not proceed.
	Errors []string `json:"errors,omitempty"`
}

// Ok reports whether the snapshot may be applied.
func (v *Validation) Ok() bool {
	return v.Compatible && len(v.Errors) == 0
}

// supportedMajor is the format major this build can interpret.
var supportedMajor = semver.Major("v" + CurrentFormatVersion)

// Validate checks a parsed manifest against this build and the resolved
// source recording.
//
// Description:
//
//	Gates on format_version: the major must equal this build's, and a
//	version that does not parse as semver is treated as incompatible.
//	Source-file findings never block: a missing recording or a hash
//	mismatch produce warnings, since restored results remain usable
//	without the original recording.
//
// Inputs:
//
//	m - Parsed manifest.
//	src - Source resolution outcome from inspection.
//
// Outputs:
//
//	A Validation; check Ok() before applying.
func Validate(m *Manifest, src SourceCheck) *Validation {
	v := &Validation{
		SourceFound:   src.Found,
		AnalysisCount: len(m.Analyses),
	}

	versioned := "v" + m.FormatVersion
	switch {
	case !semver.IsValid(versioned):
		v.Errors = append(v.Errors, fmt.Sprintf(
			"%v: %q is not a semantic version", ErrIncompatibleVersion, m.FormatVersion))
	case semver.Major(versioned) != supportedMajor:
		v.Errors = append(v.Errors, fmt.Sprintf(
			"%v: snapshot is %s, this build reads %s.x", ErrIncompatibleVersion,
			m.FormatVersion, supportedMajor))
	default:
		v.Compatible = true
	}

	if !src.Found {
		v.Warnings = append(v.Warnings, fmt.Sprintf(
			"source recording not found: %s (results restore anyway; point the viewer at the file manually)",
			m.SourceFile.OriginalPath))
		return v
	}

	if m.SourceFile.FileHash != "" {
		if src.HashMatches {
			v.HashMatches = true
		} else {
			v.Warnings = append(v.Warnings, fmt.Sprintf(
				"source recording at %s does not match the snapshot's hash; it may have been modified since export",
				src.ResolvedPath))
		}
	}
	return v
}
