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

import "errors"

var (
	// ErrInvalidManifest indicates the manifest entry could not be parsed
	// or failed structural validation.
	ErrInvalidManifest = errors.New("invalid snapshot manifest")

	// ErrIncompatibleVersion indicates the manifest's format_version major
	// differs from this build's, or the version is malformed. Import must
	// not proceed.
	ErrIncompatibleVersion = errors.New("incompatible snapshot format version")

	// ErrValidationFailed indicates an import was attempted on a snapshot
	// whose validation carries hard errors.
	ErrValidationFailed = errors.New("snapshot validation failed")

	// ErrFileTooLarge indicates a file exceeds the hasher's size limit.
	ErrFileTooLarge = errors.New("file exceeds maximum size")

	// ErrFileUnstable indicates a file kept changing during hashing after
	// exhausting all retry attempts, typically a recording still being
	// written.
	ErrFileUnstable = errors.New("file changed during hashing")

	// ErrAnalysisNotFound indicates the persistence layer has no analysis
	// with the requested id. Used by the apply poller to detect
	// not-yet-visible restores.
	ErrAnalysisNotFound = errors.New("analysis not found")

	// ErrPollExhausted indicates polling gave up after the configured
	// number of attempts.
	ErrPollExhausted = errors.New("poll attempts exhausted")

	// ErrApplyInFlight indicates another snapshot apply is running.
	ErrApplyInFlight = errors.New("snapshot apply already in progress")

	// ErrImportInFlight indicates another snapshot import is running.
	ErrImportInFlight = errors.New("snapshot import already in progress")

	// ErrExportInFlight indicates another snapshot export is running.
	ErrExportInFlight = errors.New("snapshot export already in progress")
)
