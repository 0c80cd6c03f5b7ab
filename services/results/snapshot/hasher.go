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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DefaultMaxFileSize caps hashing at 8 GiB. Recordings routinely run to
// gigabytes; anything past this is almost certainly not a recording.
const DefaultMaxFileSize = 8 << 30

// SHA256Hasher computes file content hashes with an optional size ceiling.
type SHA256Hasher struct {
	maxFileSize int64
}

// NewSHA256Hasher creates a hasher.
//
// A negative maxFileSize selects DefaultMaxFileSize; zero disables the
// limit entirely.
func NewSHA256Hasher(maxFileSize int64) *SHA256Hasher {
	if maxFileSize < 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &SHA256Hasher{maxFileSize: maxFileSize}
}

// HashFile returns the SHA-256 of the file at path as 64 lowercase hex
// characters.
func (h *SHA256Hasher) HashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if h.maxFileSize > 0 && info.Size() > h.maxFileSize {
		return "", fmt.Errorf("%w: %s is %d bytes, limit %d",
			ErrFileTooLarge, path, info.Size(), h.maxFileSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// FileDigest is a file's content hash together with the size and mtime
// observed while hashing it.
type FileDigest struct {
	Path       string `json:"path"`
	Hash       string `json:"hash"`
	Size       int64  `json:"size"`
	MtimeMilli int64  `json:"mtime_ms"`
}

// HashFileAtomic hashes path and re-stats it afterwards, retrying when the
// size or mtime moved mid-read. Use it on files that may still be written
// to, such as a recording the acquisition side has not closed yet.
//
// Inputs:
//
//	path - File to hash.
//	retries - Attempts before giving up; values below 1 behave as 1.
//
// Outputs:
//
//	The digest of a stable read, or ErrFileUnstable when every attempt
//	observed the file changing underneath the hash.
func (h *SHA256Hasher) HashFileAtomic(path string, retries int) (FileDigest, error) {
	if retries < 1 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		before, err := os.Stat(path)
		if err != nil {
			return FileDigest{}, fmt.Errorf("stat %s: %w", path, err)
		}

		hash, err := h.HashFile(path)
		if err != nil {
			return FileDigest{}, err
		}

		after, err := os.Stat(path)
		if err != nil {
			return FileDigest{}, fmt.Errorf("stat %s: %w", path, err)
		}
		if before.Size() == after.Size() && before.ModTime().Equal(after.ModTime()) {
			return FileDigest{
				Path:       path,
				Hash:       hash,
				Size:       after.Size(),
				MtimeMilli: after.ModTime().UnixMilli(),
			}, nil
		}
	}
	return FileDigest{}, fmt.Errorf("%w: %s after %d attempts", ErrFileUnstable, path, retries)
}
