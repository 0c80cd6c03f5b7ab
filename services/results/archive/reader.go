// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive reads and writes ddalab snapshot containers.
//
// A snapshot is a ZIP file whose entries are all stored (method 0): the
// result payloads inside are already zstd-compressed, so the container adds
// framing, not compression. Because only this narrow shape ever occurs,
// the package parses the format directly instead of pulling in a
// general-purpose ZIP implementation: compressed entries, ZIP64, and
// streaming are structurally out of scope, and a purpose-built parser can
// report snapshot-specific failures (like a legacy JSON export) precisely.
package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ZIP record signatures, little-endian ("PK\x03\x04", "PK\x01\x02",
// "PK\x05\x06").
const (
	localHeaderSig uint32 = 0x04034b50
	centralDirSig  uint32 = 0x02014b50
	eocdSig        uint32 = 0x06054b50
)

// Fixed record lengths, excluding variable-length name/extra/comment tails.
const (
	localHeaderLen     = 30
	centralDirEntryLen = 46
	eocdLen            = 22
)

// methodStored is the only compression method a snapshot may use.
const methodStored = 0

var (
	// ErrLegacyJSON indicates the buffer is a pre-archive JSON export, not
	// a snapshot container. Callers should tell the user to re-export.
	ErrLegacyJSON = errors.New("legacy JSON export, not a snapshot archive")

	// ErrNotArchive indicates the buffer does not begin with a ZIP local
	// header.
	ErrNotArchive = errors.New("not a snapshot archive")

	// ErrMissingEOCD indicates no end-of-central-directory record was
	// found; the file is truncated or not a ZIP.
	ErrMissingEOCD = errors.New("end of central directory not found")

	// ErrCorruptArchive indicates the central directory or an entry is
	// structurally inconsistent with the buffer.
	ErrCorruptArchive = errors.New("corrupt snapshot archive")

	// ErrEntryNotFound indicates the named entry is absent.
	ErrEntryNotFound = errors.New("entry not found in archive")

	// ErrUnsupportedCompression indicates an entry uses a compression
	// method other than stored. Snapshots never compress entries.
	ErrUnsupportedCompression = errors.New("unsupported compression method")
)

// Entry describes one file in the archive's central directory.
type Entry struct {
	// Name is the entry path as recorded in the archive.
	Name string

	// Size is the uncompressed (= stored) size in bytes.
	Size int

	// Method is the raw compression method field; 0 for stored.
	Method uint16

	// Offset is the position of the entry's local header in the buffer.
	Offset int
}

// checkLeader classifies the start of the buffer before any directory
// parsing, so callers get a precise diagnosis for non-archives. Legacy
// JSON exports may open with whitespace, so classification looks at the
// first byte after trimming; a real archive's magic is never preceded by
// anything.
func checkLeader(b []byte) error {
	if t := bytes.TrimLeft(b, " \t\r\n"); len(t) > 0 && (t[0] == '{' || t[0] == '[') {
		return ErrLegacyJSON
	}
	if len(b) < 4 || binary.LittleEndian.Uint32(b) != localHeaderSig {
		return ErrNotArchive
	}
	return nil
}

// findEOCD scans backward from the end of the buffer for the EOCD
// signature and returns its offset.
func findEOCD(b []byte) (int, error) {
	for i := len(b) - eocdLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(b[i:]) == eocdSig {
			return i, nil
		}
	}
	return 0, ErrMissingEOCD
}

// List parses the central directory and returns every entry.
//
// Description:
//
//	Validates the leading local-header magic, locates the EOCD record by
//	backward scan, and walks the central directory it points at. Every
//	offset and length is bounds-checked against the buffer; a directory
//	that walks out of bounds or past the EOCD yields ErrCorruptArchive.
//
// Inputs:
//
//	b - Complete archive contents. Not retained.
//
// Outputs:
//
//	Entries in directory order, or one of ErrLegacyJSON, ErrNotArchive,
//	ErrMissingEOCD, ErrCorruptArchive.
func List(b []byte) ([]Entry, error) {
	if err := checkLeader(b); err != nil {
		return nil, err
	}
	eocdOff, err := findEOCD(b)
	if err != nil {
		return nil, err
	}

	count := int(binary.LittleEndian.Uint16(b[eocdOff+10:]))
	cdSize := int(binary.LittleEndian.Uint32(b[eocdOff+12:]))
	cdOff := int(binary.LittleEndian.Uint32(b[eocdOff+16:]))
	if cdOff+cdSize > eocdOff {
		return nil, fmt.Errorf("%w: central directory overruns EOCD (offset %d size %d eocd %d)",
			ErrCorruptArchive, cdOff, cdSize, eocdOff)
	}

	entries := make([]Entry, 0, count)
	pos := cdOff
	for i := 0; i < count; i++ {
		if pos+centralDirEntryLen > eocdOff {
			return nil, fmt.Errorf("%w: directory entry %d extends past EOCD", ErrCorruptArchive, i)
		}
		if binary.LittleEndian.Uint32(b[pos:]) != centralDirSig {
			return nil, fmt.Errorf("%w: bad directory signature at entry %d", ErrCorruptArchive, i)
		}
		method := binary.LittleEndian.Uint16(b[pos+10:])
		uncompSize := int(binary.LittleEndian.Uint32(b[pos+24:]))
		nameLen := int(binary.LittleEndian.Uint16(b[pos+28:]))
		extraLen := int(binary.LittleEndian.Uint16(b[pos+30:]))
		commentLen := int(binary.LittleEndian.Uint16(b[pos+32:]))
		localOff := int(binary.LittleEndian.Uint32(b[pos+42:]))

		nameStart := pos + centralDirEntryLen
		if nameStart+nameLen > eocdOff {
			return nil, fmt.Errorf("%w: entry %d name extends past EOCD", ErrCorruptArchive, i)
		}
		entries = append(entries, Entry{
			Name:   string(b[nameStart : nameStart+nameLen]),
			Size:   uncompSize,
			Method: method,
			Offset: localOff,
		})
		pos = nameStart + nameLen + extraLen + commentLen
	}
	return entries, nil
}

// Extract returns a copy of the named entry's bytes.
//
// Description:
//
//	Finds the entry in the central directory, re-reads its local header
//	to compute the data start (the local name and extra fields may differ
//	in length from the directory's), and slices out the stored bytes.
//	Sizes come from the central directory, which is authoritative.
//
// Inputs:
//
//	b - Complete archive contents. Not retained.
//	name - Entry path, exact match.
//
// Outputs:
//
//	The entry's bytes (caller-owned copy), or ErrEntryNotFound,
//	ErrUnsupportedCompression, ErrCorruptArchive, or a leader error.
func Extract(b []byte, name string) ([]byte, error) {
	entries, err := List(b)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		if e.Method != methodStored {
			return nil, fmt.Errorf("%w: entry %q uses method %d", ErrUnsupportedCompression, name, e.Method)
		}
		return sliceEntry(b, e)
	}
	return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, name)
}

// sliceEntry bounds-checks the local header and copies out the data.
func sliceEntry(b []byte, e Entry) ([]byte, error) {
	if e.Offset+localHeaderLen > len(b) {
		return nil, fmt.Errorf("%w: local header of %q out of bounds", ErrCorruptArchive, e.Name)
	}
	if binary.LittleEndian.Uint32(b[e.Offset:]) != localHeaderSig {
		return nil, fmt.Errorf("%w: bad local header signature for %q", ErrCorruptArchive, e.Name)
	}
	nameLen := int(binary.LittleEndian.Uint16(b[e.Offset+26:]))
	extraLen := int(binary.LittleEndian.Uint16(b[e.Offset+28:]))

	dataStart := e.Offset + localHeaderLen + nameLen + extraLen
	dataEnd := dataStart + e.Size
	if dataStart > len(b) || dataEnd > len(b) {
		return nil, fmt.Errorf("%w: data of %q out of bounds (%d..%d of %d)",
			ErrCorruptArchive, e.Name, dataStart, dataEnd, len(b))
	}
	return append([]byte(nil), b[dataStart:dataEnd]...), nil
}
