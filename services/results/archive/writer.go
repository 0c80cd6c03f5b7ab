// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"
)

var (
	// ErrEmptyName indicates an entry with an empty path.
	ErrEmptyName = errors.New("archive entry name is empty")

	// ErrDuplicateEntry indicates two entries with the same path.
	ErrDuplicateEntry = errors.New("duplicate archive entry")

	// ErrArchiveTooLarge indicates a size or offset that does not fit the
	// 32-bit container fields. Snapshots never grow into ZIP64 territory.
	ErrArchiveTooLarge = errors.New("archive exceeds 32-bit container limits")
)

// dirRecord remembers what Finalize needs to emit the central directory.
type dirRecord struct {
	name    string
	crc     uint32
	size    int
	offset  int
	modTime uint16
	modDate uint16
}

// Writer assembles a stored-only snapshot container in memory.
//
// Every entry is written with compression method 0: the payloads going into
// snapshots are already compressed, and keeping the container stored is
// what lets the reader stay a slice operation. This is intentionally not a
// general ZIP writer.
//
// Thread Safety: not safe for concurrent use.
type Writer struct {
	buf bytes.Buffer
	dir []dirRecord
	now time.Time
}

// NewWriter creates an empty Writer stamping entries with the current time.
func NewWriter() *Writer {
	return &Writer{now: time.Now()}
}

// Add appends one stored entry.
func (w *Writer) Add(name string, data []byte) error {
	if name == "" {
		return ErrEmptyName
	}
	for _, d := range w.dir {
		if d.name == name {
			return fmt.Errorf("%w: %q", ErrDuplicateEntry, name)
		}
	}
	if uint64(len(data)) > math.MaxUint32 ||
		uint64(w.buf.Len())+localHeaderLen+uint64(len(name))+uint64(len(data)) > math.MaxUint32 {
		return ErrArchiveTooLarge
	}

	offset := w.buf.Len()
	crc := crc32.ChecksumIEEE(data)
	modDate, modTime := dosDateTime(w.now)

	var hdr [localHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:], localHeaderSig)
	binary.LittleEndian.PutUint16(hdr[4:], 20) // version needed: 2.0
	binary.LittleEndian.PutUint16(hdr[6:], 0)  // flags
	binary.LittleEndian.PutUint16(hdr[8:], methodStored)
	binary.LittleEndian.PutUint16(hdr[10:], modTime)
	binary.LittleEndian.PutUint16(hdr[12:], modDate)
	binary.LittleEndian.PutUint32(hdr[16:], crc)
	binary.LittleEndian.PutUint32(hdr[20:], uint32(len(data))) // compressed
	binary.LittleEndian.PutUint32(hdr[24:], uint32(len(data))) // uncompressed
	binary.LittleEndian.PutUint16(hdr[26:], uint16(len(name)))
	binary.LittleEndian.PutUint16(hdr[28:], 0) // extra len

	w.buf.Write(hdr[:])
	w.buf.WriteString(name)
	w.buf.Write(data)

	w.dir = append(w.dir, dirRecord{
		name:    name,
		crc:     crc,
		size:    len(data),
		offset:  offset,
		modTime: modTime,
		modDate: modDate,
	})
	return nil
}

// Finalize writes the central directory and EOCD and returns the complete
// archive. The Writer must not be reused afterwards.
func (w *Writer) Finalize() ([]byte, error) {
	if len(w.dir) > math.MaxUint16 {
		return nil, ErrArchiveTooLarge
	}
	cdOffset := w.buf.Len()

	for _, d := range w.dir {
		var rec [centralDirEntryLen]byte
		binary.LittleEndian.PutUint32(rec[0:], centralDirSig)
		binary.LittleEndian.PutUint16(rec[4:], 20) // version made by
		binary.LittleEndian.PutUint16(rec[6:], 20) // version needed
		binary.LittleEndian.PutUint16(rec[8:], 0)  // flags
		binary.LittleEndian.PutUint16(rec[10:], methodStored)
		binary.LittleEndian.PutUint16(rec[12:], d.modTime)
		binary.LittleEndian.PutUint16(rec[14:], d.modDate)
		binary.LittleEndian.PutUint32(rec[16:], d.crc)
		binary.LittleEndian.PutUint32(rec[20:], uint32(d.size))
		binary.LittleEndian.PutUint32(rec[24:], uint32(d.size))
		binary.LittleEndian.PutUint16(rec[28:], uint16(len(d.name)))
		// extra, comment, disk start, internal attrs, external attrs: zero
		binary.LittleEndian.PutUint32(rec[42:], uint32(d.offset))

		w.buf.Write(rec[:])
		w.buf.WriteString(d.name)
	}
	cdSize := w.buf.Len() - cdOffset
	if uint64(w.buf.Len())+eocdLen > math.MaxUint32 {
		return nil, ErrArchiveTooLarge
	}

	var eocd [eocdLen]byte
	binary.LittleEndian.PutUint32(eocd[0:], eocdSig)
	binary.LittleEndian.PutUint16(eocd[8:], uint16(len(w.dir)))  // entries this disk
	binary.LittleEndian.PutUint16(eocd[10:], uint16(len(w.dir))) // entries total
	binary.LittleEndian.PutUint32(eocd[12:], uint32(cdSize))
	binary.LittleEndian.PutUint32(eocd[16:], uint32(cdOffset))
	w.buf.Write(eocd[:])

	return w.buf.Bytes(), nil
}

// dosDateTime converts t to MS-DOS date/time fields, the only timestamp
// format the container carries.
func dosDateTime(t time.Time) (date, timeOfDay uint16) {
	t = t.Local()
	year := t.Year()
	if year < 1980 {
		year = 1980
	}
	date = uint16((year-1980)<<9 | int(t.Month())<<5 | t.Day())
	timeOfDay = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	return date, timeOfDay
}
