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
	zipstd "archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func buildSnapshot(t *testing.T) []byte {
	t.Helper()
	w := NewWriter()
	if err := w.Add("manifest.json", []byte(`{"format_version":"1.0.0"}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.Add("results/an-1.bin", []byte{0x10, 0x00, 0x00, 0x00, 0x28, 0xb5, 0x2f, 0xfd}); err != nil {
		t.Fatal(err)
	}
	if err := w.Add("annotations.json", []byte(`[]`)); err != nil {
		t.Fatal(err)
	}
	b, err := w.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestListAndExtract(t *testing.T) {
	b := buildSnapshot(t)

	entries, err := List(b)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	wantNames := []string{"manifest.json", "results/an-1.bin", "annotations.json"}
	for i, e := range entries {
		if e.Name != wantNames[i] {
			t.Errorf("entry %d name = %q, want %q", i, e.Name, wantNames[i])
		}
		if e.Method != 0 {
			t.Errorf("entry %q method = %d, want 0", e.Name, e.Method)
		}
	}

	data, err := Extract(b, "manifest.json")
	if err != nil {
		t.Fatalf("Extract manifest: %v", err)
	}
	if string(data) != `{"format_version":"1.0.0"}` {
		t.Errorf("manifest bytes = %q", data)
	}

	bin, err := Extract(b, "results/an-1.bin")
	if err != nil {
		t.Fatalf("Extract payload: %v", err)
	}
	if !bytes.Equal(bin, []byte{0x10, 0x00, 0x00, 0x00, 0x28, 0xb5, 0x2f, 0xfd}) {
		t.Errorf("payload bytes = %x", bin)
	}
}

// The writer's output must be a real ZIP, not just something our own
// reader accepts.
func TestWriterInteropWithStdlibReader(t *testing.T) {
	b := buildSnapshot(t)

	zr, err := zipstd.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		t.Fatalf("stdlib reader rejected archive: %v", err)
	}
	if len(zr.File) != 3 {
		t.Fatalf("stdlib sees %d entries, want 3", len(zr.File))
	}
	f := zr.File[0]
	if f.Name != "manifest.json" {
		t.Fatalf("first entry = %q", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read entry (crc check): %v", err)
	}
	if string(got) != `{"format_version":"1.0.0"}` {
		t.Errorf("entry bytes = %q", got)
	}
}

// Archives produced by other ZIP writers with stored entries must also
// parse, including ones that use data descriptors in the local header.
func TestReaderAcceptsStdlibStoredArchive(t *testing.T) {
	var buf bytes.Buffer
	zw := zipstd.NewWriter(&buf)
	fw, err := zw.CreateHeader(&zipstd.FileHeader{Name: "manifest.json", Method: zipstd.Store})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(`{"mode":"full"}`)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := Extract(buf.Bytes(), "manifest.json")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if string(data) != `{"mode":"full"}` {
		t.Errorf("bytes = %q", data)
	}
}

func TestExtractCompressedEntryRejected(t *testing.T) {
	var buf bytes.Buffer
	zw := zipstd.NewWriter(&buf)
	fw, err := zw.CreateHeader(&zipstd.FileHeader{Name: "manifest.json", Method: zipstd.Deflate})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(bytes.Repeat([]byte("abc"), 100)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = Extract(buf.Bytes(), "manifest.json")
	if !errors.Is(err, ErrUnsupportedCompression) {
		t.Fatalf("err = %v, want ErrUnsupportedCompression", err)
	}
}

func TestLeaderClassification(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{"json object", []byte(`{"analyses":[]}`), ErrLegacyJSON},
		{"json array", []byte(`[{"id":"a"}]`), ErrLegacyJSON},
		{"json after whitespace", []byte("\n  {\"analyses\":[]}"), ErrLegacyJSON},
		{"json after tab and crlf", []byte("\t\r\n[{\"id\":\"a\"}]"), ErrLegacyJSON},
		{"whitespace only", []byte("   \n\t"), ErrNotArchive},
		{"plain text", []byte("hello world"), ErrNotArchive},
		{"empty", nil, ErrNotArchive},
		{"short", []byte{0x50, 0x4b}, ErrNotArchive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := List(tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("List(%q) err = %v, want %v", tc.in, err, tc.want)
			}
		})
	}
}

func TestMissingEOCD(t *testing.T) {
	// Starts like a ZIP but carries no directory records at all.
	b := append([]byte{0x50, 0x4b, 0x03, 0x04}, bytes.Repeat([]byte{0xAA}, 64)...)
	_, err := List(b)
	if !errors.Is(err, ErrMissingEOCD) {
		t.Fatalf("err = %v, want ErrMissingEOCD", err)
	}
}

func TestCorruptDirectory(t *testing.T) {
	t.Run("inflated entry count", func(t *testing.T) {
		b := buildSnapshot(t)
		eocd := len(b) - eocdLen
		binary.LittleEndian.PutUint16(b[eocd+10:], 40)
		_, err := List(b)
		if !errors.Is(err, ErrCorruptArchive) {
			t.Fatalf("err = %v, want ErrCorruptArchive", err)
		}
	})

	t.Run("directory offset past EOCD", func(t *testing.T) {
		b := buildSnapshot(t)
		eocd := len(b) - eocdLen
		binary.LittleEndian.PutUint32(b[eocd+16:], uint32(len(b)))
		_, err := List(b)
		if !errors.Is(err, ErrCorruptArchive) {
			t.Fatalf("err = %v, want ErrCorruptArchive", err)
		}
	})

	t.Run("clobbered directory signature", func(t *testing.T) {
		b := buildSnapshot(t)
		eocd := len(b) - eocdLen
		cdOff := binary.LittleEndian.Uint32(b[eocd+16:])
		b[cdOff] = 0xFF
		_, err := List(b)
		if !errors.Is(err, ErrCorruptArchive) {
			t.Fatalf("err = %v, want ErrCorruptArchive", err)
		}
	})
}

func TestEntryNotFound(t *testing.T) {
	b := buildSnapshot(t)
	_, err := Extract(b, "results/ghost.bin")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("err = %v, want ErrEntryNotFound", err)
	}
}

// Data start must honor the LOCAL header's name/extra lengths, which may
// differ from the central directory's.
func TestExtractUsesLocalHeaderLengths(t *testing.T) {
	name := "manifest.json"
	payload := []byte(`{"format_version":"1.0.0"}`)
	extra := []byte{0x01, 0x02, 0x03, 0x04} // opaque local-only extra field

	var buf bytes.Buffer
	local := make([]byte, localHeaderLen)
	binary.LittleEndian.PutUint32(local[0:], localHeaderSig)
	binary.LittleEndian.PutUint16(local[8:], 0) // stored
	binary.LittleEndian.PutUint32(local[20:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(local[24:], uint32(len(payload)))
	binary.LittleEndian.PutUint16(local[26:], uint16(len(name)))
	binary.LittleEndian.PutUint16(local[28:], uint16(len(extra)))
	buf.Write(local)
	buf.WriteString(name)
	buf.Write(extra)
	buf.Write(payload)

	cdOff := buf.Len()
	cd := make([]byte, centralDirEntryLen)
	binary.LittleEndian.PutUint32(cd[0:], centralDirSig)
	binary.LittleEndian.PutUint16(cd[10:], 0) // stored
	binary.LittleEndian.PutUint32(cd[20:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(cd[24:], uint32(len(payload)))
	binary.LittleEndian.PutUint16(cd[28:], uint16(len(name)))
	// central extra len deliberately zero; local header has 4 bytes
	binary.LittleEndian.PutUint32(cd[42:], 0)
	buf.Write(cd)
	buf.WriteString(name)

	eocd := make([]byte, eocdLen)
	binary.LittleEndian.PutUint32(eocd[0:], eocdSig)
	binary.LittleEndian.PutUint16(eocd[8:], 1)
	binary.LittleEndian.PutUint16(eocd[10:], 1)
	binary.LittleEndian.PutUint32(eocd[12:], uint32(buf.Len()-cdOff))
	binary.LittleEndian.PutUint32(eocd[16:], uint32(cdOff))
	buf.Write(eocd)

	got, err := Extract(buf.Bytes(), name)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("data = %q, want %q (local extra not skipped?)", got, payload)
	}
}

func TestWriterValidation(t *testing.T) {
	w := NewWriter()
	if err := w.Add("", []byte("x")); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("empty name err = %v", err)
	}
	if err := w.Add("a.json", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := w.Add("a.json", []byte("y")); !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("duplicate err = %v", err)
	}
}
