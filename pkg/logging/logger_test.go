// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"  Warn ", slog.LevelWarn},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewWithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{
		Level:   LevelDebug,
		Service: "results",
		Quiet:   true,
		LogDir:  dir,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info("decode complete", slog.String("analysis_id", "a-1"))
	logger.Debug("cache touch", slog.Int("size", 2))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one log file, got %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "results_") || !strings.HasSuffix(name, ".log") {
		t.Errorf("unexpected log file name %q", name)
	}

	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("log line %d is not JSON: %v", lines, err)
		}
		if record["service"] != "results" {
			t.Errorf("line %d missing service attribute: %v", lines, record)
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 log lines, got %d", lines)
	}
}

func TestNewLevelFiltersRecords(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{
		Level:   LevelWarn,
		Service: "results",
		Quiet:   true,
		LogDir:  dir,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("should be dropped")
	logger.Warn("should land")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one log file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "should be dropped") {
		t.Error("info record leaked through a warn-level logger")
	}
	if !strings.Contains(content, "should land") {
		t.Error("warn record missing")
	}
}

func TestQuietWithoutLogDirDiscards(t *testing.T) {
	logger, err := New(Config{Quiet: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Must not panic and must not open any file.
	logger.Info("into the void")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDefaultSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default should return the same logger")
	}
	if a == nil {
		t.Fatal("Default returned nil")
	}
}
