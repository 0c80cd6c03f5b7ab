// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"testing"
)

func TestCommandTree(t *testing.T) {
	want := map[string]bool{
		"serve":    false,
		"snapshot": false,
		"version":  false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("root command is missing %q", name)
		}
	}
}

func TestSnapshotSubcommands(t *testing.T) {
	want := map[string]bool{
		"inspect": false,
		"import":  false,
		"export":  false,
	}
	for _, c := range snapshotCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("snapshot command is missing %q", name)
		}
	}
}

func TestExportRequiresFlags(t *testing.T) {
	if f := snapshotExportCmd.Flags().Lookup("source-file"); f == nil {
		t.Fatal("export has no --source-file flag")
	}
	if f := snapshotExportCmd.Flags().Lookup("output"); f == nil {
		t.Fatal("export has no --output flag")
	}
}
