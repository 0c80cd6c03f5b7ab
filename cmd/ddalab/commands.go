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
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// --- Global Command Variables ---
var (
	configPath string
	portFlag   int
	debugFlag  bool

	// snapshot export flags
	exportSourceFile string
	exportAnalysisID []string
	exportOutput     string

	// snapshot import flags
	importSourcePath string
	importDryRun     bool

	rootCmd = &cobra.Command{
		Use:   "ddalab",
		Short: "The DDALAB results service and snapshot tooling",
		Long: `ddalab manages delay-differential analysis results: the results
service (binary decode, caching, persistence) and the snapshot
archives used to move a session between machines.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the results service",
		RunE:  runServe,
	}

	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect, import, and export snapshot archives",
	}

	snapshotInspectCmd = &cobra.Command{
		Use:   "inspect [file]",
		Short: "Validate a snapshot archive and print its manifest",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotInspect,
	}

	snapshotImportCmd = &cobra.Command{
		Use:   "import [file]",
		Short: "Apply a snapshot archive to the local store",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotImport,
	}

	snapshotExportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write a snapshot archive for a recording's stored analyses",
		RunE:  runSnapshotExport,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the ddalab version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ddalab", Version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the YAML config file (defaults apply when omitted)")

	serveCmd.Flags().IntVar(&portFlag, "port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().BoolVar(&debugFlag, "debug", false, "Enable debug logging and gin debug mode")

	snapshotImportCmd.Flags().StringVar(&importSourcePath, "source-path", "",
		"Substitute recording path when the original moved")
	snapshotImportCmd.Flags().BoolVar(&importDryRun, "dry-run", false,
		"Inspect and validate only; apply nothing")

	snapshotExportCmd.Flags().StringVar(&exportSourceFile, "source-file", "",
		"Recording whose analyses are exported (required)")
	snapshotExportCmd.Flags().StringSliceVar(&exportAnalysisID, "analysis", nil,
		"Restrict the export to specific analysis ids (repeatable)")
	snapshotExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "",
		"Output file (required)")
	_ = snapshotExportCmd.MarkFlagRequired("source-file")
	_ = snapshotExportCmd.MarkFlagRequired("output")

	snapshotCmd.AddCommand(snapshotInspectCmd, snapshotImportCmd, snapshotExportCmd)
	rootCmd.AddCommand(serveCmd, snapshotCmd, versionCmd)
}
