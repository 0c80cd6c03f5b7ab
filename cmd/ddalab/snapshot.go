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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ddalab/ddalab/pkg/logging"
	"github.com/ddalab/ddalab/services/results/codec"
	"github.com/ddalab/ddalab/services/results/config"
	"github.com/ddalab/ddalab/services/results/registry"
	"github.com/ddalab/ddalab/services/results/snapshot"
	"github.com/ddalab/ddalab/services/results/store"
)

// cliEnv is the store-backed tooling shared by the snapshot commands.
type cliEnv struct {
	logger *logging.Logger
	codec  *codec.Codec
	store  *store.Store
	snaps  *snapshot.Orchestrator
}

func (e *cliEnv) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.codec != nil {
		e.codec.Close()
	}
	if e.logger != nil {
		_ = e.logger.Close()
	}
}

// newCLIEnv opens the configured store for one-shot snapshot commands.
// Interactive output goes to stdout; the logger stays on warnings so the
// command's own output is not drowned.
func newCLIEnv() (*cliEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:   logging.LevelWarn,
		Service: "results",
	})
	if err != nil {
		return nil, err
	}

	env := &cliEnv{logger: logger}
	env.codec, err = codec.New(logger.Logger)
	if err != nil {
		env.close()
		return nil, err
	}

	env.store, err = store.Open(storeConfig(cfg), env.codec, logger.Logger)
	if err != nil {
		env.close()
		return nil, err
	}

	ws := &serverWorkspace{
		registry: registry.New(cfg.Registry.Capacity, env.store, logger.Logger),
		logger:   logger.Logger,
	}
	env.snaps, err = snapshot.NewOrchestrator(env.store, ws, snapshot.WithLogger(logger.Logger))
	if err != nil {
		env.close()
		return nil, err
	}
	return env, nil
}

func runSnapshotInspect(cmd *cobra.Command, args []string) error {
	env, err := newCLIEnv()
	if err != nil {
		return err
	}
	defer env.close()

	insp, err := env.snaps.Inspect(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(insp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !insp.Validation.Ok() {
		return fmt.Errorf("snapshot is not importable: %d validation error(s)",
			len(insp.Validation.Errors))
	}
	return nil
}

func runSnapshotImport(cmd *cobra.Command, args []string) error {
	env, err := newCLIEnv()
	if err != nil {
		return err
	}
	defer env.close()

	insp, err := env.snaps.Inspect(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	for _, w := range insp.Validation.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	if importDryRun {
		if !insp.Validation.Ok() {
			for _, e := range insp.Validation.Errors {
				fmt.Fprintln(os.Stderr, "error:", e)
			}
			return fmt.Errorf("validation failed")
		}
		fmt.Printf("%s is importable: %d analyses, format %s\n",
			args[0], insp.Validation.AnalysisCount, insp.Manifest.FormatVersion)
		return nil
	}

	report, err := env.snaps.Import(cmd.Context(), insp,
		snapshot.ApplyOptions{SourcePath: importSourcePath})
	if err != nil {
		return err
	}
	fmt.Println(report.Summary())
	if !report.Ok() {
		return fmt.Errorf("import incomplete")
	}
	return nil
}

func runSnapshotExport(cmd *cobra.Command, args []string) error {
	env, err := newCLIEnv()
	if err != nil {
		return err
	}
	defer env.close()

	f, err := os.Create(exportOutput)
	if err != nil {
		return err
	}
	defer f.Close()

	summary, err := env.snaps.Export(cmd.Context(), f, snapshot.ExportRequest{
		SourceFile:  exportSourceFile,
		AnalysisIDs: exportAnalysisID,
	})
	if err != nil {
		os.Remove(exportOutput)
		return err
	}

	fmt.Printf("wrote %s: %s snapshot, %d analyses, %d annotations, %d bytes\n",
		exportOutput, summary.Mode, summary.Analyses, summary.Annotations, summary.Bytes)
	return nil
}
