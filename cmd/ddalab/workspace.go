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
	"context"
	"log/slog"

	"github.com/ddalab/ddalab/services/results/datatypes"
	"github.com/ddalab/ddalab/services/results/registry"
)

// serverWorkspace adapts the open-file registry to the snapshot apply
// sequence. Parameter and navigation changes are notices for the attached
// viewer, which observes them over its websocket session; the server's
// own state change is the registry update.
type serverWorkspace struct {
	registry *registry.Registry
	watcher  *registry.Watcher
	logger   *slog.Logger
}

func (w *serverWorkspace) ActivateFile(ctx context.Context, path string) error {
	evicted, err := w.registry.Open(ctx, path)
	if err != nil {
		return err
	}
	if evicted != "" {
		w.logger.Info("evicted least recently used file",
			slog.String("evicted", evicted), slog.String("opened", path))
		if w.watcher != nil {
			w.watcher.Unwatch(evicted)
		}
	}
	if w.watcher != nil {
		if err := w.watcher.Watch(path); err != nil {
			w.logger.Warn("cannot watch recording",
				slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return w.registry.SetActive(path)
}

func (w *serverWorkspace) SetParameters(ctx context.Context, p datatypes.AnalysisParameters) error {
	w.logger.Info("analysis parameters replaced from snapshot",
		slog.Int("delays", len(p.Delays)),
		slog.Int("window_length", p.WindowLength),
		slog.Int("window_step", p.WindowStep),
	)
	return nil
}

func (w *serverWorkspace) NavigateToResults(ctx context.Context) error {
	w.logger.Info("viewer navigation requested", slog.String("view", "results"))
	return nil
}
