// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the results service over HTTP: snapshot
// import/export, the open-file listing, and a websocket speaking the
// worker's correlated request/response protocol.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/ddalab/ddalab/services/results/registry"
	"github.com/ddalab/ddalab/services/results/snapshot"
	"github.com/ddalab/ddalab/services/results/telemetry"
	"github.com/ddalab/ddalab/services/results/worker"
)

// Config tunes the HTTP surface.
type Config struct {
	// AllowedOrigins are origins accepted for websocket upgrades. Empty
	// means same-origin only.
	AllowedOrigins []string

	// RateLimit is the per-connection websocket message rate (msgs/sec).
	// Zero disables limiting.
	RateLimit float64

	// RateBurst is the per-connection burst allowance.
	RateBurst int
}

// Handlers holds the collaborators behind the HTTP routes.
type Handlers struct {
	worker   *worker.Worker
	snaps    *snapshot.Orchestrator
	registry *registry.Registry
	cfg      Config
	logger   *slog.Logger
}

// New wires the route handlers. Any collaborator may be nil; the routes
// that need it then answer 503.
func New(w *worker.Worker, s *snapshot.Orchestrator, r *registry.Registry,
	cfg Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{worker: w, snaps: s, registry: r, cfg: cfg, logger: logger}
}

// RegisterRoutes attaches every route to the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.handleHealth)
	if mh := telemetry.MetricsHandler(); mh != nil {
		router.GET("/metrics", gin.WrapH(mh))
	}

	v1 := router.Group("/v1")
	v1.POST("/snapshots/import", h.handleImport)
	v1.POST("/snapshots/export", h.handleExport)
	v1.GET("/files", h.handleListFiles)
	v1.GET("/ws", h.handleWebsocket)
}

func (h *Handlers) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ImportRequest names a snapshot file on the server's filesystem to
// inspect and apply.
type ImportRequest struct {
	Path string `json:"path" binding:"required"`

	// SourcePath substitutes the manifest's recording path when the user
	// relocated the recording.
	SourcePath string `json:"source_path,omitempty"`

	// DryRun stops after inspection and returns the validation verdict
	// without applying anything.
	DryRun bool `json:"dry_run,omitempty"`
}

func (h *Handlers) handleImport(c *gin.Context) {
	if h.snaps == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot subsystem unavailable"})
		return
	}

	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	insp, err := h.snaps.Inspect(c.Request.Context(), req.Path)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if req.DryRun {
		c.JSON(http.StatusOK, gin.H{
			"manifest":   insp.Manifest,
			"source":     insp.Source,
			"validation": insp.Validation,
		})
		return
	}

	report, err := h.snaps.Import(c.Request.Context(), insp,
		snapshot.ApplyOptions{SourcePath: req.SourcePath})
	if err != nil {
		switch {
		case errors.Is(err, snapshot.ErrImportInFlight):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, snapshot.ErrValidationFailed):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":      err.Error(),
				"validation": insp.Validation,
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report, "summary": report.Summary()})
}

// ExportHTTPRequest selects what to export and where to write it.
type ExportHTTPRequest struct {
	SourceFile  string   `json:"source_file" binding:"required"`
	AnalysisIDs []string `json:"analysis_ids,omitempty"`

	// OutputPath is where the archive lands on the server's filesystem.
	OutputPath string `json:"output_path" binding:"required"`
}

func (h *Handlers) handleExport(c *gin.Context) {
	if h.snaps == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot subsystem unavailable"})
		return
	}

	var req ExportHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	f, err := os.Create(req.OutputPath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot create output file: " + err.Error()})
		return
	}
	defer f.Close()

	summary, err := h.snaps.Export(c.Request.Context(), f, snapshot.ExportRequest{
		SourceFile:  req.SourceFile,
		AnalysisIDs: req.AnalysisIDs,
	})
	if err != nil {
		os.Remove(req.OutputPath)
		switch {
		case errors.Is(err, snapshot.ErrExportInFlight):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, snapshot.ErrAnalysisNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"summary": summary, "path": req.OutputPath})
}

func (h *Handlers) handleListFiles(c *gin.Context) {
	if h.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "file registry unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"files":  h.registry.List(),
		"active": h.registry.ActiveFile(),
	})
}
