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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ddalab/ddalab/pkg/logging"
	"github.com/ddalab/ddalab/services/results/cache"
	"github.com/ddalab/ddalab/services/results/codec"
	"github.com/ddalab/ddalab/services/results/config"
	"github.com/ddalab/ddalab/services/results/handlers"
	"github.com/ddalab/ddalab/services/results/registry"
	"github.com/ddalab/ddalab/services/results/snapshot"
	"github.com/ddalab/ddalab/services/results/store"
	"github.com/ddalab/ddalab/services/results/telemetry"
	"github.com/ddalab/ddalab/services/results/worker"
)

const shutdownGrace = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}
	if debugFlag {
		cfg.Server.Debug = true
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:   logging.Level(cfg.Logging.Level),
		Service: "results",
		JSON:    cfg.Logging.JSON,
		LogDir:  cfg.Logging.LogDir,
	})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "ddalab-results",
		ServiceVersion: Version,
		Environment:    telemetry.DefaultConfig().Environment,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := telemetryShutdown(shCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	cd, err := codec.New(logger.Logger)
	if err != nil {
		return fmt.Errorf("initializing codec: %w", err)
	}
	defer cd.Close()

	st, err := store.Open(storeConfig(cfg), cd, logger.Logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close", slog.String("error", err.Error()))
		}
	}()

	wk, err := worker.New(worker.Config{
		QueueDepth:    cfg.Worker.QueueDepth,
		CacheCapacity: cfg.Cache.Capacity,
	}, cd, cache.New(cfg.Cache.Capacity, logger.Logger), logger.Logger)
	if err != nil {
		return fmt.Errorf("initializing worker: %w", err)
	}
	wk.Start(ctx)
	defer wk.Close()

	reg := registry.New(cfg.Registry.Capacity, st, logger.Logger)

	var watcher *registry.Watcher
	if cfg.Registry.Watch {
		watcher, err = registry.NewWatcher(reg, registry.DefaultDebounce, logger.Logger)
		if err != nil {
			logger.Warn("file watching unavailable", slog.String("error", err.Error()))
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	ws := &serverWorkspace{registry: reg, watcher: watcher, logger: logger.Logger}
	snaps, err := snapshot.NewOrchestrator(st, ws, snapshot.WithLogger(logger.Logger))
	if err != nil {
		return fmt.Errorf("initializing snapshot orchestrator: %w", err)
	}

	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Server.Debug {
		router.Use(gin.Logger())
	}
	router.Use(otelgin.Middleware("results-service"))

	h := handlers.New(wk, snaps, reg, handlers.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	}, logger.Logger)
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("results service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down results service")
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// storeConfig maps the service config onto the store's, expanding ~ in
// the data directory.
func storeConfig(cfg *config.Config) store.Config {
	sc := store.DefaultConfig()
	sc.InMemory = cfg.Store.InMemory
	sc.SyncWrites = cfg.Store.SyncWrites
	if dir := cfg.Store.Dir; dir != "" {
		if strings.HasPrefix(dir, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
			}
		}
		sc.Dir = dir
	}
	return sc
}
