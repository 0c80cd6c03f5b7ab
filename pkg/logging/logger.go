// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for ddalab components.
//
// The package is a thin layer over Go's standard slog: it picks a handler
// (human-readable text on a terminal, JSON otherwise), writes to stderr by
// default so stdout stays clean for command output, and optionally mirrors
// records to a per-service log file.
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("decoding payload", "analysis_id", id)
//
// # File Logging
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelDebug,
//	    Service: "results",
//	    LogDir:  "~/.ddalab/logs",  // Supports ~ expansion
//	})
//	defer logger.Close()  // Important: flushes and closes file
//
// This creates log files named `{service}_{date}.log` in JSON format.
//
// # Thread Safety
//
// Logger is safe for concurrent use; the underlying slog.Logger is
// thread-safe and Close is idempotent.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Level is the minimum severity a logger records.
type Level string

const (
	// LevelDebug enables verbose development output.
	LevelDebug Level = "debug"

	// LevelInfo records normal operations.
	LevelInfo Level = "info"

	// LevelWarn records recoverable issues.
	LevelWarn Level = "warn"

	// LevelError records operation failures.
	LevelError Level = "error"
)

// ParseLevel maps a level name to its slog value. Unknown names fall back
// to info.
func ParseLevel(s string) slog.Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity to record. Default: info.
	Level Level `yaml:"level" json:"level"`

	// Service names the component; it is attached to every record and
	// used in log file names.
	Service string `yaml:"service" json:"service"`

	// JSON forces the JSON handler even on a terminal. When false the
	// handler is chosen by whether stderr is a TTY.
	JSON bool `yaml:"json" json:"json"`

	// Quiet suppresses stderr output entirely. File logging, when
	// configured, still receives records.
	Quiet bool `yaml:"quiet" json:"quiet"`

	// LogDir, when set, mirrors records as JSON into
	// <LogDir>/<service>_<date>.log. Supports ~ expansion.
	LogDir string `yaml:"log_dir" json:"log_dir"`
}

// Logger wraps *slog.Logger and owns the optional log file.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a logger from cfg.
//
// Description:
//
//	Chooses the stderr handler by terminal detection (text on a TTY,
//	JSON otherwise), opens the log file when LogDir is set, and fans
//	records out to both destinations. The file always receives JSON
//	regardless of the stderr handler.
//
// Inputs:
//
//	cfg - Logger configuration. The zero value yields an info-level
//	    stderr logger.
//
// Outputs:
//
//	*Logger - Ready to use. Callers with a LogDir must call Close().
//	error - Non-nil when the log directory or file cannot be created.
func New(cfg Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(string(cfg.Level))}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON || !isatty.IsTerminal(os.Stderr.Fd()) {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	var file *os.File
	if cfg.LogDir != "" {
		f, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			return nil, err
		}
		file = f
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}

	var h slog.Handler
	switch len(handlers) {
	case 0:
		h = slog.NewJSONHandler(io.Discard, opts)
	case 1:
		h = handlers[0]
	default:
		h = &multiHandler{handlers: handlers}
	}

	l := slog.New(h)
	if cfg.Service != "" {
		l = l.With(slog.String("service", cfg.Service))
	}
	return &Logger{Logger: l, file: file}, nil
}

// Close flushes and closes the log file, if any. Idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	return errors.Join(f.Sync(), f.Close())
}

// openLogFile creates <dir>/<service>_<date>.log, expanding a leading "~".
func openLogFile(dir, service string) (*os.File, error) {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	if service == "" {
		service = "ddalab"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Default returns the shared stderr logger, creating it on first use.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger, _ = New(Config{Level: LevelInfo, Service: "ddalab"})
	})
	return defaultLogger
}

// multiHandler fans one record out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}
