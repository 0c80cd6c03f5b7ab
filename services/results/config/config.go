// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the results service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// ErrConfigNotFound indicates the config file does not exist.
	ErrConfigNotFound = errors.New("config: file not found")

	// ErrInvalidConfig indicates the config failed validation.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// validate is the validator instance for config structs.
var validate = validator.New()

// Config is the root configuration for the results service.
type Config struct {
	Server    ServerConfig    `yaml:"server" validate:"required"`
	Store     StoreConfig     `yaml:"store"`
	Worker    WorkerConfig    `yaml:"worker"`
	Cache     CacheConfig     `yaml:"cache"`
	Registry  RegistryConfig  `yaml:"registry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port" validate:"required,gt=0,lte=65535"`

	// Debug enables gin debug mode and verbose request logging.
	Debug bool `yaml:"debug"`

	// AllowedOrigins lists origins accepted for websocket upgrades.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// RateLimit is the per-connection websocket message rate (msgs/sec).
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`

	// RateBurst is the per-connection websocket burst allowance.
	RateBurst int `yaml:"rate_burst" validate:"gte=0"`
}

// StoreConfig controls the persistence layer.
type StoreConfig struct {
	// Dir is the Badger database directory. Supports ~ expansion.
	Dir string `yaml:"dir"`

	// InMemory runs the store without disk persistence.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites forces fsync on every write.
	SyncWrites bool `yaml:"sync_writes"`
}

// WorkerConfig controls the decode worker.
type WorkerConfig struct {
	// QueueDepth is the request queue capacity.
	QueueDepth int `yaml:"queue_depth" validate:"gte=1"`
}

// CacheConfig controls the in-memory result cache.
type CacheConfig struct {
	// Capacity is the number of decoded results retained.
	Capacity int `yaml:"capacity" validate:"gte=1"`
}

// RegistryConfig controls the open-file registry.
type RegistryConfig struct {
	// Capacity is the soft limit on concurrently open files.
	Capacity int `yaml:"capacity" validate:"gte=1"`

	// Watch enables filesystem change notifications for open files.
	Watch bool `yaml:"watch"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// JSON forces JSON output even on a TTY.
	JSON bool `yaml:"json"`

	// LogDir, when set, mirrors logs to a per-service file.
	LogDir string `yaml:"log_dir"`
}

// TelemetryConfig controls the OpenTelemetry stack.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// DefaultConfig returns a development-friendly configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:      8085,
			RateLimit: 50,
			RateBurst: 100,
		},
		Store: StoreConfig{
			Dir: "~/.ddalab/results",
		},
		Worker: WorkerConfig{
			QueueDepth: 64,
		},
		Cache: CacheConfig{
			Capacity: 3,
		},
		Registry: RegistryConfig{
			Capacity: 10,
			Watch:    true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
	}
}

// Load reads the config file at path, merging it over DefaultConfig().
//
// Description:
//
//	Missing file is an error; an empty path returns defaults. Fields
//	absent from the YAML keep their default values. The merged config
//	is validated before being returned.
//
// Inputs:
//
//	path - Path to a YAML config file, or "" for pure defaults.
//
// Outputs:
//
//	*Config - The merged, validated configuration.
//	error - ErrConfigNotFound, a YAML parse error, or ErrInvalidConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
