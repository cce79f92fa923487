// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the subsystem configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/natspipe/natspipe/connmgr"
	"github.com/natspipe/natspipe/pipeline"
)

// Config holds all configuration for the publish pipeline subsystem.
type Config struct {
	Connection connmgr.Config  `yaml:"connection"`
	Pipeline   pipeline.Config `yaml:"pipeline"`
	Snapshot   SnapshotConfig  `yaml:"snapshot"`
	Log        LogConfig       `yaml:"log"`
}

// SnapshotConfig selects the persistence backend for buffer snapshots.
type SnapshotConfig struct {
	Backend string `yaml:"backend"` // none, file, badger
	Dir     string `yaml:"dir"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Connection: connmgr.DefaultConfig(),
		Pipeline:   pipeline.DefaultConfig(),
		Snapshot: SnapshotConfig{
			Backend: "file",
			Dir:     "/var/lib/natspipe/snapshots",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for
// missing values. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	switch c.Snapshot.Backend {
	case "", "none", "file", "badger":
	default:
		return fmt.Errorf("unknown snapshot backend %q", c.Snapshot.Backend)
	}
	if (c.Snapshot.Backend == "file" || c.Snapshot.Backend == "badger") && c.Snapshot.Dir == "" {
		return fmt.Errorf("snapshot backend %q requires a directory", c.Snapshot.Backend)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// Logger builds a slog.Logger from the log configuration.
func (c *Config) Logger() *slog.Logger {
	level := slog.LevelInfo
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
