// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/natspipe/natspipe/pipeline"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if len(cfg.Connection.Endpoints) == 0 {
		t.Error("expected a default endpoint")
	}
	if cfg.Connection.GracePeriod != 30*time.Second {
		t.Errorf("grace period = %v, want 30s", cfg.Connection.GracePeriod)
	}
	if cfg.Pipeline.Buffer.Capacity != 1000 {
		t.Errorf("buffer capacity = %d, want 1000", cfg.Pipeline.Buffer.Capacity)
	}
	if cfg.Snapshot.Backend != "file" {
		t.Errorf("snapshot backend = %q, want file", cfg.Snapshot.Backend)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Snapshot.Backend != "file" {
		t.Error("missing file should yield defaults")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	content := `
connection:
  endpoints:
    - nats://broker-1:4222
    - nats://broker-2:4222
  grace_period: 10s
pipeline:
  buffer:
    enabled: true
    capacity: 250
    overflow: drop-newest
snapshot:
  backend: badger
  dir: /tmp/snapshots
log:
  level: debug
  format: json
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Connection.Endpoints) != 2 {
		t.Errorf("endpoints = %v", cfg.Connection.Endpoints)
	}
	if cfg.Connection.GracePeriod != 10*time.Second {
		t.Errorf("grace period = %v, want 10s", cfg.Connection.GracePeriod)
	}
	if cfg.Pipeline.Buffer.Capacity != 250 {
		t.Errorf("capacity = %d, want 250", cfg.Pipeline.Buffer.Capacity)
	}
	if cfg.Pipeline.Buffer.Overflow != pipeline.OverflowDropNewest {
		t.Errorf("overflow = %q, want drop-newest", cfg.Pipeline.Buffer.Overflow)
	}
	if cfg.Snapshot.Backend != "badger" {
		t.Errorf("backend = %q, want badger", cfg.Snapshot.Backend)
	}
	// Unset values keep their defaults.
	if cfg.Pipeline.PublishTimeout != pipeline.DefaultPublishTimeout {
		t.Errorf("publish timeout = %v, want default", cfg.Pipeline.PublishTimeout)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad yaml", "connection: ["},
		{"unknown backend", "snapshot:\n  backend: s3\n"},
		{"backend without dir", "snapshot:\n  backend: file\n  dir: \"\"\n"},
		{"unknown log level", "log:\n  level: loud\n"},
		{"bad overflow", "pipeline:\n  buffer:\n    enabled: true\n    capacity: 10\n    overflow: vanish\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "debug"
	if cfg.Logger() == nil {
		t.Fatal("Logger returned nil")
	}
	cfg.Log.Format = "json"
	if cfg.Logger() == nil {
		t.Fatal("Logger returned nil for json format")
	}
}
