// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connmgr

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/natspipe/natspipe/transport"
)

// Registry maps endpoint configurations to managers so every pipeline
// using the same endpoints shares one connection.
type Registry struct {
	dialer transport.Dialer
	logger *slog.Logger

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry using the given dialer for all
// managers it creates.
func NewRegistry(dialer transport.Dialer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dialer:   dialer,
		logger:   logger,
		managers: make(map[string]*Manager),
	}
}

// Get returns the manager for the given configuration, creating it on
// first use. Managers are keyed by their endpoint set.
func (r *Registry) Get(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := strings.Join(cfg.Endpoints, ",")

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[key]; ok {
		return m, nil
	}
	m, err := New(r.dialer, cfg, r.logger.With("endpoints", key))
	if err != nil {
		return nil, err
	}
	r.managers[key] = m
	return m, nil
}

// Close shuts down every manager in the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	var errs []error
	for _, m := range managers {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
