// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package snapshot persists durable buffer contents across restarts.
// A snapshot is a self-describing JSON record; processing flags are
// omitted on save and absent after load.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/natspipe/natspipe/envelope"
)

// Store errors.
var (
	ErrEmptyOwner = errors.New("snapshot owner ID cannot be empty")
	ErrClosed     = errors.New("snapshot store closed")
)

// Record is the persisted state of one durable buffer.
type Record struct {
	Queue        []*envelope.Envelope `json:"queue"`
	DroppedCount int64                `json:"dropped_count"`
	SavedAt      time.Time            `json:"saved_at"`
	OwnerID      string               `json:"owner_id"`
}

// Store persists buffer snapshots keyed by owner ID.
type Store interface {
	// Save writes the record, replacing any prior snapshot for the owner.
	Save(ctx context.Context, rec Record) error

	// Load returns the snapshot for the owner. The bool reports whether
	// a snapshot existed.
	Load(ctx context.Context, ownerID string) (Record, bool, error)

	// Clear removes the snapshot for the owner, if any.
	Clear(ctx context.Context, ownerID string) error

	// Close releases the backing storage.
	Close() error
}
