// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/natspipe/natspipe/envelope"
	"github.com/natspipe/natspipe/snapshot"
)

// CapacityMode selects how buffer capacity is measured.
type CapacityMode string

// Capacity modes.
const (
	CapacityCount CapacityMode = "count"
	CapacityBytes CapacityMode = "bytes"
)

// OverflowPolicy selects what happens when the buffer is full.
type OverflowPolicy string

// Overflow policies.
const (
	OverflowDropOldest OverflowPolicy = "drop-oldest"
	OverflowDropNewest OverflowPolicy = "drop-newest"
	OverflowReject     OverflowPolicy = "reject"
)

// Autosave bounds.
const (
	MinAutosaveInterval = 5 * time.Second
	MaxAutosaveInterval = 300 * time.Second
)

// BufferConfig holds durable buffer settings.
type BufferConfig struct {
	Enabled          bool           `yaml:"enabled"`
	Capacity         int64          `yaml:"capacity"`
	Mode             CapacityMode   `yaml:"mode"`
	Overflow         OverflowPolicy `yaml:"overflow"`
	AutosaveInterval time.Duration  `yaml:"autosave_interval"` // 0 disables autosave
	SettleDelay      time.Duration  `yaml:"settle_delay"`
}

// DefaultBufferConfig returns buffer defaults.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		Enabled:          true,
		Capacity:         1000,
		Mode:             CapacityCount,
		Overflow:         OverflowDropOldest,
		AutosaveInterval: 30 * time.Second,
		SettleDelay:      500 * time.Millisecond,
	}
}

// Validate checks the configuration and fills in defaults.
func (c *BufferConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("buffer capacity must be positive, got %d", c.Capacity)
	}
	switch c.Mode {
	case CapacityCount, CapacityBytes:
	case "":
		c.Mode = CapacityCount
	default:
		return fmt.Errorf("unknown buffer capacity mode %q", c.Mode)
	}
	switch c.Overflow {
	case OverflowDropOldest, OverflowDropNewest, OverflowReject:
	case "":
		c.Overflow = OverflowDropOldest
	default:
		return fmt.Errorf("unknown buffer overflow policy %q", c.Overflow)
	}
	if c.AutosaveInterval != 0 {
		if c.AutosaveInterval < MinAutosaveInterval {
			c.AutosaveInterval = MinAutosaveInterval
		}
		if c.AutosaveInterval > MaxAutosaveInterval {
			c.AutosaveInterval = MaxAutosaveInterval
		}
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	return nil
}

type enqueueOutcome int

const (
	enqAccepted enqueueOutcome = iota
	enqEvictedOldest
	enqDroppedNewest
	enqRejected
)

// buffer is the bounded FIFO holding messages while the connection is
// down. It is owned exclusively by one pipeline; its own mutex only
// covers the queue state, never I/O.
type buffer struct {
	cfg     BufferConfig
	store   snapshot.Store
	ownerID string
	logger  *slog.Logger

	// All fields below are guarded by the owning pipeline's mu.
	items     []*envelope.Envelope
	byteSize  int64
	dropped   int64
	saveTimer *time.Timer
	stopped   bool
}

func newBuffer(cfg BufferConfig, store snapshot.Store, ownerID string, logger *slog.Logger) *buffer {
	return &buffer{
		cfg:     cfg,
		store:   store,
		ownerID: ownerID,
		logger:  logger,
	}
}

func (b *buffer) len() int {
	return len(b.items)
}

// cost returns the capacity consumed by one envelope under the
// configured mode.
func (b *buffer) cost(env *envelope.Envelope) int64 {
	if b.cfg.Mode == CapacityBytes {
		return int64(env.Size())
	}
	return 1
}

func (b *buffer) used() int64 {
	if b.cfg.Mode == CapacityBytes {
		return b.byteSize
	}
	return int64(len(b.items))
}

// enqueue adds the envelope, applying the overflow policy when the
// configured capacity would be exceeded.
func (b *buffer) enqueue(env *envelope.Envelope) enqueueOutcome {
	cost := b.cost(env)
	if cost > b.cfg.Capacity {
		// A single envelope larger than the whole buffer can never fit.
		// Rejections carry no counter side effect.
		if b.cfg.Overflow != OverflowReject {
			b.dropped++
		}
		return enqRejected
	}

	outcome := enqAccepted
	for b.used()+cost > b.cfg.Capacity {
		switch b.cfg.Overflow {
		case OverflowDropOldest:
			head := b.items[0]
			b.items = b.items[1:]
			b.byteSize -= int64(head.Size())
			b.dropped++
			outcome = enqEvictedOldest
		case OverflowDropNewest:
			b.dropped++
			return enqDroppedNewest
		case OverflowReject:
			return enqRejected
		}
	}

	b.items = append(b.items, env)
	b.byteSize += int64(env.Size())
	return outcome
}

// drain removes and returns all buffered envelopes.
func (b *buffer) drain() []*envelope.Envelope {
	items := b.items
	b.items = nil
	b.byteSize = 0
	return items
}

// requeueHead reinserts envelopes at the head of the queue, preserving
// their relative order. Capacity is deliberately not re-enforced here:
// these envelopes already held a slot before the flush started.
func (b *buffer) requeueHead(items []*envelope.Envelope) {
	if len(items) == 0 {
		return
	}
	b.items = append(append([]*envelope.Envelope(nil), items...), b.items...)
	for _, env := range items {
		b.byteSize += int64(env.Size())
	}
}

// record builds the persistable snapshot. Processing flags are
// stripped from the persisted copies.
func (b *buffer) record(now time.Time) snapshot.Record {
	queue := make([]*envelope.Envelope, len(b.items))
	for i, env := range b.items {
		cp := *env
		cp.ClearFlags()
		queue[i] = &cp
	}
	return snapshot.Record{
		Queue:        queue,
		DroppedCount: b.dropped,
		SavedAt:      now,
		OwnerID:      b.ownerID,
	}
}

// restore loads a previously persisted snapshot into the queue.
func (b *buffer) restore(rec snapshot.Record) {
	b.items = rec.Queue
	b.dropped = rec.DroppedCount
	b.byteSize = 0
	for _, env := range b.items {
		env.ClearFlags()
		b.byteSize += int64(env.Size())
	}
}

// scheduleSave arms the debounced autosave timer. Repeated enqueues
// within the interval coalesce into a single save.
func (b *buffer) scheduleSave(save func()) {
	if b.store == nil || b.cfg.AutosaveInterval <= 0 || b.stopped || b.saveTimer != nil {
		return
	}
	b.saveTimer = time.AfterFunc(b.cfg.AutosaveInterval, save)
}

// stopTimers cancels the pending autosave, if any.
func (b *buffer) stopTimers() {
	b.stopped = true
	if b.saveTimer != nil {
		b.saveTimer.Stop()
		b.saveTimer = nil
	}
}

// persist writes the given record, logging rather than propagating
// failures: a missed autosave only widens the crash window.
func (b *buffer) persist(ctx context.Context, rec snapshot.Record) {
	if b.store == nil {
		return
	}
	if err := b.store.Save(ctx, rec); err != nil {
		b.logger.Warn("buffer snapshot save failed", "owner", b.ownerID, "error", err)
	}
}
