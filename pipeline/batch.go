// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/natspipe/natspipe/envelope"
)

// BatchMode selects the flush trigger for the batch aggregator.
type BatchMode string

// Batch modes.
const (
	BatchSize   BatchMode = "size"   // flush when the queue reaches Size
	BatchTime   BatchMode = "time"   // flush when Interval elapses
	BatchHybrid BatchMode = "hybrid" // whichever fires first
)

// BatchConfig holds batch aggregator settings.
type BatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Mode     BatchMode     `yaml:"mode"`
	Size     int           `yaml:"size"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultBatchConfig returns batch defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Enabled:  false,
		Mode:     BatchHybrid,
		Size:     50,
		Interval: time.Second,
	}
}

// Validate checks the configuration and fills in defaults.
func (c *BatchConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Mode {
	case BatchSize, BatchTime, BatchHybrid:
	case "":
		c.Mode = BatchHybrid
	default:
		return fmt.Errorf("unknown batch mode %q", c.Mode)
	}
	if (c.Mode == BatchSize || c.Mode == BatchHybrid) && c.Size <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Size)
	}
	if (c.Mode == BatchTime || c.Mode == BatchHybrid) && c.Interval <= 0 {
		return fmt.Errorf("batch interval must be positive, got %v", c.Interval)
	}
	return nil
}

func (c BatchConfig) sizeTriggered() bool {
	return c.Mode == BatchSize || c.Mode == BatchHybrid
}

func (c BatchConfig) timeTriggered() bool {
	return c.Mode == BatchTime || c.Mode == BatchHybrid
}

// batcher accumulates envelopes and releases them as a group. A single
// in-flight flag prevents re-entrant flushes; the interval timer is
// restarted only after a flush fully resolves.
type batcher struct {
	cfg     BatchConfig
	deliver func([]*envelope.Envelope) // blocks until every envelope resolved
	logger  *slog.Logger

	mu       sync.Mutex
	queue    []*envelope.Envelope
	timer    *time.Timer
	inFlight bool
	stopped  bool
	done     sync.WaitGroup
}

func newBatcher(cfg BatchConfig, deliver func([]*envelope.Envelope), logger *slog.Logger) *batcher {
	b := &batcher{
		cfg:     cfg,
		deliver: deliver,
		logger:  logger,
	}
	if cfg.timeTriggered() {
		b.timer = time.AfterFunc(cfg.Interval, b.onTimer)
	}
	return b
}

// add appends the envelope to the batch queue, triggering a size flush
// when the threshold is reached.
func (b *batcher) add(env *envelope.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrPipelineClosed
	}
	b.queue = append(b.queue, env)
	if b.cfg.sizeTriggered() && len(b.queue) >= b.cfg.Size {
		b.startFlushLocked("size")
	}
	return nil
}

func (b *batcher) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	if b.inFlight {
		// Flush completion restarts the timer.
		return
	}
	if len(b.queue) == 0 {
		b.timer.Reset(b.cfg.Interval)
		return
	}
	b.startFlushLocked("interval")
}

// startFlushLocked snapshots and clears the queue and runs the flush
// asynchronously. Caller must hold b.mu.
func (b *batcher) startFlushLocked(trigger string) {
	if b.inFlight || len(b.queue) == 0 {
		return
	}
	b.inFlight = true
	items := b.queue
	b.queue = nil
	if b.timer != nil {
		b.timer.Stop()
	}

	b.logger.Debug("batch flush", "trigger", trigger, "size", len(items))
	b.done.Add(1)
	go b.runFlush(items)
}

func (b *batcher) runFlush(items []*envelope.Envelope) {
	defer b.done.Done()

	for _, env := range items {
		env.FromBatch = true
	}
	b.deliver(items)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.inFlight = false
	if b.stopped {
		return
	}
	if b.cfg.timeTriggered() {
		b.timer.Reset(b.cfg.Interval)
	}
	// New arrivals may have reached the threshold during the flush
	// window; check once here instead of re-entering from add.
	if b.cfg.sizeTriggered() && len(b.queue) >= b.cfg.Size {
		b.startFlushLocked("size")
	}
}

// stop cancels the timer, waits for any in-flight flush and returns the
// envelopes still queued.
func (b *batcher) stop() []*envelope.Envelope {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	b.done.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	rest := b.queue
	b.queue = nil
	return rest
}
