// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the resilient publish pipeline: rate
// limiting, batch aggregation, durable buffering under disconnection
// and persisted recovery, layered over the shared connection manager.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/natspipe/natspipe/connmgr"
	"github.com/natspipe/natspipe/envelope"
	"github.com/natspipe/natspipe/metrics"
	"github.com/natspipe/natspipe/ratelimit"
	"github.com/natspipe/natspipe/snapshot"
	"github.com/natspipe/natspipe/transport"
)

// DefaultPublishTimeout bounds a single publish round trip.
const DefaultPublishTimeout = 10 * time.Second

// Config holds pipeline settings.
type Config struct {
	OwnerID        string           `yaml:"owner_id"`
	PublishTimeout time.Duration    `yaml:"publish_timeout"`
	RateLimit      ratelimit.Config `yaml:"rate_limit"`
	Batch          BatchConfig      `yaml:"batch"`
	Buffer         BufferConfig     `yaml:"buffer"`
}

// DefaultConfig returns pipeline defaults.
func DefaultConfig() Config {
	return Config{
		PublishTimeout: DefaultPublishTimeout,
		RateLimit:      ratelimit.DefaultConfig(),
		Batch:          DefaultBatchConfig(),
		Buffer:         DefaultBufferConfig(),
	}
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.OwnerID == "" {
		c.OwnerID = uuid.NewString()
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Batch.Validate(); err != nil {
		return err
	}
	return c.Buffer.Validate()
}

// Pipeline is the sole entry point for outbound messages. Each
// instance owns its buffer and batch queues exclusively; the broker
// connection is shared through the connection manager.
type Pipeline struct {
	cfg     Config
	mgr     *connmgr.Manager
	logger  *slog.Logger
	metrics *metrics.Metrics

	limiter *ratelimit.Limiter
	batch   *batcher
	delay   *delayQueue
	buf     *buffer

	cancelStatus func()
	lifeCtx      context.Context
	lifeCancel   context.CancelFunc

	mu            sync.Mutex
	conn          transport.Conn
	flushInFlight bool
	closed        bool
	settleTimer   *time.Timer
	flushWG       sync.WaitGroup
}

// New creates a pipeline on top of the shared connection manager. The
// snapshot store may be nil to disable persistence. A non-empty
// persisted snapshot is restored before the pipeline accepts traffic.
func New(mgr *connmgr.Manager, store snapshot.Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if mgr == nil {
		return nil, errors.New("nil connection manager")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("owner", cfg.OwnerID)

	p := &Pipeline{
		cfg:     cfg,
		mgr:     mgr,
		logger:  logger,
		metrics: m,
	}
	p.lifeCtx, p.lifeCancel = context.WithCancel(context.Background())

	if cfg.RateLimit.Enabled {
		p.limiter = ratelimit.New(cfg.RateLimit)
		if cfg.RateLimit.Action == ratelimit.ActionDelay {
			p.delay = newDelayQueue(p.limiter, p.resubmitDelayed)
		}
	}
	if cfg.Batch.Enabled {
		p.batch = newBatcher(cfg.Batch, p.deliverBatch, logger)
	}
	if cfg.Buffer.Enabled {
		p.buf = newBuffer(cfg.Buffer, store, cfg.OwnerID, logger)
		if store != nil {
			rec, ok, err := store.Load(context.Background(), cfg.OwnerID)
			if err != nil {
				return nil, fmt.Errorf("restore buffer snapshot: %w", err)
			}
			if ok && len(rec.Queue) > 0 {
				p.buf.restore(rec)
				m.BufferRestored(context.Background(), len(rec.Queue))
				logger.Info("buffer snapshot restored",
					"messages", len(rec.Queue),
					"dropped", rec.DroppedCount,
					"saved_at", rec.SavedAt)
			}
		}
	}

	// Register as a dependent of the shared connection. The handle
	// arrives whenever the manager first connects.
	go func() {
		conn, err := mgr.Acquire(p.lifeCtx, cfg.OwnerID)
		if err != nil {
			return
		}
		p.mu.Lock()
		if !p.closed {
			p.conn = conn
		}
		p.mu.Unlock()
	}()

	// The initial subscription event covers the startup case: if the
	// snapshot restore above left a non-empty buffer and the shared
	// connection is already up, a flush is scheduled right away.
	p.cancelStatus = mgr.Subscribe(p.onStatus)

	return p, nil
}

// Submit pushes one message through the pipeline stages and returns
// the delivery outcome. Messages re-injected by a batch or buffer
// flush skip the stages already applied to them.
func (p *Pipeline) Submit(ctx context.Context, env *envelope.Envelope) (Result, error) {
	if env == nil {
		return Result{Outcome: OutcomeDropped}, ErrSerialize
	}
	if env.Subject == "" {
		return Result{Outcome: OutcomeDropped}, ErrInvalidSubject
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return Result{Outcome: OutcomeDropped}, ErrPipelineClosed
	}

	fresh := !env.FromBuffer && !env.FromBatch

	// Stage 1: rate limiting.
	if p.limiter != nil && fresh && !env.RateLimited {
		if !p.limiter.Allow() {
			p.metrics.RateLimited(ctx)
			switch p.limiter.Action() {
			case ratelimit.ActionDelay:
				if err := p.delay.enqueue(env); err != nil {
					return Result{Outcome: OutcomeDropped}, err
				}
				return Result{Outcome: OutcomeQueued}, nil
			case ratelimit.ActionDropWarn:
				p.logger.Warn("rate limit exceeded, message dropped",
					"subject", env.Subject,
					"tokens", p.limiter.Tokens())
				p.metrics.Dropped(ctx, metrics.ReasonRateLimit)
				return Result{Outcome: OutcomeRateLimited}, ErrRateLimited
			default:
				p.metrics.Dropped(ctx, metrics.ReasonRateLimit)
				return Result{Outcome: OutcomeRateLimited}, nil
			}
		}
	}

	// Stage 2: batching.
	if p.batch != nil && fresh {
		if err := p.batch.add(env); err != nil {
			return Result{Outcome: OutcomeDropped}, err
		}
		return Result{Outcome: OutcomeQueued}, nil
	}

	// Stage 3: connectivity gate and publish.
	return p.deliver(ctx, env)
}

// deliver is the connectivity stage: publish when connected, buffer
// otherwise. Buffer-flush envelopes are never re-buffered here; their
// failures propagate so the flush can re-queue them exactly once.
func (p *Pipeline) deliver(ctx context.Context, env *envelope.Envelope) (Result, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil || p.mgr.Status() != connmgr.StatusConnected {
		return p.routeDisconnected(ctx, env)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	start := time.Now()
	ack, err := conn.Publish(pubCtx, env.Subject, env.Payload, transport.PublishOpts{
		Header:     env.Header,
		Expiration: env.Expiration,
		MsgID:      env.MsgID,
	})
	if err != nil {
		if env.FromBuffer {
			return Result{Outcome: OutcomeDropped}, err
		}
		if errors.Is(err, transport.ErrClosed) || errors.Is(err, transport.ErrUnavailable) {
			// The link dropped mid-publish; treat like the gate saw it.
			return p.routeDisconnected(ctx, env)
		}
		p.metrics.Dropped(ctx, metrics.ReasonTransport)
		return Result{Outcome: OutcomeDropped}, err
	}

	p.metrics.Delivered(ctx, env.Subject, time.Since(start))
	p.logger.Debug("message delivered",
		"subject", env.Subject,
		"sequence", ack.Sequence,
		"duplicate", ack.Duplicate)
	return Result{Outcome: OutcomeDelivered, Ack: ack}, nil
}

func (p *Pipeline) routeDisconnected(ctx context.Context, env *envelope.Envelope) (Result, error) {
	if env.FromBuffer {
		return Result{Outcome: OutcomeDropped}, ErrNotConnected
	}
	if p.buf == nil {
		p.metrics.Dropped(ctx, metrics.ReasonNotConnected)
		return Result{Outcome: OutcomeDropped}, ErrNotConnected
	}

	p.mu.Lock()
	outcome := p.buf.enqueue(env)
	if outcome == enqAccepted || outcome == enqEvictedOldest {
		p.buf.scheduleSave(p.autosave)
		// The connection may have come up between the gate check and
		// this enqueue. Without a flush armed here the message would
		// sit until the next disconnect cycle.
		if p.mgr.Status() == connmgr.StatusConnected {
			p.scheduleFlushLocked()
		}
	}
	p.mu.Unlock()

	switch outcome {
	case enqAccepted:
		p.metrics.Buffered(ctx)
		return Result{Outcome: OutcomeBuffered}, nil
	case enqEvictedOldest:
		p.metrics.Buffered(ctx)
		p.metrics.BufferEvicted(ctx)
		p.logger.Warn("buffer full, oldest message evicted", "subject", env.Subject)
		return Result{Outcome: OutcomeBuffered}, nil
	case enqDroppedNewest:
		p.metrics.Dropped(ctx, metrics.ReasonBufferFull)
		p.logger.Warn("buffer full, message dropped", "subject", env.Subject)
		return Result{Outcome: OutcomeDropped}, nil
	default:
		p.metrics.Dropped(ctx, metrics.ReasonBufferFull)
		p.logger.Warn("buffer full, message rejected", "subject", env.Subject)
		return Result{Outcome: OutcomeDropped}, ErrBufferFull
	}
}

// deliverBatch pushes a flushed batch through the remaining stages
// concurrently and returns once every envelope has resolved. No
// ordering is guaranteed within a batch; callers needing strict order
// should disable batching.
func (p *Pipeline) deliverBatch(items []*envelope.Envelope) {
	var wg sync.WaitGroup
	for _, env := range items {
		wg.Add(1)
		go func(env *envelope.Envelope) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
			defer cancel()
			if _, err := p.deliver(ctx, env); err != nil && !errors.Is(err, ErrNotConnected) {
				p.logger.Warn("batched message delivery failed",
					"subject", env.Subject, "error", err)
			}
		}(env)
	}
	wg.Wait()
}

// resubmitDelayed re-enters a rate-delayed envelope into the pipeline.
// Its RateLimited flag makes the limiter stage pass it through.
func (p *Pipeline) resubmitDelayed(env *envelope.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()
	if _, err := p.Submit(ctx, env); err != nil && !errors.Is(err, ErrNotConnected) {
		p.logger.Warn("delayed message delivery failed",
			"subject", env.Subject, "error", err)
	}
}

// onStatus reacts to connection transitions from the shared manager.
func (p *Pipeline) onStatus(ev connmgr.StatusEvent) {
	switch ev.Status {
	case connmgr.StatusConnecting:
		p.metrics.Reconnect(context.Background())
	case connmgr.StatusConnected:
		go p.onConnected()
	default:
		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
	}
}

// onConnected refreshes the connection handle and schedules a buffer
// flush after the settle delay.
func (p *Pipeline) onConnected() {
	ctx, cancel := context.WithTimeout(p.lifeCtx, p.cfg.PublishTimeout)
	conn, err := p.mgr.Acquire(ctx, p.cfg.OwnerID)
	cancel()
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.conn = conn

	if p.buf == nil || p.buf.len() == 0 {
		return
	}
	p.scheduleFlushLocked()
}

// scheduleFlushLocked arms the settle-delay flush timer. Caller must
// hold p.mu.
func (p *Pipeline) scheduleFlushLocked() {
	if p.closed {
		return
	}
	if p.settleTimer != nil {
		p.settleTimer.Stop()
	}
	p.settleTimer = time.AfterFunc(p.cfg.Buffer.SettleDelay, p.flushBuffer)
}

// flushBuffer drains the durable buffer back through the connectivity
// stage. An explicit in-flight flag prevents overlapping flushes; the
// snapshot is re-queued untouched if connectivity dropped before the
// flush could start.
func (p *Pipeline) flushBuffer() {
	p.mu.Lock()
	if p.closed || p.buf == nil || p.flushInFlight || p.buf.len() == 0 {
		p.mu.Unlock()
		return
	}
	p.flushInFlight = true
	p.flushWG.Add(1)
	items := p.buf.drain()
	p.mu.Unlock()

	defer p.flushWG.Done()

	if p.mgr.Status() != connmgr.StatusConnected {
		p.mu.Lock()
		p.buf.requeueHead(items)
		p.flushInFlight = false
		p.mu.Unlock()
		return
	}

	results := make([]error, len(items))
	var wg sync.WaitGroup
	for i, env := range items {
		env.FromBuffer = true
		wg.Add(1)
		go func(i int, env *envelope.Envelope) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
			defer cancel()
			_, err := p.deliver(ctx, env)
			results[i] = err
		}(i, env)
	}
	wg.Wait()

	var failed []*envelope.Envelope
	delivered := 0
	for i, env := range items {
		if results[i] != nil {
			env.FromBuffer = false
			failed = append(failed, env)
		} else {
			delivered++
		}
	}
	p.metrics.BufferDrained(context.Background(), delivered)

	p.mu.Lock()
	p.buf.requeueHead(failed)
	empty := p.buf.len() == 0
	rec := p.buf.record(time.Now())
	p.flushInFlight = false
	// Messages can fail while the manager still reports connected, for
	// example when the handle had not been stored yet. Re-arm so the
	// requeued messages do not wait for another disconnect cycle.
	if !empty && p.mgr.Status() == connmgr.StatusConnected {
		p.scheduleFlushLocked()
	}
	p.mu.Unlock()

	if p.buf.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if empty {
			// Clear prior persisted state after a fully successful flush.
			if err := p.buf.store.Clear(ctx, p.cfg.OwnerID); err != nil {
				p.logger.Warn("buffer snapshot clear failed", "error", err)
			}
		} else {
			p.buf.persist(ctx, rec)
		}
		cancel()
	}

	p.logger.Info("buffer flush complete",
		"delivered", delivered,
		"requeued", len(failed))
}

// autosave persists the current buffer state. Runs on the debounced
// autosave timer.
func (p *Pipeline) autosave() {
	p.mu.Lock()
	if p.closed || p.buf == nil {
		p.mu.Unlock()
		return
	}
	p.buf.saveTimer = nil
	rec := p.buf.record(time.Now())
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.buf.persist(ctx, rec)
}

// BufferedCount reports the messages currently held in the durable
// buffer.
func (p *Pipeline) BufferedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return 0
	}
	return p.buf.len()
}

// DroppedCount reports the messages dropped by buffer overflow since
// start (including counts restored from a snapshot).
func (p *Pipeline) DroppedCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return 0
	}
	return p.buf.dropped
}

// Close clears all pending timers, waits for in-flight flushes, takes
// a final best-effort snapshot of any undelivered messages and
// releases the shared connection. No new network I/O is started.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.settleTimer != nil {
		p.settleTimer.Stop()
		p.settleTimer = nil
	}
	if p.buf != nil {
		p.buf.stopTimers()
	}
	p.mu.Unlock()

	if p.cancelStatus != nil {
		p.cancelStatus()
	}
	p.lifeCancel()

	var rest []*envelope.Envelope
	if p.batch != nil {
		rest = append(rest, p.batch.stop()...)
	}
	if p.delay != nil {
		rest = append(rest, p.delay.stop()...)
	}
	p.flushWG.Wait()

	if p.buf != nil {
		p.mu.Lock()
		for _, env := range rest {
			env.ClearFlags()
			p.buf.enqueue(env)
		}
		nonEmpty := p.buf.len() > 0
		rec := p.buf.record(time.Now())
		p.mu.Unlock()

		if nonEmpty && p.buf.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.buf.persist(ctx, rec)
			cancel()
		}
	}

	p.mgr.Release(p.cfg.OwnerID)
	return nil
}
