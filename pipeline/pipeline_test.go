// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/natspipe/natspipe/connmgr"
	"github.com/natspipe/natspipe/envelope"
	"github.com/natspipe/natspipe/metrics"
	"github.com/natspipe/natspipe/ratelimit"
	"github.com/natspipe/natspipe/snapshot"
	"github.com/natspipe/natspipe/transport"
)

type pipeConn struct {
	events    chan transport.Event
	closeOnce sync.Once

	mu         sync.Mutex
	published  []string
	publishErr error
	dropOnErr  bool // close the status stream on the first failed publish
	calls      int
}

func newPipeConn() *pipeConn {
	return &pipeConn{events: make(chan transport.Event, 4)}
}

func (c *pipeConn) Publish(_ context.Context, subject string, _ []byte, _ transport.PublishOpts) (transport.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.publishErr != nil {
		if c.dropOnErr {
			c.closeOnce.Do(func() {
				c.events <- transport.Event{Kind: transport.EventDisconnected, Err: c.publishErr}
				close(c.events)
			})
		}
		return transport.Ack{}, c.publishErr
	}
	c.published = append(c.published, subject)
	return transport.Ack{Stream: "test", Sequence: uint64(len(c.published))}, nil
}

func (c *pipeConn) Status() <-chan transport.Event { return c.events }

func (c *pipeConn) Ping(context.Context) error { return nil }

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *pipeConn) publishedSubjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.published...)
}

func (c *pipeConn) publishCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type pipeDialer struct {
	gate chan struct{}

	mu    sync.Mutex
	conns []*pipeConn
	next  *pipeConn // used for the next dial when set
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{gate: make(chan struct{}, 16)}
}

func (d *pipeDialer) allow(n int) {
	for i := 0; i < n; i++ {
		d.gate <- struct{}{}
	}
}

func (d *pipeDialer) Dial(ctx context.Context, _ []string) (transport.Conn, error) {
	select {
	case <-d.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.next
	if c == nil {
		c = newPipeConn()
	}
	d.next = nil
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *pipeDialer) lastConn() *pipeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// memStore is an in-memory snapshot store tracking calls.
type memStore struct {
	mu      sync.Mutex
	rec     snapshot.Record
	ok      bool
	saves   int
	cleared bool
}

func (s *memStore) Save(_ context.Context, rec snapshot.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
	s.ok = true
	s.saves++
	s.cleared = false
	return nil
}

func (s *memStore) Load(context.Context, string) (snapshot.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, s.ok, nil
}

func (s *memStore) Clear(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = snapshot.Record{}
	s.ok = false
	s.cleared = true
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) wasCleared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

func (s *memStore) saved() (snapshot.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, s.ok
}

func newTestManager(t *testing.T, d transport.Dialer) *connmgr.Manager {
	t.Helper()
	cfg := connmgr.DefaultConfig()
	cfg.Endpoints = []string{"nats://test:4222"}
	cfg.DialTimeout = time.Hour
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	m, err := connmgr.New(d, cfg, discardLogger())
	if err != nil {
		t.Fatalf("connmgr.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func testPipelineConfig() Config {
	cfg := DefaultConfig()
	cfg.OwnerID = "test-pipeline"
	cfg.PublishTimeout = 2 * time.Second
	cfg.Buffer.AutosaveInterval = 0
	cfg.Buffer.SettleDelay = time.Millisecond
	return cfg
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (p *Pipeline) waitConnected(t *testing.T) {
	t.Helper()
	waitUntil(t, 2*time.Second, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.conn != nil
	}, "pipeline never received a connection handle")
}

func TestSubmitDelivered(t *testing.T) {
	d := newPipeDialer()
	d.allow(1)
	mgr := newTestManager(t, d)

	p, err := New(mgr, nil, testPipelineConfig(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	p.waitConnected(t)

	res, err := p.Submit(context.Background(), envelope.New("orders.new", []byte("1")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Outcome != OutcomeDelivered {
		t.Fatalf("outcome = %v, want delivered", res.Outcome)
	}
	if res.Ack.Sequence != 1 {
		t.Errorf("ack sequence = %d, want 1", res.Ack.Sequence)
	}
}

func TestSubmitValidation(t *testing.T) {
	d := newPipeDialer()
	mgr := newTestManager(t, d)
	p, err := New(mgr, nil, testPipelineConfig(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if _, err := p.Submit(context.Background(), nil); !errors.Is(err, ErrSerialize) {
		t.Errorf("nil envelope err = %v, want ErrSerialize", err)
	}
	if _, err := p.Submit(context.Background(), envelope.New("", nil)); !errors.Is(err, ErrInvalidSubject) {
		t.Errorf("empty subject err = %v, want ErrInvalidSubject", err)
	}
}

func TestBufferWhileDisconnected(t *testing.T) {
	d := newPipeDialer() // no dial permits: stays disconnected
	mgr := newTestManager(t, d)

	p, err := New(mgr, nil, testPipelineConfig(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	for i, s := range []string{"a", "b", "c"} {
		res, err := p.Submit(context.Background(), envelope.New(s, nil))
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if res.Outcome != OutcomeBuffered {
			t.Fatalf("outcome %d = %v, want buffered", i, res.Outcome)
		}
	}
	if got := p.BufferedCount(); got != 3 {
		t.Fatalf("BufferedCount = %d, want 3", got)
	}
}

func TestFlushOnReconnect(t *testing.T) {
	d := newPipeDialer()
	mgr := newTestManager(t, d)
	store := &memStore{}

	p, err := New(mgr, store, testPipelineConfig(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	for _, s := range []string{"a", "b", "c"} {
		p.Submit(context.Background(), envelope.New(s, nil))
	}

	// Let the pending dial through; the connect event triggers the
	// settle timer and then the flush.
	d.allow(1)
	waitUntil(t, 2*time.Second, func() bool {
		c := d.lastConn()
		return c != nil && p.BufferedCount() == 0 && len(c.publishedSubjects()) == 3
	}, "buffer was not flushed after reconnect")

	got := d.lastConn().publishedSubjects()
	seen := map[string]bool{}
	for _, s := range got {
		seen[s] = true
	}
	if !seen["a"] || !seen["b"] || !seen["c"] {
		t.Fatalf("published = %v, want all of a, b, c", got)
	}

	// A fully successful flush clears the persisted snapshot.
	waitUntil(t, time.Second, store.wasCleared, "persisted snapshot was not cleared")
}

func TestFlushWhenBufferedAfterConnect(t *testing.T) {
	d := newPipeDialer()
	d.allow(1)
	mgr := newTestManager(t, d)

	p, err := New(mgr, nil, testPipelineConfig(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	p.waitConnected(t)

	// Simulate a submit that saw the gate down just before the handle
	// was stored: drop the handle, buffer a message, then put it back.
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	res, err := p.Submit(context.Background(), envelope.New("late", nil))
	if err != nil || res.Outcome != OutcomeBuffered {
		t.Fatalf("submit = %v, %v, want buffered", res.Outcome, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	// No status transition happens here. The flush armed at enqueue
	// time must deliver the message on its own.
	waitUntil(t, 2*time.Second, func() bool {
		c := d.lastConn()
		return c != nil && p.BufferedCount() == 0 && len(c.publishedSubjects()) == 1
	}, "buffered message was not flushed while connected")
}

func TestBufferDepthTracksEvictions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	m, err := metrics.New()
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}

	d := newPipeDialer() // no dial permits: stays disconnected
	mgr := newTestManager(t, d)

	cfg := testPipelineConfig()
	cfg.Buffer.Capacity = 1

	p, err := New(mgr, nil, cfg, discardLogger(), m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	p.Submit(context.Background(), envelope.New("a", nil))
	p.Submit(context.Background(), envelope.New("b", nil)) // evicts "a"

	if got := p.BufferedCount(); got != 1 {
		t.Fatalf("BufferedCount = %d, want 1", got)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var depth, dropped int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			switch md.Name {
			case "natspipe.buffer.depth":
				depth = total
			case "natspipe.messages.dropped.total":
				dropped = total
			}
		}
	}
	if depth != 1 {
		t.Errorf("buffer depth gauge = %d, want 1 to match the queue", depth)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1 for the evicted message", dropped)
	}
}

func TestNoDoubleBuffering(t *testing.T) {
	d := newPipeDialer()
	mgr := newTestManager(t, d)

	// The connection accepts the dial but fails every publish as if the
	// link died right after connecting, dropping its status stream the
	// way a real dead link does.
	broken := newPipeConn()
	broken.publishErr = transport.ErrClosed
	broken.dropOnErr = true
	d.mu.Lock()
	d.next = broken
	d.mu.Unlock()

	p, err := New(mgr, nil, testPipelineConfig(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	p.Submit(context.Background(), envelope.New("a", nil))
	p.Submit(context.Background(), envelope.New("b", nil))

	d.allow(1)
	// The flush drains both, fails both, and re-queues each exactly once.
	waitUntil(t, 2*time.Second, func() bool {
		return broken.publishCalls() >= 2 && p.BufferedCount() == 2
	}, "failed flush did not re-queue messages")

	time.Sleep(20 * time.Millisecond)
	if got := broken.publishCalls(); got != 2 {
		t.Fatalf("publish calls = %d, want exactly 2 (one attempt per message)", got)
	}
	if got := p.BufferedCount(); got != 2 {
		t.Fatalf("BufferedCount = %d, want 2 with no duplicates", got)
	}
}

func TestSnapshotRestoredOnStart(t *testing.T) {
	d := newPipeDialer()
	mgr := newTestManager(t, d)

	store := &memStore{}
	store.rec = snapshot.Record{
		Queue: []*envelope.Envelope{
			envelope.New("restored.a", nil),
			envelope.New("restored.b", nil),
		},
		DroppedCount: 3,
		SavedAt:      time.Now(),
		OwnerID:      "test-pipeline",
	}
	store.ok = true

	p, err := New(mgr, store, testPipelineConfig(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if got := p.BufferedCount(); got != 2 {
		t.Fatalf("BufferedCount = %d, want 2 restored", got)
	}
	if got := p.DroppedCount(); got != 3 {
		t.Fatalf("DroppedCount = %d, want 3 restored", got)
	}

	// Once the connection comes up the restored messages flush out.
	d.allow(1)
	waitUntil(t, 2*time.Second, func() bool {
		return p.BufferedCount() == 0
	}, "restored buffer was not flushed")
}

func TestCloseTakesFinalSnapshot(t *testing.T) {
	d := newPipeDialer()
	mgr := newTestManager(t, d)
	store := &memStore{}

	p, err := New(mgr, store, testPipelineConfig(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Submit(context.Background(), envelope.New("a", nil))
	p.Submit(context.Background(), envelope.New("b", nil))

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec, ok := store.saved()
	if !ok {
		t.Fatal("Close did not persist a final snapshot")
	}
	if len(rec.Queue) != 2 {
		t.Fatalf("snapshot queue = %d, want 2", len(rec.Queue))
	}

	if _, err := p.Submit(context.Background(), envelope.New("c", nil)); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("Submit after Close = %v, want ErrPipelineClosed", err)
	}
}

func TestRateLimitDrop(t *testing.T) {
	d := newPipeDialer()
	d.allow(1)
	mgr := newTestManager(t, d)

	cfg := testPipelineConfig()
	cfg.RateLimit = ratelimit.Config{
		Enabled: true,
		Rate:    1,
		Window:  time.Minute,
		Action:  ratelimit.ActionDrop,
	}

	p, err := New(mgr, nil, cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	p.waitConnected(t)

	res, err := p.Submit(context.Background(), envelope.New("a", nil))
	if err != nil || res.Outcome != OutcomeDelivered {
		t.Fatalf("first submit = %v, %v", res.Outcome, err)
	}
	res, err = p.Submit(context.Background(), envelope.New("b", nil))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if res.Outcome != OutcomeRateLimited {
		t.Fatalf("second outcome = %v, want rate limited", res.Outcome)
	}
}

func TestRateLimitDropWarn(t *testing.T) {
	d := newPipeDialer()
	d.allow(1)
	mgr := newTestManager(t, d)

	cfg := testPipelineConfig()
	cfg.RateLimit = ratelimit.Config{
		Enabled: true,
		Rate:    1,
		Window:  time.Minute,
		Action:  ratelimit.ActionDropWarn,
	}

	p, err := New(mgr, nil, cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	p.waitConnected(t)

	if res, err := p.Submit(context.Background(), envelope.New("a", nil)); err != nil || res.Outcome != OutcomeDelivered {
		t.Fatalf("first submit = %v, %v", res.Outcome, err)
	}

	// Unlike plain drop, drop-warn surfaces the drop as a hard failure.
	res, err := p.Submit(context.Background(), envelope.New("b", nil))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second submit err = %v, want ErrRateLimited", err)
	}
	if res.Outcome != OutcomeRateLimited {
		t.Fatalf("second outcome = %v, want rate limited", res.Outcome)
	}
}

func TestRateLimitDelay(t *testing.T) {
	d := newPipeDialer()
	d.allow(1)
	mgr := newTestManager(t, d)

	cfg := testPipelineConfig()
	cfg.RateLimit = ratelimit.Config{
		Enabled: true,
		Rate:    1,
		Window:  10 * time.Millisecond,
		Action:  ratelimit.ActionDelay,
	}

	p, err := New(mgr, nil, cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	p.waitConnected(t)

	first, err := p.Submit(context.Background(), envelope.New("a", nil))
	if err != nil || first.Outcome != OutcomeDelivered {
		t.Fatalf("first submit = %v, %v", first.Outcome, err)
	}
	second, err := p.Submit(context.Background(), envelope.New("b", nil))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Outcome != OutcomeQueued {
		t.Fatalf("second outcome = %v, want queued", second.Outcome)
	}

	// The delayed message is re-submitted once a token replenishes.
	waitUntil(t, 2*time.Second, func() bool {
		return len(d.lastConn().publishedSubjects()) == 2
	}, "delayed message was never delivered")
}

func TestBatchingEndToEnd(t *testing.T) {
	d := newPipeDialer()
	d.allow(1)
	mgr := newTestManager(t, d)

	cfg := testPipelineConfig()
	cfg.Batch = BatchConfig{Enabled: true, Mode: BatchSize, Size: 2}

	p, err := New(mgr, nil, cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	p.waitConnected(t)

	for _, s := range []string{"a", "b"} {
		res, err := p.Submit(context.Background(), envelope.New(s, nil))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if res.Outcome != OutcomeQueued {
			t.Fatalf("outcome = %v, want queued", res.Outcome)
		}
	}

	waitUntil(t, 2*time.Second, func() bool {
		return len(d.lastConn().publishedSubjects()) == 2
	}, "batch was never flushed to the broker")
}
