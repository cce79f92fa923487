// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the OpenTelemetry instruments for the publish
// pipeline. A nil *Metrics is a valid no-op receiver so callers never
// need to guard instrumentation sites.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Drop reasons recorded on the dropped counter.
const (
	ReasonBufferFull   = "buffer_full"
	ReasonRateLimit    = "rate_limit"
	ReasonNotConnected = "not_connected"
	ReasonSerialize    = "serialize"
	ReasonTransport    = "transport"
)

// Metrics holds pipeline metric instruments.
type Metrics struct {
	delivered   metric.Int64Counter
	buffered    metric.Int64Counter
	dropped     metric.Int64Counter
	rateLimited metric.Int64Counter
	reconnects  metric.Int64Counter

	bufferDepth metric.Int64UpDownCounter

	publishDuration metric.Float64Histogram
}

// New creates a Metrics instance with all instruments registered on the
// global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter("natspipe")
	m := &Metrics{}

	var err error
	if m.delivered, err = meter.Int64Counter(
		"natspipe.messages.delivered.total",
		metric.WithDescription("Messages acknowledged by the broker"),
	); err != nil {
		return nil, fmt.Errorf("create delivered counter: %w", err)
	}

	if m.buffered, err = meter.Int64Counter(
		"natspipe.messages.buffered.total",
		metric.WithDescription("Messages held in the durable buffer while disconnected"),
	); err != nil {
		return nil, fmt.Errorf("create buffered counter: %w", err)
	}

	if m.dropped, err = meter.Int64Counter(
		"natspipe.messages.dropped.total",
		metric.WithDescription("Messages dropped, by reason"),
	); err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}

	if m.rateLimited, err = meter.Int64Counter(
		"natspipe.messages.rate_limited.total",
		metric.WithDescription("Messages deferred or discarded by the rate limiter"),
	); err != nil {
		return nil, fmt.Errorf("create rate-limited counter: %w", err)
	}

	if m.reconnects, err = meter.Int64Counter(
		"natspipe.reconnects.total",
		metric.WithDescription("Reconnection attempts"),
	); err != nil {
		return nil, fmt.Errorf("create reconnects counter: %w", err)
	}

	if m.bufferDepth, err = meter.Int64UpDownCounter(
		"natspipe.buffer.depth",
		metric.WithDescription("Messages currently in the durable buffer"),
	); err != nil {
		return nil, fmt.Errorf("create buffer depth gauge: %w", err)
	}

	if m.publishDuration, err = meter.Float64Histogram(
		"natspipe.publish.duration",
		metric.WithDescription("Publish round-trip duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create publish duration histogram: %w", err)
	}

	return m, nil
}

// Delivered records a broker-acknowledged publish.
func (m *Metrics) Delivered(ctx context.Context, subject string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("subject", subject))
	m.delivered.Add(ctx, 1, attrs)
	m.publishDuration.Record(ctx, d.Seconds(), attrs)
}

// Buffered records a message entering the durable buffer.
func (m *Metrics) Buffered(ctx context.Context) {
	if m == nil {
		return
	}
	m.buffered.Add(ctx, 1)
	m.bufferDepth.Add(ctx, 1)
}

// BufferDrained records n messages leaving the durable buffer.
func (m *Metrics) BufferDrained(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.bufferDepth.Add(ctx, -int64(n))
}

// BufferEvicted records a buffered message evicted to make room for a
// newer one. The eviction is a drop and takes the evicted message out
// of the depth gauge.
func (m *Metrics) BufferEvicted(ctx context.Context) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", ReasonBufferFull)))
	m.bufferDepth.Add(ctx, -1)
}

// BufferRestored records n messages re-entering the buffer from a
// persisted snapshot.
func (m *Metrics) BufferRestored(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.bufferDepth.Add(ctx, int64(n))
}

// Dropped records a dropped message with its reason.
func (m *Metrics) Dropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RateLimited records a rate limiter rejection or deferral.
func (m *Metrics) RateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1)
}

// Reconnect records a reconnection attempt.
func (m *Metrics) Reconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}
