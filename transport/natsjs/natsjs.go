// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package natsjs adapts a NATS JetStream client to the transport
// boundary consumed by the connection manager and publish pipeline.
// Client-side reconnection is disabled: the connection manager owns
// the retry policy, so a dropped link surfaces as a closed status
// stream and a fresh dial.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/natspipe/natspipe/transport"
)

const statusChanSize = 16

// Dialer dials NATS servers and wraps connections for the transport
// boundary.
type Dialer struct {
	logger *slog.Logger
	opts   []nats.Option
}

// NewDialer creates a dialer. Extra nats.Options (credentials, TLS,
// client name) are applied to every dial.
func NewDialer(logger *slog.Logger, opts ...nats.Option) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{logger: logger, opts: opts}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, endpoints []string) (transport.Conn, error) {
	events := make(chan transport.Event, statusChanSize)
	var closeEvents sync.Once

	opts := []nats.Option{
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			sendEvent(events, transport.Event{Kind: transport.EventError, Err: err})
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			sendEvent(events, transport.Event{Kind: transport.EventError, Err: err})
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			sendEvent(events, transport.Event{Kind: transport.EventDisconnected, Err: nc.LastError()})
			closeEvents.Do(func() { close(events) })
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	opts = append(opts, d.opts...)

	nc, err := nats.Connect(strings.Join(endpoints, ","), opts...)
	if err != nil {
		return nil, mapError(err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "nats-ping",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	d.logger.Debug("nats connected", "server", nc.ConnectedUrl())
	return &Conn{nc: nc, js: js, events: events, breaker: breaker}, nil
}

// Conn wraps a live NATS connection with its JetStream context.
type Conn struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	events  chan transport.Event
	breaker *gobreaker.CircuitBreaker
}

// Publish implements transport.Conn.
func (c *Conn) Publish(ctx context.Context, subject string, data []byte, opts transport.PublishOpts) (transport.Ack, error) {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	for _, f := range opts.Header {
		for _, v := range f.Values {
			msg.Header.Add(f.Key, v)
		}
	}
	if opts.Expiration > 0 {
		// Per-message TTL, honored by servers with allow_msg_ttl.
		msg.Header.Set("Nats-TTL", fmt.Sprintf("%ds", int(opts.Expiration.Seconds())))
	}

	pubOpts := []nats.PubOpt{nats.Context(ctx)}
	if opts.MsgID != "" {
		pubOpts = append(pubOpts, nats.MsgId(opts.MsgID))
	}

	ack, err := c.js.PublishMsg(msg, pubOpts...)
	if err != nil {
		return transport.Ack{}, mapError(err)
	}
	return transport.Ack{
		Stream:    ack.Stream,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
	}, nil
}

// Status implements transport.Conn.
func (c *Conn) Status() <-chan transport.Event {
	return c.events
}

// Ping verifies broker reachability with a round trip. A circuit
// breaker makes repeated probes fail fast while the server is gone.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.nc.FlushWithContext(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return transport.ErrUnavailable
	}
	if err != nil {
		return mapError(err)
	}
	return nil
}

// Close implements transport.Conn. The closed handler installed at
// dial time emits the final status event and closes the stream.
func (c *Conn) Close() error {
	c.nc.Close()
	return nil
}

func sendEvent(ch chan transport.Event, ev transport.Event) {
	select {
	case ch <- ev:
	default:
		// A stalled consumer must not block the NATS callback thread.
	}
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	case errors.Is(err, nats.ErrNoServers), errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrConnectionReconnecting):
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	default:
		return err
	}
}
