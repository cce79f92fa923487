// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the narrow boundary to the underlying
// broker client: dialing, publishing and connection status reporting.
// The reconnection and buffering machinery never talks to a concrete
// broker library directly.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/natspipe/natspipe/envelope"
)

// Transport errors.
var (
	ErrTimeout     = errors.New("transport: request timed out")
	ErrUnavailable = errors.New("transport: broker unavailable")
	ErrClosed      = errors.New("transport: connection closed")
)

// Ack is the broker acknowledgment for a published message.
type Ack struct {
	Stream    string
	Sequence  uint64
	Duplicate bool
}

// PublishOpts carries the per-message publish parameters.
type PublishOpts struct {
	Header     envelope.Header
	Expiration time.Duration
	MsgID      string
}

// EventKind marks a connection status transition reported by the
// underlying client. Client-side reconnection is disabled everywhere,
// so a link only ever degrades: transient errors, then disconnect.
type EventKind int

// Connection status transitions.
const (
	EventDisconnected EventKind = iota
	EventError
)

// Event is a single transition in the connection status stream.
type Event struct {
	Kind EventKind
	Err  error
}

// Conn is a live connection handle to the broker.
type Conn interface {
	// Publish sends a message and waits for the broker acknowledgment.
	Publish(ctx context.Context, subject string, data []byte, opts PublishOpts) (Ack, error)

	// Status returns the stream of connection transitions. The channel
	// is closed when the connection is closed.
	Status() <-chan Event

	// Ping verifies broker reachability.
	Ping(ctx context.Context) error

	// Close terminates the connection.
	Close() error
}

// Dialer establishes connections to a broker endpoint set.
type Dialer interface {
	Dial(ctx context.Context, endpoints []string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoints []string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, endpoints []string) (Conn, error) {
	return f(ctx, endpoints)
}
