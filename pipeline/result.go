// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import "github.com/natspipe/natspipe/transport"

// Outcome describes what the pipeline did with a submitted message.
type Outcome int

// Delivery outcomes.
const (
	// OutcomeDelivered means the broker acknowledged the message.
	OutcomeDelivered Outcome = iota
	// OutcomeBuffered means the message was held in the durable buffer.
	OutcomeBuffered
	// OutcomeQueued means the message joined a batch or delay queue and
	// will be delivered asynchronously.
	OutcomeQueued
	// OutcomeRateLimited means the rate limiter discarded the message.
	OutcomeRateLimited
	// OutcomeDropped means the message was discarded.
	OutcomeDropped
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeQueued:
		return "queued"
	case OutcomeRateLimited:
		return "rate-limited"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Result is the delivery outcome of a Submit call. Ack is only
// meaningful when Outcome is OutcomeDelivered.
type Result struct {
	Outcome Outcome
	Ack     transport.Ack
}
