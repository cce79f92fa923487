// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connmgr

import (
	"math"
	"math/rand"
	"time"
)

// Backoff defaults.
const (
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultJitterRatio = 0.2
	minReconnectDelay  = 1 * time.Second
)

// backoff computes reconnect delays: base doubled per failed attempt,
// capped at max, with uniform jitter applied on top. The jittered
// result never drops below one second so mass reconnects cannot
// collapse into a tight retry loop.
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64
	floor  time.Duration
	rng    *rand.Rand
}

func newBackoff(base, max time.Duration, jitter float64) *backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if jitter < 0 || jitter >= 1 {
		jitter = DefaultJitterRatio
	}
	return &backoff{
		base:   base,
		max:    max,
		jitter: jitter,
		floor:  minReconnectDelay,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// delay returns the delay before the given attempt (1-based).
func (b *backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.base) * math.Pow(2, float64(attempt-1))
	if d > float64(b.max) {
		d = float64(b.max)
	}

	// Uniform jitter in [-jitter, +jitter] of the computed delay.
	if b.jitter > 0 {
		d += d * b.jitter * (2*b.rng.Float64() - 1)
	}

	if d < float64(b.floor) {
		d = float64(b.floor)
	}
	return time.Duration(d)
}

// exact returns the delay for the given attempt without jitter.
// Used by tests to verify the monotonic envelope.
func (b *backoff) exact(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.base) * math.Pow(2, float64(attempt-1))
	if d > float64(b.max) {
		d = float64(b.max)
	}
	return time.Duration(d)
}
