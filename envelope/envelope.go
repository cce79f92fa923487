// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package envelope defines the unit of outbound messaging shared by the
// publish pipeline, the durable buffer and the snapshot stores.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is a single outbound message flowing through the pipeline.
// Internal flags are set as the envelope passes pipeline stages and are
// never persisted.
type Envelope struct {
	Subject    string        `json:"subject"`
	Payload    []byte        `json:"payload"`
	Header     Header        `json:"header,omitempty"`
	Expiration time.Duration `json:"expiration,omitempty"`
	MsgID      string        `json:"msg_id,omitempty"`

	// Processing flags. Re-derived after a snapshot restore.
	FromBuffer  bool `json:"-"`
	FromBatch   bool `json:"-"`
	RateLimited bool `json:"-"`

	sizeBytes int
}

// New creates an envelope for the given subject and payload with a
// generated message ID.
func New(subject string, payload []byte) *Envelope {
	return &Envelope{
		Subject: subject,
		Payload: payload,
		MsgID:   uuid.NewString(),
	}
}

// Size returns the estimated wire size of the envelope in bytes.
// The value is computed once and cached.
func (e *Envelope) Size() int {
	if e.sizeBytes == 0 {
		n := len(e.Subject) + len(e.Payload)
		for _, f := range e.Header {
			n += len(f.Key)
			for _, v := range f.Values {
				n += len(v)
			}
		}
		if n == 0 {
			n = 1
		}
		e.sizeBytes = n
	}
	return e.sizeBytes
}

// ClearFlags resets the processing flags, e.g. before persisting.
func (e *Envelope) ClearFlags() {
	e.FromBuffer = false
	e.FromBatch = false
	e.RateLimited = false
}

// Field is a single header key with its ordered values.
type Field struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

// Header is an ordered key to value-list mapping. Insertion order is
// preserved, unlike a plain map, so batched and persisted messages
// round-trip deterministically.
type Header []Field

// Add appends a value to the given key, creating the key if needed.
func (h Header) Add(key, value string) Header {
	for i := range h {
		if h[i].Key == key {
			h[i].Values = append(h[i].Values, value)
			return h
		}
	}
	return append(h, Field{Key: key, Values: []string{value}})
}

// Get returns the first value for the given key, or "".
func (h Header) Get(key string) string {
	for i := range h {
		if h[i].Key == key && len(h[i].Values) > 0 {
			return h[i].Values[0]
		}
	}
	return ""
}

// Values returns all values for the given key.
func (h Header) Values(key string) []string {
	for i := range h {
		if h[i].Key == key {
			return h[i].Values
		}
	}
	return nil
}

// Clone returns a deep copy of the header.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	cp := make(Header, len(h))
	for i, f := range h {
		cp[i] = Field{Key: f.Key, Values: append([]string(nil), f.Values...)}
	}
	return cp
}
