// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(cfg)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowSaturates(t *testing.T) {
	l, _ := newTestLimiter(Config{
		Enabled: true,
		Rate:    10,
		Window:  time.Second,
		Burst:   5,
		Action:  ActionDrop,
	})

	// Capacity is rate + burst.
	for i := 0; i < 15; i++ {
		if !l.Allow() {
			t.Fatalf("token %d denied, want 15 available", i)
		}
	}
	if l.Allow() {
		t.Fatal("token 16 allowed, bucket should be empty")
	}
}

func TestRefill(t *testing.T) {
	l, now := newTestLimiter(Config{
		Enabled: true,
		Rate:    10,
		Window:  time.Second,
		Action:  ActionDrop,
	})

	for l.Allow() {
	}

	// 10 tokens per second: half a second refills 5.
	*now = now.Add(500 * time.Millisecond)
	granted := 0
	for l.Allow() {
		granted++
	}
	if granted != 5 {
		t.Fatalf("granted = %d after 500ms refill, want 5", granted)
	}
}

func TestWindowScalesRate(t *testing.T) {
	// 60 per minute is 1 per second.
	l, now := newTestLimiter(Config{
		Enabled: true,
		Rate:    60,
		Window:  time.Minute,
		Action:  ActionDrop,
	})

	for l.Allow() {
	}
	*now = now.Add(3 * time.Second)
	granted := 0
	for l.Allow() {
		granted++
	}
	if granted != 3 {
		t.Fatalf("granted = %d after 3s at 1/s, want 3", granted)
	}
}

func TestReserveDelay(t *testing.T) {
	l, _ := newTestLimiter(Config{
		Enabled: true,
		Rate:    10,
		Window:  time.Second,
		Action:  ActionDelay,
	})

	for l.Allow() {
	}

	// Bucket empty: next token arrives in 1/10s.
	if d := l.ReserveDelay(); d != 100*time.Millisecond {
		t.Fatalf("ReserveDelay() = %v, want 100ms", d)
	}
	// Each further reservation queues behind the previous one.
	if d := l.ReserveDelay(); d != 200*time.Millisecond {
		t.Fatalf("second ReserveDelay() = %v, want 200ms", d)
	}
}

func TestReserveDelayWithTokens(t *testing.T) {
	l, _ := newTestLimiter(DefaultConfig())
	if d := l.ReserveDelay(); d != 0 {
		t.Fatalf("ReserveDelay() with tokens = %v, want 0", d)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		desc string
		cfg  Config
		err  bool
	}{
		{desc: "disabled skips checks", cfg: Config{Enabled: false, Rate: -1}},
		{desc: "valid", cfg: Config{Enabled: true, Rate: 10, Window: time.Second, Action: ActionDrop}},
		{desc: "zero rate", cfg: Config{Enabled: true, Rate: 0}, err: true},
		{desc: "negative burst", cfg: Config{Enabled: true, Rate: 1, Burst: -1}, err: true},
		{desc: "unknown action", cfg: Config{Enabled: true, Rate: 1, Action: "explode"}, err: true},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.err && err == nil {
			t.Errorf("%s: expected error", tc.desc)
		}
		if !tc.err && err != nil {
			t.Errorf("%s: unexpected error %v", tc.desc, err)
		}
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Config{Enabled: true, Rate: 5}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Window != time.Second {
		t.Errorf("window = %v, want 1s default", cfg.Window)
	}
	if cfg.Action != ActionDelay {
		t.Errorf("action = %q, want delay default", cfg.Action)
	}
}
