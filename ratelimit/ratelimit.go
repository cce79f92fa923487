// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides the token bucket admitting outbound
// messages into the publish pipeline.
package ratelimit

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Action determines what happens to a message that exceeds the rate.
type Action string

// Rate limit actions.
const (
	ActionDrop     Action = "drop"      // discard silently
	ActionDropWarn Action = "drop-warn" // discard and emit a warning
	ActionDelay    Action = "delay"     // queue and re-submit once tokens replenish
)

// Config holds token bucket settings.
type Config struct {
	Enabled bool          `yaml:"enabled"`
	Rate    float64       `yaml:"rate"`   // tokens replenished per window
	Window  time.Duration `yaml:"window"` // refill window
	Burst   int           `yaml:"burst"`  // extra capacity on top of rate
	Action  Action        `yaml:"action"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Rate:    100,
		Window:  time.Second,
		Burst:   20,
		Action:  ActionDelay,
	}
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Rate <= 0 {
		return fmt.Errorf("rate limit rate must be positive, got %v", c.Rate)
	}
	if c.Burst < 0 {
		return fmt.Errorf("rate limit burst must not be negative, got %d", c.Burst)
	}
	if c.Window <= 0 {
		c.Window = time.Second
	}
	switch c.Action {
	case ActionDrop, ActionDropWarn, ActionDelay:
	case "":
		c.Action = ActionDelay
	default:
		return fmt.Errorf("unknown rate limit action %q", c.Action)
	}
	return nil
}

// Limiter is a token bucket with capacity rate+burst, refilled
// continuously at rate tokens per window.
type Limiter struct {
	limiter *rate.Limiter
	action  Action
	now     func() time.Time
}

// New creates a limiter from the given configuration.
func New(cfg Config) *Limiter {
	perSec := cfg.Rate / cfg.Window.Seconds()
	capacity := int(cfg.Rate) + cfg.Burst
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(perSec), capacity),
		action:  cfg.Action,
		now:     time.Now,
	}
}

// Allow consumes one token if available.
func (l *Limiter) Allow() bool {
	return l.limiter.AllowN(l.now(), 1)
}

// ReserveDelay consumes one token unconditionally and returns how long
// the caller must wait before acting on it. Used by the delay action.
func (l *Limiter) ReserveDelay() time.Duration {
	now := l.now()
	return l.limiter.ReserveN(now, 1).DelayFrom(now)
}

// Action returns the configured overflow action.
func (l *Limiter) Action() Action {
	return l.action
}

// Tokens reports the tokens currently available.
func (l *Limiter) Tokens() float64 {
	return l.limiter.TokensAt(l.now())
}
