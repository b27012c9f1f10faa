// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package slowdown computes the artificial delay applied to clients that
// are admitted but sending faster than their free allowance. The delay is
// advisory: the engine returns it and the middleware layer decides how to
// enforce the wait, keeping this package free of blocking primitives.
package slowdown

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/gatekeeper/pkg/govern/counters"
)

// ConfigError is the class of slowdown configuration errors.
var ConfigError = errs.Class("slowdown configuration")

// Config tunes the progressive slowdown.
type Config struct {
	FreeAllowance int64         `user:"true" help:"number of admitted requests within a window before artificial delay starts" default:"10"`
	Increment     time.Duration `user:"true" help:"delay added for every request beyond the free allowance" default:"100ms"`
	MaxDelay      time.Duration `user:"true" help:"upper bound for the artificial delay" default:"5s"`
}

// Slowdown tracks per-client request pacing in a counter store. The
// counter shares the window of the client's tier rule, so the delay
// resets together with the quota it accompanies.
type Slowdown struct {
	config Config
	store  counters.Store
}

// New validates config and constructs a Slowdown.
func New(config Config, store counters.Store) (*Slowdown, error) {
	if config.FreeAllowance < 0 {
		return nil, ConfigError.New("FreeAllowance cannot be negative")
	}
	if config.Increment <= 0 {
		return nil, ConfigError.New("Increment cannot be zero or negative")
	}
	if config.MaxDelay < config.Increment {
		return nil, ConfigError.New("MaxDelay cannot be smaller than Increment")
	}
	return &Slowdown{config: config, store: store}, nil
}

// DelayFor advances the pacing counter for identity and returns the delay
// the current request should be held for. It is called once per admitted
// request. Store trouble never delays anyone: pacing is a comfort
// feature, not a quota.
func (s *Slowdown) DelayFor(ctx context.Context, identity string, window time.Duration) time.Duration {
	count, _, err := s.store.Increment(ctx, "slowdown|"+identity, window)
	if err != nil {
		return 0
	}

	over := count - s.config.FreeAllowance
	if over <= 0 {
		return 0
	}

	delay := time.Duration(over) * s.config.Increment
	if delay > s.config.MaxDelay {
		delay = s.config.MaxDelay
	}
	return delay
}
