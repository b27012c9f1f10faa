// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package counters provides the window-count storage used by the request
// governance limiters. Counts are kept per key for a fixed window; the
// read-check-reset-increment sequence is atomic per key so that no two
// concurrent requests can observe the same pre-increment count.
package counters

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class of counter store errors.
var Error = errs.Class("counter store")

// Store is a key to window-count storage.
//
// Increment bumps the counter for key within its current fixed window,
// starting a fresh window when the previous one has elapsed, and returns
// the post-increment count together with the time the window resets.
//
// Sweep drops counters whose window ended long enough ago that they can
// no longer influence a decision. It returns the number of removed
// counters. Implementations backed by self-expiring storage may make it a
// no-op.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
	Sweep(now time.Time) int
}
