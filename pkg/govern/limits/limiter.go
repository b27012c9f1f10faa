// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package limits

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"storj.io/common/lrucache"
	"storj.io/gatekeeper/pkg/govern/counters"
)

var mon = monkit.Package()

// Result is the outcome of checking one rule for one key.
type Result struct {
	Admitted  bool
	Remaining int64
	ResetAt   time.Time

	// StoreErr is set when the counter store could not be consulted and
	// Admitted was decided by the rule's fail-open or fail-closed policy.
	StoreErr error
}

// Limiter enforces rules against a counter store. Fixed-window rules
// count in the store, which may be shared between instances; token-bucket
// rules keep their bucket state in process in a bounded LRU.
type Limiter struct {
	log   *zap.Logger
	store counters.Store

	buckets *lrucache.ExpiringLRU

	now func() time.Time
}

// NewLimiter constructs a Limiter. numBuckets bounds the number of
// token-bucket states kept in memory and cannot be zero or negative.
func NewLimiter(log *zap.Logger, store counters.Store, numBuckets int) (*Limiter, error) {
	if numBuckets <= 0 {
		return nil, ConfigError.New("numBuckets cannot be zero or negative")
	}
	return &Limiter{
		log:     log,
		store:   store,
		buckets: lrucache.New(lrucache.Options{Capacity: numBuckets}),
		now:     time.Now,
	}, nil
}

// Check consults the counter for (rule, key) and reports whether the
// request is admitted. The counter is always advanced, including for
// requests that end up rejected, so that rejected traffic keeps the
// window occupied.
func (l *Limiter) Check(ctx context.Context, rule Rule, key string) Result {
	if rule.Algorithm == TokenBucket {
		return l.checkBucket(rule, key)
	}

	count, resetAt, err := l.store.Increment(ctx, key, rule.Window)
	if err != nil {
		// A store outage must not take request handling down with it:
		// non-critical rules admit, critical rules reject.
		mon.Counter("limiter_store_error").Inc(1)
		l.log.Warn("counter store unavailable",
			zap.String("rule", rule.ID),
			zap.Bool("fail-closed", rule.Critical),
			zap.Error(err))
		return Result{Admitted: !rule.Critical, StoreErr: err}
	}

	remaining := rule.MaxCount - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Admitted:  count <= rule.MaxCount,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) checkBucket(rule Rule, key string) Result {
	var bucket *rate.Limiter
	if v, ok := l.buckets.GetCached(key); ok {
		bucket = v.(*rate.Limiter)
	} else {
		bucket = rate.NewLimiter(rate.Limit(float64(rule.MaxCount)/rule.Window.Seconds()), int(rule.MaxCount))
		l.buckets.Add(key, bucket)
	}

	now := l.now()
	if !bucket.AllowN(now, 1) {
		// Roughly when the next token becomes available.
		return Result{ResetAt: now.Add(rule.Window / time.Duration(rule.MaxCount))}
	}

	remaining := int64(bucket.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Admitted:  true,
		Remaining: remaining,
		ResetAt:   now.Add(rule.Window),
	}
}
