// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package govern

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/sync2"
	"storj.io/eventkit"
	"storj.io/gatekeeper/pkg/govern/abuse"
	"storj.io/gatekeeper/pkg/govern/banlist"
	"storj.io/gatekeeper/pkg/govern/counters"
	"storj.io/gatekeeper/pkg/govern/limits"
	"storj.io/gatekeeper/pkg/govern/slowdown"
)

var (
	mon = monkit.Package()
	ek  = eventkit.Package()
)

// ConfigError is the class of engine configuration errors.
var ConfigError = errs.Class("govern configuration")

// Engine evaluates requests against the configured rules. All methods
// except Run are safe for concurrent use from request handlers and do
// not block.
type Engine struct {
	log *zap.Logger

	store    counters.Store
	rules    *limits.RuleSet
	limiter  *limits.Limiter
	slowdown *slowdown.Slowdown
	detector *abuse.Detector
	bans     *banlist.Registry

	janitor *sync2.Cycle

	totalChecks   atomic.Int64
	totalAdmitted atomic.Int64
	totalRejected atomic.Int64

	now func() time.Time
}

// New validates config, connects the counter store and constructs an
// Engine. Configuration problems are fatal here; nothing fails at
// request time because of them.
func New(ctx context.Context, log *zap.Logger, config Config) (*Engine, error) {
	if config.JanitorInterval <= 0 {
		return nil, ConfigError.New("JanitorInterval cannot be zero or negative")
	}

	var store counters.Store
	if config.Redis.Address != "" {
		redisStore, err := counters.NewRedisStore(ctx, config.Redis)
		if err != nil {
			return nil, errs.Wrap(err)
		}
		store = redisStore
		log.Info("using shared counter store", zap.String("address", config.Redis.Address))
	} else {
		store = counters.NewMemory()
	}

	rules, err := limits.NewRuleSet(config.Limits)
	if err != nil {
		return nil, err
	}

	limiter, err := limits.NewLimiter(log.Named("limiter"), store, config.Limits.NumBuckets)
	if err != nil {
		return nil, err
	}

	slow, err := slowdown.New(config.Slowdown, store)
	if err != nil {
		return nil, err
	}

	detector, err := abuse.NewDetector(log.Named("abuse"), config.Abuse)
	if err != nil {
		return nil, err
	}

	bans, err := banlist.NewRegistry(log.Named("banlist"), config.Bans)
	if err != nil {
		return nil, err
	}

	return &Engine{
		log:      log,
		store:    store,
		rules:    rules,
		limiter:  limiter,
		slowdown: slow,
		detector: detector,
		bans:     bans,
		janitor:  sync2.NewCycle(config.JanitorInterval),
		now:      time.Now,
	}, nil
}

// Evaluate decides whether req may proceed. It is synchronous and
// non-blocking: the returned delay is advisory and enforcing it is the
// caller's job.
func (e *Engine) Evaluate(ctx context.Context, req Request) Decision {
	defer mon.Task()(&ctx)(nil)

	now := e.now()
	e.totalChecks.Add(1)

	if entry, banned := e.bans.IsBanned(req.ClientIdentity); banned {
		e.totalRejected.Add(1)
		mon.Counter("rejected_banned").Inc(1)
		return Decision{
			RetryAfter: entry.BannedUntil.Sub(now),
			Reason:     "banned: " + entry.Reason,
		}
	}

	chain := e.rules.Resolve(req.ClientIdentity, req.ClientTier, req.Path, req.PartnerTag)
	for _, applied := range chain {
		result := e.limiter.Check(ctx, applied.Rule, applied.Key)
		if result.Admitted {
			continue
		}
		e.totalRejected.Add(1)

		if result.StoreErr != nil {
			// A critical rule failing closed. There is no counter to
			// derive a reset from, so suggest a short retry.
			mon.Counter("rejected_store_unavailable").Inc(1)
			return Decision{
				RetryAfter: time.Second,
				Reason:     "counter store unavailable",
			}
		}

		// Rejected requests feed the abuse log: bursts of them are
		// exactly what the rapid_requests rule looks for.
		e.recordEvent(ctx, req.ClientIdentity, abuse.KindLimitExceeded)

		retryAfter := result.ResetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		mon.Counter("rejected_limit").Inc(1)
		return Decision{
			RetryAfter: retryAfter,
			Reason:     "limit exceeded: " + applied.Rule.ID,
		}
	}

	e.totalAdmitted.Add(1)

	// The pacing counter shares the tier rule's window, so the delay
	// resets together with the client's primary quota.
	delay := e.slowdown.DelayFor(ctx, req.ClientIdentity, chain[0].Rule.Window)

	return Decision{Allow: true, Delay: delay}
}

// NotifyOutcome feeds the downstream handler's result into the abuse
// detector. It is fire-and-forget: it never fails and returns nothing.
func (e *Engine) NotifyOutcome(ctx context.Context, outcome Outcome) {
	kind := abuse.KindRequestOK
	if outcome.Kind == abuse.KindRequestError {
		kind = abuse.KindRequestError
	}
	e.recordEvent(ctx, outcome.ClientIdentity, kind)
}

func (e *Engine) recordEvent(ctx context.Context, identity string, kind abuse.Kind) {
	for _, finding := range e.detector.Record(ctx, identity, kind) {
		entry, applied := e.bans.ApplyFinding(finding.Identity, string(finding.Kind))
		if !applied {
			// Already banned; the finding is logged by the detector's
			// counters but must not compound the ban.
			continue
		}
		ek.Event("abuse-finding",
			eventkit.String("identity", finding.Identity),
			eventkit.String("kind", string(finding.Kind)),
			eventkit.String("detail", finding.Detail),
			eventkit.Int64("strikes", int64(entry.Strikes)),
			eventkit.Duration("ban-duration", entry.BannedUntil.Sub(entry.BannedAt)))
	}
}

// Statistics returns a snapshot of engine activity for observability.
func (e *Engine) Statistics() Statistics {
	return Statistics{
		TotalChecks:    e.totalChecks.Load(),
		TotalAdmitted:  e.totalAdmitted.Load(),
		TotalRejected:  e.totalRejected.Load(),
		ActiveBans:     e.bans.ActiveCount(),
		TrackedClients: e.detector.TrackedClients(),
	}
}

// LiftBan removes a ban immediately, strikes included. Exposed for
// manual support interventions.
func (e *Engine) LiftBan(identity string) bool {
	return e.bans.Lift(identity)
}

// Run runs the janitor until ctx is canceled. The janitor never stops
// request handling: sweep problems are logged and the cycle continues.
func (e *Engine) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	e.janitor.Start(groupCtx, group, func(ctx context.Context) error {
		e.Sweep(ctx)
		return nil
	})

	return errs.Wrap(group.Wait())
}

// Sweep runs one janitor pass: it evicts expired window counters, stale
// abuse logs and spent ban entries.
func (e *Engine) Sweep(ctx context.Context) {
	defer mon.Task()(&ctx)(nil)

	now := e.now()
	removedCounters := e.store.Sweep(now)
	removedLogs := e.detector.Sweep(now)
	removedBans := e.bans.Sweep(now)

	mon.IntVal("janitor_removed_counters").Observe(int64(removedCounters))
	mon.IntVal("janitor_removed_logs").Observe(int64(removedLogs))
	mon.IntVal("janitor_removed_bans").Observe(int64(removedBans))

	e.log.Debug("janitor sweep",
		zap.Int("counters", removedCounters),
		zap.Int("abuse-logs", removedLogs),
		zap.Int("bans", removedBans))
}

// Close stops the janitor and releases the counter store.
func (e *Engine) Close() error {
	e.janitor.Close()
	if closer, ok := e.store.(io.Closer); ok {
		return errs.Wrap(closer.Close())
	}
	return nil
}
