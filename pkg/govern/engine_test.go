// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package govern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/gatekeeper/pkg/govern/abuse"
	"storj.io/gatekeeper/pkg/govern/banlist"
	"storj.io/gatekeeper/pkg/govern/limits"
	"storj.io/gatekeeper/pkg/govern/slowdown"
)

func testConfig() Config {
	return Config{
		Limits: limits.Config{
			Tiers:      "guest,1m,5;user,1m,120;premium,1m,600;admin,1m,1200;system,1m,6000",
			NumBuckets: 100,
		},
		Slowdown: slowdown.Config{
			FreeAllowance: 1000,
			Increment:     time.Millisecond,
			MaxDelay:      time.Second,
		},
		Abuse: abuse.Config{
			LogCapacity:        100,
			DetectionWindow:    5 * time.Minute,
			BurstWindow:        10 * time.Second,
			BurstThreshold:     20,
			ErrorRateThreshold: 0.5,
			MinSampleSize:      10,
			Retention:          30 * time.Minute,
		},
		Bans: banlist.Config{
			BaseDuration:     30 * time.Minute,
			EscalationFactor: 2,
			MaxDuration:      24 * time.Hour,
			GracePeriod:      time.Hour,
		},
		JanitorInterval: 5 * time.Minute,
	}
}

func newTestEngine(t *testing.T, config Config) *Engine {
	ctx := testcontext.New(t)
	engine, err := New(ctx, zaptest.NewLogger(t), config)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, engine.Close()) })
	return engine
}

func TestEvaluateWindowScenario(t *testing.T) {
	ctx := testcontext.New(t)
	engine := newTestEngine(t, testConfig())

	req := Request{
		ClientIdentity: "ip:1.2.3.4",
		ClientTier:     limits.TierGuest,
		Path:           "/api/v1/orders",
	}

	// Guest quota is 5 per minute: requests 1-5 are allowed.
	for i := 1; i <= 5; i++ {
		decision := engine.Evaluate(ctx, req)
		assert.True(t, decision.Allow, "request %d", i)
	}

	// Request 6 is rejected with a retry hint of roughly the remaining
	// window.
	decision := engine.Evaluate(ctx, req)
	require.False(t, decision.Allow)
	assert.Contains(t, decision.Reason, "tier:guest")
	assert.Greater(t, decision.RetryAfter, 55*time.Second)
	assert.LessOrEqual(t, decision.RetryAfter, time.Minute)

	// A different identity is unaffected.
	other := req
	other.ClientIdentity = "ip:5.6.7.8"
	assert.True(t, engine.Evaluate(ctx, other).Allow)
}

func TestEvaluateWindowReset(t *testing.T) {
	ctx := testcontext.New(t)

	config := testConfig()
	config.Limits.Tiers = "guest,100ms,2;user,1m,120;premium,1m,600;admin,1m,1200;system,1m,6000"
	engine := newTestEngine(t, config)

	req := Request{ClientIdentity: "alice", ClientTier: limits.TierGuest, Path: "/"}

	assert.True(t, engine.Evaluate(ctx, req).Allow)
	assert.True(t, engine.Evaluate(ctx, req).Allow)
	assert.False(t, engine.Evaluate(ctx, req).Allow)

	// After the window rolls over the client is admitted again.
	time.Sleep(110 * time.Millisecond)
	assert.True(t, engine.Evaluate(ctx, req).Allow)
}

func TestEvaluateChainANDSemantics(t *testing.T) {
	ctx := testcontext.New(t)

	config := testConfig()
	config.Limits.Tiers = "guest,1m,1000;user,1m,1000;premium,1m,600;admin,1m,1200;system,1m,6000"
	config.Limits.Endpoints = "/api/v1/export,1m,2"
	engine := newTestEngine(t, config)

	req := Request{ClientIdentity: "alice", ClientTier: limits.TierUser, Path: "/api/v1/export"}

	assert.True(t, engine.Evaluate(ctx, req).Allow)
	assert.True(t, engine.Evaluate(ctx, req).Allow)

	// The generous tier rule admits, but the endpoint rule must also
	// pass; it does not, so the request is rejected.
	decision := engine.Evaluate(ctx, req)
	require.False(t, decision.Allow)
	assert.Contains(t, decision.Reason, "endpoint:/api/v1/export")

	// Other endpoints for the same client remain within quota.
	assert.True(t, engine.Evaluate(ctx, Request{
		ClientIdentity: "alice", ClientTier: limits.TierUser, Path: "/api/v1/orders",
	}).Allow)
}

func TestEvaluatePartnerRule(t *testing.T) {
	ctx := testcontext.New(t)

	config := testConfig()
	config.Limits.Tiers = "guest,1m,1000;user,1m,1000;premium,1m,600;admin,1m,1200;system,1m,6000"
	config.Limits.Partners = "trendyol,1m,1"
	engine := newTestEngine(t, config)

	tagged := Request{ClientIdentity: "alice", ClientTier: limits.TierUser, Path: "/", PartnerTag: "trendyol"}
	assert.True(t, engine.Evaluate(ctx, tagged).Allow)
	assert.False(t, engine.Evaluate(ctx, tagged).Allow)

	// Untagged requests pass only the tier rule.
	untagged := tagged
	untagged.PartnerTag = ""
	assert.True(t, engine.Evaluate(ctx, untagged).Allow)
}

func TestEvaluateSlowdown(t *testing.T) {
	ctx := testcontext.New(t)

	config := testConfig()
	config.Limits.Tiers = "guest,1m,1000;user,1m,1000;premium,1m,600;admin,1m,1200;system,1m,6000"
	config.Slowdown = slowdown.Config{
		FreeAllowance: 2,
		Increment:     10 * time.Millisecond,
		MaxDelay:      35 * time.Millisecond,
	}
	engine := newTestEngine(t, config)

	req := Request{ClientIdentity: "alice", ClientTier: limits.TierUser, Path: "/"}

	var last time.Duration
	for i := 0; i < 10; i++ {
		decision := engine.Evaluate(ctx, req)
		require.True(t, decision.Allow)
		assert.GreaterOrEqual(t, decision.Delay, last)
		assert.LessOrEqual(t, decision.Delay, 35*time.Millisecond)
		last = decision.Delay
	}
	assert.Equal(t, 35*time.Millisecond, last)
}

func TestBanAfterRapidRequests(t *testing.T) {
	ctx := testcontext.New(t)

	config := testConfig()
	config.Limits.Tiers = "guest,1m,2;user,1m,120;premium,1m,600;admin,1m,1200;system,1m,6000"
	config.Abuse.BurstThreshold = 3
	config.Bans.BaseDuration = 150 * time.Millisecond
	config.Bans.MaxDuration = time.Hour
	engine := newTestEngine(t, config)

	req := Request{ClientIdentity: "mallory", ClientTier: limits.TierGuest, Path: "/"}

	// Exhaust the quota, then hammer: each rejection is a
	// limit_exceeded event, and the 4th one within the burst window
	// raises a finding that bans the client.
	for i := 0; i < 6; i++ {
		engine.Evaluate(ctx, req)
	}

	decision := engine.Evaluate(ctx, req)
	require.False(t, decision.Allow)
	assert.Contains(t, decision.Reason, "banned: rapid_requests")
	assert.Greater(t, decision.RetryAfter, time.Duration(0))

	stats := engine.Statistics()
	assert.Equal(t, 1, stats.ActiveBans)

	// Once the ban expires the client is evaluated normally again
	// (and rejected by the still-exhausted quota, not the ban).
	time.Sleep(160 * time.Millisecond)
	decision = engine.Evaluate(ctx, req)
	require.False(t, decision.Allow)
	assert.Contains(t, decision.Reason, "limit exceeded")
}

func TestNotifyOutcomeErrorRateBan(t *testing.T) {
	ctx := testcontext.New(t)

	config := testConfig()
	config.Abuse.MinSampleSize = 5
	engine := newTestEngine(t, config)

	outcome := Outcome{ClientIdentity: "eve", Kind: abuse.KindRequestError}
	for i := 0; i < 6; i++ {
		engine.NotifyOutcome(ctx, outcome)
	}

	decision := engine.Evaluate(ctx, Request{ClientIdentity: "eve", ClientTier: limits.TierUser, Path: "/"})
	require.False(t, decision.Allow)
	assert.Contains(t, decision.Reason, "banned: high_error_rate")
}

func TestLiftBan(t *testing.T) {
	ctx := testcontext.New(t)

	config := testConfig()
	config.Abuse.MinSampleSize = 5
	engine := newTestEngine(t, config)

	for i := 0; i < 6; i++ {
		engine.NotifyOutcome(ctx, Outcome{ClientIdentity: "eve", Kind: abuse.KindRequestError})
	}
	require.False(t, engine.Evaluate(ctx, Request{ClientIdentity: "eve", ClientTier: limits.TierUser, Path: "/"}).Allow)

	require.True(t, engine.LiftBan("eve"))
	assert.True(t, engine.Evaluate(ctx, Request{ClientIdentity: "eve", ClientTier: limits.TierUser, Path: "/"}).Allow)
}

func TestStatistics(t *testing.T) {
	ctx := testcontext.New(t)
	engine := newTestEngine(t, testConfig())

	req := Request{ClientIdentity: "alice", ClientTier: limits.TierGuest, Path: "/"}
	for i := 0; i < 7; i++ {
		engine.Evaluate(ctx, req)
	}
	engine.NotifyOutcome(ctx, Outcome{ClientIdentity: "alice", Kind: abuse.KindRequestOK})

	stats := engine.Statistics()
	assert.Equal(t, int64(7), stats.TotalChecks)
	assert.Equal(t, int64(5), stats.TotalAdmitted)
	assert.Equal(t, int64(2), stats.TotalRejected)
	assert.Equal(t, 0, stats.ActiveBans)
	assert.Equal(t, 1, stats.TrackedClients)
}

func TestSweepIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	engine := newTestEngine(t, testConfig())

	for i := 0; i < 7; i++ {
		engine.Evaluate(ctx, Request{ClientIdentity: "alice", ClientTier: limits.TierGuest, Path: "/"})
	}

	// Nothing is old enough to be collected; the sweep must be a no-op
	// and running it twice must not disturb live state.
	engine.Sweep(ctx)
	engine.Sweep(ctx)

	stats := engine.Statistics()
	assert.Equal(t, 1, stats.TrackedClients)
	assert.False(t, engine.Evaluate(ctx, Request{ClientIdentity: "alice", ClientTier: limits.TierGuest, Path: "/"}).Allow)
}

func TestNew_error(t *testing.T) {
	ctx := testcontext.New(t)

	testCases := []struct {
		desc   string
		modify func(*Config)
	}{
		{
			desc:   "zero janitor interval",
			modify: func(c *Config) { c.JanitorInterval = 0 },
		},
		{
			desc:   "invalid rules",
			modify: func(c *Config) { c.Limits.Tiers = "guest,0s,5" },
		},
		{
			desc:   "invalid slowdown",
			modify: func(c *Config) { c.Slowdown.Increment = 0 },
		},
		{
			desc:   "invalid abuse thresholds",
			modify: func(c *Config) { c.Abuse.BurstThreshold = -1 },
		},
		{
			desc:   "invalid ban escalation",
			modify: func(c *Config) { c.Bans.EscalationFactor = 0 },
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			config := testConfig()
			tC.modify(&config)
			_, err := New(ctx, zaptest.NewLogger(t), config)
			require.Error(t, err)
		})
	}
}
