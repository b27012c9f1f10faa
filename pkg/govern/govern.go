// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package govern is the request governance engine: it decides, per
// request, whether a client may proceed, how long the response should be
// held to pace them, and whether their recent behavior warrants a
// temporary ban. It consumes an already-resolved client identity and
// tier; routing, authentication and response writing belong to the
// calling HTTP layer.
package govern

import (
	"time"

	"storj.io/gatekeeper/pkg/govern/abuse"
	"storj.io/gatekeeper/pkg/govern/banlist"
	"storj.io/gatekeeper/pkg/govern/counters"
	"storj.io/gatekeeper/pkg/govern/limits"
	"storj.io/gatekeeper/pkg/govern/slowdown"
)

// Request describes one incoming request to the governance engine.
type Request struct {
	// ClientIdentity distinguishes the caller: an authenticated principal
	// id when present, otherwise a network-origin token such as
	// "ip:203.0.113.9". The engine never derives it itself.
	ClientIdentity string
	ClientTier     limits.Tier
	Path           string
	PartnerTag     string
}

// Outcome reports how the downstream handler finished a request, so the
// abuse detector can observe error rates.
type Outcome struct {
	ClientIdentity string
	Kind           abuse.Kind // request_ok or request_error
}

// Decision is the engine's verdict for one request. Evaluation failures
// never surface as errors; they are folded into the decision so the
// caller has a single branch.
type Decision struct {
	// Allow is false when the request must be rejected with a rate-limit
	// or ban response.
	Allow bool

	// Delay, when Allow is true, is the advisory duration the caller
	// should hold the response to pace the client.
	Delay time.Duration

	// RetryAfter, when Allow is false, hints when the client may try
	// again.
	RetryAfter time.Duration

	// Reason, when Allow is false, says why in a form safe to expose.
	Reason string
}

// Statistics is a point-in-time snapshot of engine activity.
type Statistics struct {
	TotalChecks    int64 `json:"totalChecks"`
	TotalAdmitted  int64 `json:"totalAdmitted"`
	TotalRejected  int64 `json:"totalRejected"`
	ActiveBans     int   `json:"activeBans"`
	TrackedClients int   `json:"trackedClients"`
}

// Config assembles the configuration of all engine components. It is
// read at startup, validated eagerly and immutable afterwards.
type Config struct {
	Limits   limits.Config
	Slowdown slowdown.Config
	Abuse    abuse.Config
	Bans     banlist.Config

	// Redis selects the shared counter store; with an empty address
	// counters are kept in process.
	Redis counters.RedisConfig

	JanitorInterval time.Duration `help:"interval between janitor sweeps of expired windows, stale abuse logs and expired bans" default:"5m"`
}
