// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package banlist keeps the temporary bans raised from abuse findings.
// Bans expire on their own; repeat offenders escalate because the strike
// count outlives an expired ban for a grace period.
package banlist

import (
	"math"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// ConfigError is the class of ban registry configuration errors.
var ConfigError = errs.Class("banlist configuration")

// Config tunes ban durations and escalation.
type Config struct {
	BaseDuration     time.Duration `user:"true" help:"duration of a first ban" default:"30m"`
	EscalationFactor float64       `user:"true" help:"multiplier applied to the ban duration per accumulated strike" default:"2"`
	MaxDuration      time.Duration `user:"true" help:"upper bound for an escalated ban duration" default:"24h"`
	GracePeriod      time.Duration `user:"true" help:"how long after expiry a ban still counts as a strike for escalation" default:"1h"`
}

// Entry is the ban state for one client.
type Entry struct {
	Identity    string
	Reason      string
	BannedAt    time.Time
	BannedUntil time.Time
	Strikes     int
}

// Active reports whether the ban still blocks requests at now.
func (e Entry) Active(now time.Time) bool {
	return e.BannedUntil.After(now)
}

// Registry is the set of current ban entries. Reads take a shared lock
// and never write: expiry is lazy and actual removal is left to the
// janitor so the hot path stays read-only.
type Registry struct {
	log    *zap.Logger
	config Config

	mu      sync.RWMutex
	entries map[string]*Entry

	now func() time.Time
}

// NewRegistry validates config and constructs an empty Registry.
func NewRegistry(log *zap.Logger, config Config) (*Registry, error) {
	switch {
	case config.BaseDuration <= 0:
		return nil, ConfigError.New("BaseDuration cannot be zero or negative")
	case config.EscalationFactor < 1:
		return nil, ConfigError.New("EscalationFactor cannot be smaller than 1")
	case config.MaxDuration < config.BaseDuration:
		return nil, ConfigError.New("MaxDuration cannot be smaller than BaseDuration")
	case config.GracePeriod < 0:
		return nil, ConfigError.New("GracePeriod cannot be negative")
	}

	return &Registry{
		log:     log,
		config:  config,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}, nil
}

// IsBanned returns the active ban entry for identity, if any. Expired
// entries are reported as not banned without being deleted; the janitor
// removes them once the grace period has also passed.
func (r *Registry) IsBanned(identity string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[identity]
	if !ok || !entry.Active(r.now()) {
		return Entry{}, false
	}
	return *entry, true
}

// ApplyFinding turns an abuse finding into a new or escalated ban and
// reports whether the registry changed. A finding against an actively
// banned identity changes nothing: the ongoing ban already covers it. A
// finding within the grace period after expiry escalates: the strike
// count increments and the duration grows by the escalation factor per
// strike, capped at the configured maximum. Past the grace period the
// slate is clean and the ban starts over at one strike.
func (r *Registry) ApplyFinding(identity, reason string) (Entry, bool) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[identity]
	if ok && entry.Active(now) {
		return *entry, false
	}

	strikes := 1
	if ok && now.Before(entry.BannedUntil.Add(r.config.GracePeriod)) {
		strikes = entry.Strikes + 1
	}

	entry = &Entry{
		Identity:    identity,
		Reason:      reason,
		BannedAt:    now,
		BannedUntil: now.Add(r.banDuration(strikes)),
		Strikes:     strikes,
	}
	r.entries[identity] = entry

	mon.Counter("bans_applied").Inc(1)
	r.log.Info("client banned",
		zap.String("identity", identity),
		zap.String("reason", reason),
		zap.Int("strikes", strikes),
		zap.Time("until", entry.BannedUntil))

	return *entry, true
}

// Lift removes identity's ban entry immediately, strikes included. It is
// the manual override for support interventions.
func (r *Registry) Lift(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[identity]; !ok {
		return false
	}
	delete(r.entries, identity)
	r.log.Info("ban lifted", zap.String("identity", identity))
	return true
}

// ActiveCount returns the number of currently blocking bans.
func (r *Registry) ActiveCount() int {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var active int
	for _, entry := range r.entries {
		if entry.Active(now) {
			active++
		}
	}
	return active
}

// Sweep removes entries whose ban and grace period have both passed.
// Returns the number of removed entries.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int
	for identity, entry := range r.entries {
		if !now.Before(entry.BannedUntil.Add(r.config.GracePeriod)) {
			delete(r.entries, identity)
			removed++
		}
	}
	return removed
}

func (r *Registry) banDuration(strikes int) time.Duration {
	duration := time.Duration(float64(r.config.BaseDuration) * math.Pow(r.config.EscalationFactor, float64(strikes-1)))
	if duration > r.config.MaxDuration || duration <= 0 {
		duration = r.config.MaxDuration
	}
	return duration
}
