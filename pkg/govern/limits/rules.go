// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package limits holds the limiter rule configuration and the window
// limiter that enforces it. Rules are parsed and validated once at
// startup and are immutable afterwards.
package limits

import (
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// ConfigError is the class of rule configuration errors. These are fatal
// at startup and never occur at request time.
var ConfigError = errs.Class("limits configuration")

// Tier is a coarse client classification determining default quotas.
type Tier string

// Known client tiers.
const (
	TierGuest   Tier = "guest"
	TierUser    Tier = "user"
	TierPremium Tier = "premium"
	TierAdmin   Tier = "admin"
	TierSystem  Tier = "system"
)

var allTiers = []Tier{TierGuest, TierUser, TierPremium, TierAdmin, TierSystem}

// ParseTier maps s to a known Tier. Unknown values fall back to the most
// restrictive tier so that a misbehaving identity layer can only make
// quotas stricter, never looser.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(s)) {
	case TierGuest, TierUser, TierPremium, TierAdmin, TierSystem:
		return Tier(strings.ToLower(s))
	default:
		return TierGuest
	}
}

// Scope says what a rule applies to.
type Scope string

// Rule scopes.
const (
	ScopeTier     Scope = "tier"
	ScopeEndpoint Scope = "endpoint"
	ScopePartner  Scope = "partner"
)

// Algorithm selects the counting algorithm enforcing a rule.
type Algorithm string

// Supported limiter algorithms.
const (
	FixedWindow Algorithm = "fixed_window"
	TokenBucket Algorithm = "token_bucket"
)

// Rule is one immutable limiter rule.
type Rule struct {
	ID        string
	Scope     Scope
	Matcher   string // tier name, endpoint pattern, or partner tag
	Window    time.Duration
	MaxCount  int64
	Algorithm Algorithm

	// Critical makes the rule fail closed when the counter store is
	// unreachable. Non-critical rules fail open to avoid cascading
	// outages.
	Critical bool
}

// Config carries the rule definitions in flag-friendly string form.
// Entries are separated by ';', fields within an entry by ','. Order of
// endpoint entries is significant: when two patterns match a path with
// equal specificity, the one configured first wins.
type Config struct {
	Tiers     string `user:"true" help:"per-tier default rules as 'tier,window,max-count[,critical][,token_bucket]' entries separated by ';'; all five tiers must be present" default:"guest,1m,30;user,1m,120;premium,1m,600;admin,1m,1200;system,1m,6000"`
	Endpoints string `user:"true" help:"ordered endpoint rules as 'pattern,window,max-count[,critical][,token_bucket]' entries separated by ';'; a pattern is an exact path or a '*' wildcard suffix" default:""`
	Partners  string `user:"true" help:"partner rules as 'tag,window,max-count[,critical][,token_bucket]' entries separated by ';'" default:""`

	NumBuckets int `help:"maximum number of token-bucket states kept in memory" default:"10000"`
}

// RuleSet is the parsed, validated, immutable form of Config.
type RuleSet struct {
	tiers     map[Tier]Rule
	endpoints []Rule
	partners  map[string]Rule
}

// NewRuleSet parses and validates config, returning a ConfigError on the
// first invalid entry.
func NewRuleSet(config Config) (*RuleSet, error) {
	rs := &RuleSet{
		tiers:    make(map[Tier]Rule),
		partners: make(map[string]Rule),
	}

	for _, entry := range splitEntries(config.Tiers) {
		rule, err := parseRule(ScopeTier, entry)
		if err != nil {
			return nil, err
		}
		tier := Tier(rule.Matcher)
		if !knownTier(tier) {
			return nil, ConfigError.New("unknown tier %q", rule.Matcher)
		}
		if _, ok := rs.tiers[tier]; ok {
			return nil, ConfigError.New("duplicate rule for tier %q", tier)
		}
		rs.tiers[tier] = rule
	}
	for _, tier := range allTiers {
		if _, ok := rs.tiers[tier]; !ok {
			return nil, ConfigError.New("missing default rule for tier %q", tier)
		}
	}

	for _, entry := range splitEntries(config.Endpoints) {
		rule, err := parseRule(ScopeEndpoint, entry)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(rule.Matcher, "/") {
			return nil, ConfigError.New("endpoint pattern %q must start with '/'", rule.Matcher)
		}
		if i := strings.Index(rule.Matcher, "*"); i >= 0 && i != len(rule.Matcher)-1 {
			return nil, ConfigError.New("endpoint pattern %q may only use '*' as a suffix", rule.Matcher)
		}
		rs.endpoints = append(rs.endpoints, rule)
	}

	for _, entry := range splitEntries(config.Partners) {
		rule, err := parseRule(ScopePartner, entry)
		if err != nil {
			return nil, err
		}
		if _, ok := rs.partners[rule.Matcher]; ok {
			return nil, ConfigError.New("duplicate rule for partner %q", rule.Matcher)
		}
		rs.partners[rule.Matcher] = rule
	}

	return rs, nil
}

func splitEntries(s string) []string {
	var entries []string
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			entries = append(entries, entry)
		}
	}
	return entries
}

func parseRule(scope Scope, entry string) (Rule, error) {
	fields := strings.Split(entry, ",")
	if len(fields) < 3 {
		return Rule{}, ConfigError.New("rule %q needs at least matcher, window and max-count", entry)
	}

	matcher := strings.TrimSpace(fields[0])
	if matcher == "" {
		return Rule{}, ConfigError.New("rule %q has an empty matcher", entry)
	}

	window, err := time.ParseDuration(strings.TrimSpace(fields[1]))
	if err != nil {
		return Rule{}, ConfigError.New("rule %q has an invalid window: %v", entry, err)
	}
	if window <= 0 {
		return Rule{}, ConfigError.New("rule %q window cannot be zero or negative", entry)
	}

	var maxCount int64
	for _, r := range strings.TrimSpace(fields[2]) {
		if r < '0' || r > '9' {
			return Rule{}, ConfigError.New("rule %q has an invalid max-count", entry)
		}
		maxCount = maxCount*10 + int64(r-'0')
	}
	if maxCount <= 0 {
		return Rule{}, ConfigError.New("rule %q max-count cannot be zero or negative", entry)
	}

	rule := Rule{
		ID:        string(scope) + ":" + matcher,
		Scope:     scope,
		Matcher:   matcher,
		Window:    window,
		MaxCount:  maxCount,
		Algorithm: FixedWindow,
	}

	for _, opt := range fields[3:] {
		switch opt := strings.TrimSpace(opt); opt {
		case "critical":
			rule.Critical = true
		case string(FixedWindow):
			rule.Algorithm = FixedWindow
		case string(TokenBucket):
			rule.Algorithm = TokenBucket
		default:
			return Rule{}, ConfigError.New("rule %q has an unknown option %q", entry, opt)
		}
	}

	return rule, nil
}

func knownTier(tier Tier) bool {
	for _, known := range allTiers {
		if tier == known {
			return true
		}
	}
	return false
}
