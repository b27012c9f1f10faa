// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package limits

import "strings"

// Applied is a rule together with the counter key it resolved to for a
// particular request.
type Applied struct {
	Rule Rule
	Key  string
}

// Resolve returns the ordered chain of rules applying to a request. The
// chain always starts with the tier default rule; an endpoint rule is
// appended when a configured pattern matches path, and a partner rule
// when partner is present and configured. All rules in the chain must
// admit the request.
func (rs *RuleSet) Resolve(identity string, tier Tier, path string, partner string) []Applied {
	chain := make([]Applied, 0, 3)

	tierRule := rs.tiers[ParseTier(string(tier))]
	chain = append(chain, Applied{Rule: tierRule, Key: counterKey(tierRule, identity)})

	if rule, ok := rs.matchEndpoint(path); ok {
		chain = append(chain, Applied{Rule: rule, Key: counterKey(rule, identity)})
	}

	if partner != "" {
		if rule, ok := rs.partners[partner]; ok {
			chain = append(chain, Applied{Rule: rule, Key: counterKey(rule, identity)})
		}
	}

	return chain
}

// TierRule returns the default rule for tier.
func (rs *RuleSet) TierRule(tier Tier) Rule {
	return rs.tiers[ParseTier(string(tier))]
}

// matchEndpoint finds the endpoint rule for path. The most specific
// matching pattern wins, measured by the length of the literal prefix
// before any wildcard; ties go to the pattern configured first.
func (rs *RuleSet) matchEndpoint(path string) (Rule, bool) {
	var (
		best     Rule
		bestSpec = -1
	)
	for _, rule := range rs.endpoints {
		spec, ok := matchPattern(rule.Matcher, path)
		if ok && spec > bestSpec {
			best = rule
			bestSpec = spec
		}
	}
	return best, bestSpec >= 0
}

// matchPattern reports whether pattern matches path and, if so, its
// specificity: the length of the literal part of the pattern. Exact
// patterns rank above any wildcard pattern of the same literal length.
func matchPattern(pattern, path string) (specificity int, ok bool) {
	if prefix, wildcard := strings.CutSuffix(pattern, "*"); wildcard {
		if strings.HasPrefix(path, prefix) {
			return 2 * len(prefix), true
		}
		return 0, false
	}
	if pattern == path {
		return 2*len(pattern) + 1, true
	}
	return 0, false
}

func counterKey(rule Rule, identity string) string {
	return rule.ID + "|" + identity
}
