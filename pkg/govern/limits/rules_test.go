// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package limits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Tiers:      "guest,1m,30;user,1m,120;premium,1m,600;admin,1m,1200;system,1m,6000",
		NumBuckets: 10,
	}
}

func TestNewRuleSet(t *testing.T) {
	config := validConfig()
	config.Endpoints = "/api/v1/orders,30s,10,critical;/api/v1/*,1m,100"
	config.Partners = "trendyol,1m,50,token_bucket"

	rs, err := NewRuleSet(config)
	require.NoError(t, err)

	rule := rs.TierRule(TierPremium)
	assert.Equal(t, "tier:premium", rule.ID)
	assert.Equal(t, time.Minute, rule.Window)
	assert.Equal(t, int64(600), rule.MaxCount)
	assert.Equal(t, FixedWindow, rule.Algorithm)
	assert.False(t, rule.Critical)

	require.Len(t, rs.endpoints, 2)
	assert.True(t, rs.endpoints[0].Critical)

	partner, ok := rs.partners["trendyol"]
	require.True(t, ok)
	assert.Equal(t, TokenBucket, partner.Algorithm)
}

func TestNewRuleSet_error(t *testing.T) {
	testCases := []struct {
		desc   string
		modify func(*Config)
	}{
		{
			desc:   "missing tier",
			modify: func(c *Config) { c.Tiers = "guest,1m,30;user,1m,120" },
		},
		{
			desc:   "unknown tier",
			modify: func(c *Config) { c.Tiers = c.Tiers + ";royal,1m,10" },
		},
		{
			desc:   "duplicate tier",
			modify: func(c *Config) { c.Tiers = c.Tiers + ";guest,1m,10" },
		},
		{
			desc:   "zero window",
			modify: func(c *Config) { c.Endpoints = "/api,0s,10" },
		},
		{
			desc:   "negative window",
			modify: func(c *Config) { c.Endpoints = "/api,-1m,10" },
		},
		{
			desc:   "zero max count",
			modify: func(c *Config) { c.Endpoints = "/api,1m,0" },
		},
		{
			desc:   "malformed max count",
			modify: func(c *Config) { c.Endpoints = "/api,1m,ten" },
		},
		{
			desc:   "missing fields",
			modify: func(c *Config) { c.Endpoints = "/api,1m" },
		},
		{
			desc:   "pattern without leading slash",
			modify: func(c *Config) { c.Endpoints = "api/v1,1m,10" },
		},
		{
			desc:   "wildcard not a suffix",
			modify: func(c *Config) { c.Endpoints = "/api/*/orders,1m,10" },
		},
		{
			desc:   "unknown option",
			modify: func(c *Config) { c.Partners = "amazon,1m,10,quantum" },
		},
		{
			desc:   "duplicate partner",
			modify: func(c *Config) { c.Partners = "amazon,1m,10;amazon,1m,20" },
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			config := validConfig()
			tC.modify(&config)
			_, err := NewRuleSet(config)
			require.Error(t, err)
			require.True(t, ConfigError.Has(err))
		})
	}
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierPremium, ParseTier("premium"))
	assert.Equal(t, TierAdmin, ParseTier("Admin"))
	// Unknown tiers degrade to the most restrictive quota.
	assert.Equal(t, TierGuest, ParseTier("wizard"))
	assert.Equal(t, TierGuest, ParseTier(""))
}

func TestResolveChain(t *testing.T) {
	config := validConfig()
	config.Endpoints = "/api/v1/orders,30s,10;/api/v1/*,1m,100"
	config.Partners = "trendyol,1m,50"

	rs, err := NewRuleSet(config)
	require.NoError(t, err)

	// No endpoint or partner match: tier default only.
	chain := rs.Resolve("alice", TierUser, "/healthz", "")
	require.Len(t, chain, 1)
	assert.Equal(t, "tier:user", chain[0].Rule.ID)
	assert.Equal(t, "tier:user|alice", chain[0].Key)

	// Exact endpoint match beats the wildcard.
	chain = rs.Resolve("alice", TierUser, "/api/v1/orders", "")
	require.Len(t, chain, 2)
	assert.Equal(t, "endpoint:/api/v1/orders", chain[1].Rule.ID)

	// Wildcard match for other paths under the prefix.
	chain = rs.Resolve("alice", TierUser, "/api/v1/products", "")
	require.Len(t, chain, 2)
	assert.Equal(t, "endpoint:/api/v1/*", chain[1].Rule.ID)

	// Partner tag appends a third rule.
	chain = rs.Resolve("alice", TierUser, "/api/v1/products", "trendyol")
	require.Len(t, chain, 3)
	assert.Equal(t, "partner:trendyol", chain[2].Rule.ID)
	assert.Equal(t, "partner:trendyol|alice", chain[2].Key)

	// Unconfigured partner tags resolve to the same chain as no tag.
	chain = rs.Resolve("alice", TierUser, "/api/v1/products", "walmart")
	require.Len(t, chain, 2)
}

func TestResolveSpecificity(t *testing.T) {
	config := validConfig()
	config.Endpoints = "/api/*,1m,100;/api/v1/*,1m,50;/api/v1/orders*,1m,10"

	rs, err := NewRuleSet(config)
	require.NoError(t, err)

	chain := rs.Resolve("bob", TierGuest, "/api/v1/orders/7", "")
	require.Len(t, chain, 2)
	assert.Equal(t, "endpoint:/api/v1/orders*", chain[1].Rule.ID)

	chain = rs.Resolve("bob", TierGuest, "/api/v1/products", "")
	require.Len(t, chain, 2)
	assert.Equal(t, "endpoint:/api/v1/*", chain[1].Rule.ID)

	chain = rs.Resolve("bob", TierGuest, "/api/status", "")
	require.Len(t, chain, 2)
	assert.Equal(t, "endpoint:/api/*", chain[1].Rule.ID)
}

func TestResolveFirstConfiguredWinsOnTie(t *testing.T) {
	config := validConfig()
	// Equally specific patterns that both match: configuration order
	// decides.
	config.Endpoints = "/api/v1/*,1m,10;/api/v1/*,1m,20"

	rs, err := NewRuleSet(config)
	require.NoError(t, err)

	chain := rs.Resolve("bob", TierGuest, "/api/v1/orders", "")
	require.Len(t, chain, 2)
	assert.Equal(t, int64(10), chain[1].Rule.MaxCount)
}
