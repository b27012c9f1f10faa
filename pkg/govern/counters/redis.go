// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package counters

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
)

// RedisConfig configures the shared Redis-backed Store.
type RedisConfig struct {
	Address   string        `user:"true" help:"address of the Redis instance shared between gatekeeper instances; empty means counters are kept in process" default:""`
	Password  string        `user:"true" help:"password of the Redis instance" default:""`
	DB        int           `user:"true" help:"Redis database to store counters in" default:"0"`
	KeyPrefix string        `help:"prefix applied to every counter key" default:"gk:"`
	Timeout   time.Duration `help:"per-call timeout for counter operations; on timeout the per-rule fail-open or fail-closed policy applies" default:"50ms"`
}

// incrScript atomically increments the fixed-window counter for a key.
// The window is carried by the key's TTL: the first increment of a window
// sets it, and expiry starts the next window. Returns the post-increment
// count and the remaining window in milliseconds.
var incrScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {count, ttl}
`)

// RedisStore is a Store shared between instances through Redis. Every
// call carries a short timeout so an unreachable Redis degrades into the
// per-rule fail-open or fail-closed policy instead of stalling request
// handling.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration

	now func() time.Time
}

// NewRedisStore connects to the configured Redis instance and verifies it
// is reachable.
func NewRedisStore(ctx context.Context, config RedisConfig) (*RedisStore, error) {
	if config.Address == "" {
		return nil, Error.New("address is required")
	}
	if config.Timeout <= 0 {
		return nil, Error.New("timeout cannot be zero or negative")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, Error.Wrap(errs.Combine(err, client.Close()))
	}

	return &RedisStore{
		client:  client,
		prefix:  config.KeyPrefix,
		timeout: config.Timeout,
		now:     time.Now,
	}, nil
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now()

	result, err := incrScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, Error.Wrap(err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, time.Time{}, Error.New("unexpected script result %v", result)
	}
	count, okCount := values[0].(int64)
	ttlMillis, okTTL := values[1].(int64)
	if !okCount || !okTTL {
		return 0, time.Time{}, Error.New("unexpected script result %v", result)
	}

	return count, now.Add(time.Duration(ttlMillis) * time.Millisecond), nil
}

// Sweep implements Store. Redis expires counters through TTLs, so there
// is nothing to remove locally.
func (s *RedisStore) Sweep(time.Time) int { return 0 }

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return Error.Wrap(s.client.Close())
}
