// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package counters

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// numShards is the number of independently locked segments of the
// in-memory store. It must be a power of two.
const numShards = 64

// Memory is an in-process Store. Keys are spread over a fixed number of
// shards, each with its own lock, so concurrent requests for different
// keys rarely contend and the janitor sweep never holds a store-wide
// lock.
type Memory struct {
	shards [numShards]shard

	now func() time.Time
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
}

type windowCounter struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return NewMemoryAt(time.Now)
}

// NewMemoryAt constructs an in-memory Store that reads time from now.
// Tests use it to control window rollover.
func NewMemoryAt(now func() time.Time) *Memory {
	m := &Memory{now: now}
	for i := range m.shards {
		m.shards[i].counters = make(map[string]*windowCounter)
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()&(numShards-1)]
}

// Increment implements Store. It never fails.
func (m *Memory) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := m.now()

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		c = &windowCounter{windowStart: now, window: window}
		s.counters[key] = c
	} else if !now.Before(c.windowStart.Add(c.window)) {
		c.count = 0
		c.windowStart = now
		c.window = window
	}

	c.count++

	return c.count, c.windowStart.Add(c.window), nil
}

// Sweep implements Store. A counter is removed once a full extra window
// has passed beyond the end of the window it was counting, at which point
// a new request would reset it anyway.
func (m *Memory) Sweep(now time.Time) int {
	var removed int
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for key, c := range s.counters {
			if !now.Before(c.windowStart.Add(2 * c.window)) {
				delete(s.counters, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked counters.
func (m *Memory) Len() int {
	var n int
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.counters)
		s.mu.Unlock()
	}
	return n
}
