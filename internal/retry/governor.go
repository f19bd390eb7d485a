// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package retry bounds how often a task may re-enter its fetch round.
package retry

import (
	"sync"
	"time"

	"github.com/ManuGH/m3u8d/internal/cache"
)

const (
	DefaultThreshold = 5
	DefaultTTL       = time.Hour
)

// Governor counts failed fetch rounds per key in an expiring cache. An
// evicted or expired entry starts again from zero.
type Governor struct {
	cache     cache.Cache
	threshold int
	ttl       time.Duration
	mu        sync.Mutex
}

// NewGovernor returns a governor over c. Non-positive threshold or ttl take
// the defaults.
func NewGovernor(c cache.Cache, threshold int, ttl time.Duration) *Governor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Governor{cache: c, threshold: threshold, ttl: ttl}
}

// Increment bumps the counter for key, refreshes its TTL and returns the new
// count.
func (g *Governor) Increment(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.count(key) + 1
	g.cache.Set(key, n, g.ttl)
	return n
}

// Count returns the current counter for key.
func (g *Governor) Count(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count(key)
}

func (g *Governor) count(key string) int {
	v, ok := g.cache.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Exhausted reports whether count has reached the threshold.
func (g *Governor) Exhausted(count int) bool {
	return count >= g.threshold
}

// Threshold returns the configured limit.
func (g *Governor) Threshold() int { return g.threshold }

// Reset forgets key.
func (g *Governor) Reset(key string) {
	g.cache.Delete(key)
}
