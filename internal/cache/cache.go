// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package cache provides expiring key/value caches used for retry bookkeeping.
package cache

import (
	"sync"
	"time"
)

// DefaultMaxEntries bounds the memory cache when no explicit capacity is given.
const DefaultMaxEntries = 1024

// Cache provides thread-safe caching with expiration support.
type Cache interface {
	// Get retrieves a value from the cache. Returns false if not found or expired.
	Get(key string) (any, bool)
	// Set stores a value in the cache with the specified TTL.
	Set(key string, value any, ttl time.Duration)
	// Delete removes a value from the cache.
	Delete(key string)
	// Clear removes all values from the cache.
	Clear()
	// Stats returns cache statistics.
	Stats() CacheStats
	// Close releases background resources.
	Close() error
}

// CacheStats holds cache performance metrics.
type CacheStats struct {
	Hits        int64 // Number of successful Get operations
	Misses      int64 // Number of failed Get operations (not found or expired)
	Sets        int64 // Number of Set operations
	Evictions   int64 // Number of entries dropped by expiry or capacity
	CurrentSize int   // Current number of cached entries
}

type entry struct {
	value      any
	expiration time.Time
}

func (e *entry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// Option customises a memory cache.
type Option func(*memoryCache)

// WithMaxEntries caps the number of live entries. When a Set would exceed the
// cap, the entry closest to expiry is evicted first.
func WithMaxEntries(n int) Option {
	return func(c *memoryCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// withClock overrides time.Now (tests only).
func withClock(now func() time.Time) Option {
	return func(c *memoryCache) { c.now = now }
}

type memoryCache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	stats      CacheStats
	maxEntries int
	now        func() time.Time
	janitor    *janitor
	stopOnce   sync.Once
}

// NewMemoryCache creates a new in-memory cache with automatic cleanup.
// The cleanupInterval determines how often expired entries are removed;
// zero disables the janitor goroutine.
func NewMemoryCache(cleanupInterval time.Duration, opts ...Option) Cache {
	c := &memoryCache{
		entries:    make(map[string]*entry),
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if cleanupInterval > 0 {
		c.janitor = &janitor{
			interval: cleanupInterval,
			stop:     make(chan struct{}),
		}
		go c.janitor.run(c)
	}

	return c
}

func (c *memoryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found || e.isExpired(c.now()) {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return e.value, true
}

func (c *memoryCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}

	c.entries[key] = &entry{
		value:      value,
		expiration: now.Add(ttl),
	}
	c.stats.Sets++
}

// evictLocked drops expired entries, then the soonest-expiring one if the
// cache is still full.
func (c *memoryCache) evictLocked(now time.Time) {
	c.stats.Evictions += int64(c.deleteExpiredLocked(now))
	if len(c.entries) < c.maxEntries {
		return
	}

	var (
		victim string
		oldest time.Time
		first  = true
	)
	for k, e := range c.entries {
		if first || e.expiration.Before(oldest) {
			victim, oldest, first = k, e.expiration, false
		}
	}
	if !first {
		delete(c.entries, victim)
		c.stats.Evictions++
	}
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

func (c *memoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.CurrentSize = len(c.entries)
	return stats
}

func (c *memoryCache) deleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.deleteExpiredLocked(c.now())
	c.stats.Evictions += int64(n)
	return n
}

func (c *memoryCache) deleteExpiredLocked(now time.Time) int {
	count := 0
	for key, e := range c.entries {
		if e.isExpired(now) {
			delete(c.entries, key)
			count++
		}
	}
	return count
}

// Close stops the background cleanup goroutine.
func (c *memoryCache) Close() error {
	if c.janitor != nil {
		c.stopOnce.Do(func() { close(c.janitor.stop) })
	}
	return nil
}

type janitor struct {
	interval time.Duration
	stop     chan struct{}
}

func (j *janitor) run(c *memoryCache) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-j.stop:
			return
		}
	}
}
