// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisOpTimeout = 2 * time.Second
	// indexSuffix names the sorted set that scores every live key by its
	// expiry in unix milliseconds.
	indexSuffix = "#index"
)

// RedisCache stores JSON values under a key prefix on a shared client.
// Numbers come back as float64. The client belongs to the caller.
type RedisCache struct {
	client     *redis.Client
	prefix     string
	maxEntries int
	logger     zerolog.Logger
	now        func() time.Time

	hits, misses, sets, evictions atomic.Int64
}

// RedisOption customises a Redis cache.
type RedisOption func(*RedisCache)

// WithRedisMaxEntries caps the live keys under the prefix. When a Set goes
// over the cap, the keys closest to expiry are dropped first.
func WithRedisMaxEntries(n int) RedisOption {
	return func(c *RedisCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// NewRedisCache wraps client, namespacing every key with prefix.
func NewRedisCache(client *redis.Client, prefix string, logger zerolog.Logger, opts ...RedisOption) *RedisCache {
	c := &RedisCache{client: client, prefix: prefix, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

func (c *RedisCache) index() string { return c.prefix + indexSuffix }

func (c *RedisCache) Get(key string) (any, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("redis get failed")
		}
		c.misses.Add(1)
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("undecodable cache value")
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return v, true
}

func (c *RedisCache) Set(key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("unencodable cache value")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	now := c.now()
	expiry := float64(math.MaxInt64)
	if ttl > 0 {
		expiry = float64(now.Add(ttl).UnixMilli())
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.key(key), data, ttl)
		pipe.ZAdd(ctx, c.index(), redis.Z{Score: expiry, Member: key})
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis set failed")
		return
	}
	c.sets.Add(1)
	if c.maxEntries > 0 {
		c.trim(ctx, now)
	}
}

// trim forgets expired index members and evicts keys beyond maxEntries.
func (c *RedisCache) trim(ctx context.Context, now time.Time) {
	idx := c.index()
	if err := c.client.ZRemRangeByScore(ctx, idx, "-inf", strconv.FormatInt(now.UnixMilli(), 10)).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis index prune failed")
		return
	}
	n, err := c.client.ZCard(ctx, idx).Result()
	if err != nil || n <= int64(c.maxEntries) {
		return
	}
	victims, err := c.client.ZPopMin(ctx, idx, n-int64(c.maxEntries)).Result()
	if err != nil {
		c.logger.Warn().Err(err).Msg("redis eviction failed")
		return
	}
	keys := make([]string, 0, len(victims))
	for _, z := range victims {
		if m, ok := z.Member.(string); ok {
			keys = append(keys, c.key(m))
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis eviction failed")
		return
	}
	c.evictions.Add(int64(len(keys)))
}

func (c *RedisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.key(key))
		pipe.ZRem(ctx, c.index(), key)
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis delete failed")
	}
}

// Clear removes every key under the prefix, the index included.
func (c *RedisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis scan failed")
		return
	}
	if len(batch) == 0 {
		return
	}
	if err := c.client.Del(ctx, batch...).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis clear failed")
	}
}

// Stats reports the live keys under the prefix as CurrentSize.
func (c *RedisCache) Stats() CacheStats {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	live := "(" + strconv.FormatInt(c.now().UnixMilli(), 10)
	size, err := c.client.ZCount(ctx, c.index(), live, "+inf").Result()
	if err != nil {
		c.logger.Warn().Err(err).Msg("redis size lookup failed")
		size = 0
	}
	return CacheStats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Evictions:   c.evictions.Load(),
		CurrentSize: int(size),
	}
}

// Close is a no-op; the shared client is closed by its owner.
func (c *RedisCache) Close() error { return nil }

// Ping reports whether the backing Redis answers.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
