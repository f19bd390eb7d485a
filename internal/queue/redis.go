// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/m3u8d/internal/task"
)

// DefaultRedisKey is the list holding queued descriptors.
const DefaultRedisKey = "m3u8d:queue"

// RedisQueue implements Queue on a Redis list: LPUSH to enqueue, RPOP to
// dequeue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue wraps client. The client is not closed by Close.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Push(ctx context.Context, d task.Descriptor) error {
	buf, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, buf).Err()
}

func (q *RedisQueue) Pop(ctx context.Context) (task.Descriptor, bool, error) {
	raw, err := q.client.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return task.Descriptor{}, false, nil
	}
	if err != nil {
		return task.Descriptor{}, false, err
	}
	var d task.Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return task.Descriptor{}, false, fmt.Errorf("decode queued descriptor: %w", err)
	}
	return d, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	return int(n), err
}

// Close is a no-op; the client belongs to the caller.
func (q *RedisQueue) Close() error { return nil }

// Open creates a queue for backend. client is required for redis.
func Open(backend string, client *redis.Client) (Queue, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryQueue(), nil
	case BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis queue: no redis client configured")
		}
		return NewRedisQueue(client, ""), nil
	default:
		return nil, errUnknownBackend(backend)
	}
}
