// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/m3u8d/internal/task"
)

func queues(t *testing.T) map[string]Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Queue{
		"memory": NewMemoryQueue(),
		"redis":  NewRedisQueue(client, "test:queue"),
	}
}

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := q.Pop(ctx)
			require.NoError(t, err)
			assert.False(t, ok, "empty queue")

			for i := int64(1); i <= 3; i++ {
				require.NoError(t, q.Push(ctx, task.Descriptor{ID: i, MovieName: "M", SubTitleName: "S"}))
			}
			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			for i := int64(1); i <= 3; i++ {
				d, ok, err := q.Pop(ctx)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, i, d.ID)
				assert.Equal(t, "M", d.MovieName)
			}
			n, err = q.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
			require.NoError(t, q.Close())
		})
	}
}

func TestRedisQueueUsesList(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedisQueue(client, "")
	require.NoError(t, q.Push(context.Background(), task.Descriptor{ID: 4}))

	items, err := mr.List(DefaultRedisKey)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0], `"id":4`)
}

func TestRedisQueueCorruptEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := mr.Lpush(DefaultRedisKey, "not json")
	require.NoError(t, err)
	_, _, err = NewRedisQueue(client, "").Pop(context.Background())
	require.Error(t, err)
}

func TestRedisQueueLeavesClientOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q, err := Open(BackendRedis, client)
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestOpen(t *testing.T) {
	q, err := Open("", nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	_, err = Open(BackendRedis, nil)
	require.Error(t, err)

	_, err = Open("kafka", nil)
	require.EqualError(t, err, "unknown queue backend: kafka (supported: memory, redis)")
}
