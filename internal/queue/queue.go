// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package queue holds descriptors submitted for a later run.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/ManuGH/m3u8d/internal/task"
)

// Queue is a FIFO of task descriptors.
type Queue interface {
	Push(ctx context.Context, d task.Descriptor) error
	// Pop removes the oldest descriptor. ok is false when the queue is empty.
	Pop(ctx context.Context) (d task.Descriptor, ok bool, err error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Backends accepted by the daemon configuration.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// MemoryQueue implements Queue with a slice.
type MemoryQueue struct {
	mu    sync.Mutex
	items []task.Descriptor
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(_ context.Context, d task.Descriptor) error {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (task.Descriptor, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return task.Descriptor{}, false, nil
	}
	d := q.items[0]
	q.items[0] = task.Descriptor{}
	q.items = q.items[1:]
	return d, true, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) Close() error { return nil }

func errUnknownBackend(backend string) error {
	return fmt.Errorf("unknown queue backend: %s (supported: memory, redis)", backend)
}
