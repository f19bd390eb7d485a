// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"sync"

	"github.com/ManuGH/m3u8d/internal/task"
)

// MemoryStore implements Store with a map.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[int64]task.Descriptor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[int64]task.Descriptor)}
}

func (s *MemoryStore) Save(_ context.Context, d task.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[d.ID] = d
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (task.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[id]
	if !ok {
		return task.Descriptor{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) List(_ context.Context) ([]task.Descriptor, error) {
	s.mu.RLock()
	out := make([]task.Descriptor, 0, len(s.data))
	for _, d := range s.data {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sortByID(out)
	return out, nil
}

func (s *MemoryStore) update(id int64, fn func(*task.Descriptor)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[id]
	if !ok {
		return ErrNotFound
	}
	fn(&d)
	s.data[id] = d
	return nil
}

func (s *MemoryStore) UpdatePhase(_ context.Context, id int64, phase task.Phase) error {
	return s.update(id, func(d *task.Descriptor) { applyPhase(d, phase) })
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id int64, completed, total int) error {
	return s.update(id, func(d *task.Descriptor) { applyProgress(d, completed, total) })
}

func (s *MemoryStore) MarkTerminal(_ context.Context, id int64, downloadStatus string) error {
	return s.update(id, func(d *task.Descriptor) { d.DownloadStatus = downloadStatus })
}

func (s *MemoryStore) Close() error { return nil }
