// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package store persists task descriptors for bookkeeping and the
// task listing endpoint.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/ManuGH/m3u8d/internal/task"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Store is the task bookkeeping collaborator of the engine.
type Store interface {
	// Save inserts or replaces d.
	Save(ctx context.Context, d task.Descriptor) error
	Get(ctx context.Context, id int64) (task.Descriptor, error)
	// List returns every task ordered by id.
	List(ctx context.Context) ([]task.Descriptor, error)
	// UpdatePhase records the phase about to run. A waiting task becomes
	// downloading.
	UpdatePhase(ctx context.Context, id int64, phase task.Phase) error
	// UpdateProgress records the completed segment count and, when total is
	// positive, the playlist segment count.
	UpdateProgress(ctx context.Context, id int64, completed, total int) error
	// MarkTerminal records the final download status.
	MarkTerminal(ctx context.Context, id int64, downloadStatus string) error
	Close() error
}

// Backends accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Open creates a store for backend. dir holds the database files of the
// durable backends; an empty dir falls back to memory.
func Open(backend, dir string) (Store, error) {
	if backend == "" {
		backend = BackendSQLite
	}
	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		if dir == "" {
			return NewMemoryStore(), nil
		}
		return NewSqliteStore(filepath.Join(dir, "tasks.sqlite"))
	case BackendBadger:
		if dir == "" {
			return NewMemoryStore(), nil
		}
		return NewBadgerStore(filepath.Join(dir, "tasks.badger"))
	default:
		return nil, fmt.Errorf("unknown store backend: %s (supported: memory, sqlite, badger)", backend)
	}
}

func applyPhase(d *task.Descriptor, phase task.Phase) {
	d.Status = phase.String()
	if d.DownloadStatus == "" || d.DownloadStatus == task.StatusWait {
		d.DownloadStatus = task.StatusDownloading
	}
}

func applyProgress(d *task.Descriptor, completed, total int) {
	d.DownloadCount = completed
	if total > 0 {
		d.Count = total
	}
}

func sortByID(ds []task.Descriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
}
