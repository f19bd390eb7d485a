// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package control

import (
	"fmt"
	"sync"

	"github.com/ManuGH/m3u8d/internal/metrics"
)

type claim struct {
	dir     string
	session string
}

// Registry tracks the running tasks of a server. A task holds both its id
// and its ledger directory, so two runs never write the same ledger.
type Registry struct {
	mu     sync.Mutex
	active map[int64]claim
	dirs   map[string]int64
}

func NewRegistry() *Registry {
	return &Registry{
		active: make(map[int64]claim),
		dirs:   make(map[string]int64),
	}
}

// TryAcquire claims id and its ledger dir for session. The error names the
// running task that holds either of them.
func (r *Registry) TryAcquire(id int64, dir, session string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[id]; busy {
		return fmt.Errorf("task %d is already running", id)
	}
	if owner, busy := r.dirs[dir]; busy {
		return fmt.Errorf("task %d is already writing %s", owner, dir)
	}
	r.active[id] = claim{dir: dir, session: session}
	r.dirs[dir] = id
	metrics.SetActiveTasks(len(r.active))
	return nil
}

// Release frees id and its ledger dir.
func (r *Registry) Release(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.active[id]; ok {
		delete(r.dirs, c.dir)
		delete(r.active, id)
	}
	metrics.SetActiveTasks(len(r.active))
}

// Len returns the number of running tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
