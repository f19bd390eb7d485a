// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package merge

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	xglog "github.com/ManuGH/m3u8d/internal/log"
	"github.com/ManuGH/m3u8d/internal/metrics"
)

// DefaultCleanupGrace is the delay between a successful merge and removal
// of the task's working files.
const DefaultCleanupGrace = 20 * time.Second

type cleanupJob struct {
	timer *time.Timer
	paths []string
}

// Cleaner runs delayed, cancellable removal jobs keyed by task directory.
type Cleaner struct {
	mu   sync.Mutex
	jobs map[string]*cleanupJob
	wg   sync.WaitGroup
}

func NewCleaner() *Cleaner {
	return &Cleaner{jobs: make(map[string]*cleanupJob)}
}

// Schedule removes paths after grace. A job already pending for dir is
// replaced.
func (c *Cleaner) Schedule(dir string, grace time.Duration, paths ...string) {
	c.Cancel(dir)

	job := &cleanupJob{paths: append([]string(nil), paths...)}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wg.Add(1)
	job.timer = time.AfterFunc(grace, func() { c.fire(dir, job) })
	c.jobs[dir] = job
}

func (c *Cleaner) fire(dir string, job *cleanupJob) {
	defer c.wg.Done()

	c.mu.Lock()
	if c.jobs[dir] == job {
		delete(c.jobs, dir)
	}
	c.mu.Unlock()

	logger := xglog.WithComponent("merge")
	var errs []error
	for _, p := range job.paths {
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		metrics.IncCleanup("error")
		logger.Warn().Err(err).Str(xglog.FieldPath, dir).Msg("cleanup incomplete")
		return
	}
	metrics.IncCleanup("done")
	logger.Debug().Str(xglog.FieldPath, dir).Msg("working files removed")
}

// Cancel stops the pending job for dir. It reports whether a job was
// stopped before it ran.
func (c *Cleaner) Cancel(dir string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[dir]
	if !ok {
		return false
	}
	delete(c.jobs, dir)
	if !job.timer.Stop() {
		return false
	}
	c.wg.Done()
	metrics.IncCleanup("cancelled")
	return true
}

// Pending reports whether a job is scheduled for dir.
func (c *Cleaner) Pending(dir string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[dir]
	return ok
}

// Wait blocks until every scheduled job has run or been cancelled, or ctx
// is done.
func (c *Cleaner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
