// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package fetch drains a segment queue with a bounded set of workers and a
// single aggregator that owns every ledger write.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ManuGH/m3u8d/internal/hls"
	"github.com/ManuGH/m3u8d/internal/ledger"
	xglog "github.com/ManuGH/m3u8d/internal/log"
	"github.com/ManuGH/m3u8d/internal/metrics"
)

const (
	DefaultConcurrency      = 6
	DefaultProgressInterval = time.Second
)

// ErrEmptySegment is recorded for 200 responses without a body.
var ErrEmptySegment = errors.New("empty segment body")

// Config tunes a Pool.
type Config struct {
	// Concurrency bounds in-flight segment fetches.
	Concurrency int
	// RequestsPerSecond limits request starts; zero is unlimited.
	RequestsPerSecond float64
	// ProgressInterval is the aggregator flush period.
	ProgressInterval time.Duration
}

// Job is one drain round.
type Job struct {
	Queue      []ledger.Segment
	Encryption hls.Encryption
	SuccessLog *ledger.SuccessLog
	// Completed is the success-log count before the round starts.
	Completed int
}

// ProgressFunc receives the cumulative completed count after each flush
// that advanced it.
type ProgressFunc func(completed int)

// Outcome summarises a finished round.
type Outcome struct {
	Completed int
	Fetched   int
	Remaining []ledger.Segment
}

type result struct {
	seg  ledger.Segment
	data []byte
	err  error
}

// Pool fetches and decrypts segments concurrently.
type Pool struct {
	get     hls.Getter
	cfg     Config
	limiter *rate.Limiter
}

// NewPool returns a pool fetching through get.
func NewPool(get hls.Getter, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	p := &Pool{get: get, cfg: cfg}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Concurrency)
	}
	return p
}

// Drain fetches every queued segment once. Successful segments are written
// atomically to their destination and recorded in the success log in
// batches; failed ones are returned in Outcome.Remaining in queue order.
// When ctx is cancelled the pending batch is still recorded and ctx.Err()
// is returned.
func (p *Pool) Drain(ctx context.Context, job Job, progress ProgressFunc) (Outcome, error) {
	logger := xglog.WithComponentFromContext(ctx, "fetch")
	if job.SuccessLog == nil {
		return Outcome{}, fmt.Errorf("fetch: nil success log")
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result)
	go p.dispatch(workCtx, job, results)

	ticker := time.NewTicker(p.cfg.ProgressInterval)
	defer ticker.Stop()

	completed := job.Completed
	fetched := 0
	remaining := make(map[int]struct{}, len(job.Queue))
	for _, s := range job.Queue {
		remaining[s.ID] = struct{}{}
	}
	var batch []string

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := job.SuccessLog.Append(batch); err != nil {
			return err
		}
		completed += len(batch)
		batch = batch[:0]
		if progress != nil {
			progress(completed)
		}
		return nil
	}

	abort := func(err error) (Outcome, error) {
		cancel()
		for range results {
		}
		return Outcome{Completed: completed, Fetched: fetched, Remaining: pick(job.Queue, remaining)}, err
	}

	for {
		select {
		case r, ok := <-results:
			if !ok {
				if err := flush(); err != nil {
					return Outcome{}, fmt.Errorf("record batch: %w", err)
				}
				return Outcome{Completed: completed, Fetched: fetched, Remaining: pick(job.Queue, remaining)}, nil
			}
			if r.err != nil {
				metrics.IncSegment(outcomeLabel(r.err))
				logger.Warn().Err(r.err).Int(xglog.FieldSegment, r.seg.ID).Msg("segment failed")
				continue
			}
			if err := ledger.WriteFileAtomic(r.seg.FileName, r.data); err != nil {
				metrics.IncSegment("write_error")
				logger.Warn().Err(err).Str(xglog.FieldPath, r.seg.FileName).Msg("segment write failed")
				continue
			}
			metrics.IncSegment("success")
			metrics.AddSegmentBytes(len(r.data))
			delete(remaining, r.seg.ID)
			fetched++
			batch = append(batch, r.seg.Base())

		case <-ticker.C:
			if err := flush(); err != nil {
				return abort(fmt.Errorf("record batch: %w", err))
			}

		case <-ctx.Done():
			if err := flush(); err != nil {
				logger.Error().Err(err).Msg("record batch on cancel")
			}
			return abort(ctx.Err())
		}
	}
}

// dispatch acquires a permit before spawning each worker and closes results
// once every worker has returned.
func (p *Pool) dispatch(ctx context.Context, job Job, results chan<- result) {
	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(results)
	}()

	for _, seg := range job.Queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				sem.Release(1)
				return
			}
		}
		wg.Add(1)
		go func(seg ledger.Segment) {
			defer wg.Done()
			defer sem.Release(1)

			r := p.fetch(ctx, seg, job.Encryption)
			select {
			case results <- r:
			case <-ctx.Done():
			}
		}(seg)
	}
}

func (p *Pool) fetch(ctx context.Context, seg ledger.Segment, enc hls.Encryption) result {
	metrics.IncFetchInFlight()
	defer metrics.DecFetchInFlight()

	body, err := p.get.Get(ctx, seg.URL)
	if err != nil {
		return result{seg: seg, err: err}
	}
	if len(body) == 0 {
		return result{seg: seg, err: ErrEmptySegment}
	}
	plain, err := enc.Decrypt(body, seg.Seq)
	if err != nil {
		return result{seg: seg, err: err}
	}
	return result{seg: seg, data: plain}
}

func pick(queue []ledger.Segment, remaining map[int]struct{}) []ledger.Segment {
	out := make([]ledger.Segment, 0, len(remaining))
	for _, s := range queue {
		if _, ok := remaining[s.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}

func outcomeLabel(err error) string {
	var se *hls.StatusError
	switch {
	case errors.Is(err, ErrEmptySegment):
		return "empty"
	case errors.Is(err, hls.ErrBadCiphertext), errors.Is(err, hls.ErrBadKey):
		return "decrypt_error"
	case errors.As(err, &se):
		return "http_error"
	default:
		return "transport_error"
	}
}
