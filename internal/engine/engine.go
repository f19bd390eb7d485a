// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package engine drives a download task through its phases: parse the
// playlist, fetch segments, check for gaps, merge and clean up.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/m3u8d/internal/fetch"
	"github.com/ManuGH/m3u8d/internal/hls"
	xglog "github.com/ManuGH/m3u8d/internal/log"
	"github.com/ManuGH/m3u8d/internal/merge"
	"github.com/ManuGH/m3u8d/internal/metrics"
	"github.com/ManuGH/m3u8d/internal/publish"
	"github.com/ManuGH/m3u8d/internal/retry"
	"github.com/ManuGH/m3u8d/internal/store"
	"github.com/ManuGH/m3u8d/internal/task"
	"github.com/ManuGH/m3u8d/internal/telemetry"
)

// DefaultCheckBackoff is the pause before another fetch round when
// segments are still missing.
const DefaultCheckBackoff = 10 * time.Second

// ErrUnsupportedPhase is returned for descriptors whose status names no
// known phase.
var ErrUnsupportedPhase = errors.New("unsupported phase")

// ErrRetriesExhausted is returned when the fetch round limit is reached.
var ErrRetriesExhausted = errors.New("download retries exhausted")

// Deps are the collaborators shared by every run of an Engine.
type Deps struct {
	Getter    hls.Getter
	Pool      *fetch.Pool
	Governor  *retry.Governor
	Merger    *merge.Merger
	Cleaner   *merge.Cleaner
	Store     store.Store
	Publisher publish.Publisher
	// SaveRoot provides the save root for descriptors without a save path.
	SaveRoot func() string
}

// Config holds the engine tunables.
type Config struct {
	CheckBackoff time.Duration
	CleanupGrace time.Duration
}

// PhaseResult is what a phase hands back to the orchestrator: the phase to
// run next and the event to relay, if any.
type PhaseResult struct {
	Next  task.Phase
	Event *Event
}

// Engine runs tasks. It is safe for concurrent use; callers must not run
// the same task twice at once.
type Engine struct {
	deps     Deps
	cfg      Config
	resolver *hls.Resolver
	tracer   func() trace.Tracer
}

// New returns an engine. Missing optional collaborators get in-memory or
// no-op defaults.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Getter == nil {
		return nil, errors.New("engine: getter is required")
	}
	if deps.Governor == nil {
		return nil, errors.New("engine: retry governor is required")
	}
	if deps.Pool == nil {
		deps.Pool = fetch.NewPool(deps.Getter, fetch.Config{})
	}
	if deps.Merger == nil {
		deps.Merger = merge.NewMerger("", nil)
	}
	if deps.Cleaner == nil {
		deps.Cleaner = merge.NewCleaner()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Publisher == nil {
		deps.Publisher = publish.Nop{}
	}
	if deps.SaveRoot == nil {
		deps.SaveRoot = func() string { return "" }
	}
	if cfg.CheckBackoff <= 0 {
		cfg.CheckBackoff = DefaultCheckBackoff
	}
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = merge.DefaultCleanupGrace
	}
	return &Engine{
		deps:     deps,
		cfg:      cfg,
		resolver: hls.NewResolver(deps.Getter),
		tracer:   func() trace.Tracer { return telemetry.Tracer("m3u8d/engine") },
	}, nil
}

// Cleaner exposes the cleanup scheduler so the daemon can join it on
// shutdown.
func (e *Engine) Cleaner() *merge.Cleaner { return e.deps.Cleaner }

// Store exposes the task store.
func (e *Engine) Store() store.Store { return e.deps.Store }

// run carries the mutable state of one Run call.
type run struct {
	desc   task.Descriptor
	sink   Sink
	logger zerolog.Logger
}

// Run drives d from the phase named by d.Status until the task ends.
// Every terminal outcome emits exactly one end event. A cancelled ctx
// returns ctx.Err() without an end event.
func (e *Engine) Run(ctx context.Context, d task.Descriptor, sink Sink) error {
	ctx = xglog.ContextWithTaskID(ctx, d.Key())
	r := &run{
		desc:   d,
		sink:   sink,
		logger: xglog.WithComponentFromContext(ctx, "engine"),
	}

	if err := e.deps.Store.Save(ctx, d); err != nil {
		r.logger.Warn().Err(err).Msg("task store save failed")
	}

	phase := task.ParsePhase(d.Status)
	if tc, err := e.taskContext(d); err == nil {
		if e.deps.Cleaner.Cancel(tc.Dir) {
			r.logger.Info().Str(xglog.FieldPath, tc.Dir).Msg("pending cleanup cancelled for restarted task")
		}
	}

	if phase.Terminal() {
		return e.succeed(ctx, r, endSuccess(d.ID))
	}

	for {
		e.recordPhase(ctx, r, phase)
		res, err := e.runPhase(ctx, r, phase)
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.logger.Info().Str(xglog.FieldPhase, phase.String()).Msg("run cancelled")
			return ctxErr
		}

		if err != nil {
			if phase != task.DownloadSlice {
				return e.fail(ctx, r, phase, err)
			}
			if exhausted, count := e.retry(r); exhausted {
				return e.fail(ctx, r, phase, fmt.Errorf("%w after %d rounds: %v", ErrRetriesExhausted, count, err))
			}
			r.logger.Warn().
				Err(err).
				Str(xglog.FieldEvent, "engine.slice_retry").
				Msg("fetch round failed, retrying")
			continue
		}

		if res.Next.Terminal() {
			return e.succeed(ctx, r, res.Event)
		}
		if res.Event != nil {
			if err := r.sink.Emit(ctx, *res.Event); err != nil {
				return fmt.Errorf("emit %s: %w", res.Event.Type, err)
			}
		}

		if phase == task.CheckSource && res.Next == task.DownloadSlice {
			if exhausted, count := e.retry(r); exhausted {
				return e.fail(ctx, r, phase, fmt.Errorf("%w after %d rounds", ErrRetriesExhausted, count))
			}
		}

		r.logger.Debug().
			Str(xglog.FieldPhase, phase.String()).
			Str(xglog.FieldNextPhase, res.Next.String()).
			Msg("phase complete")
		r.desc.Status = res.Next.String()
		phase = res.Next
	}
}

// retry counts another fetch round for the task and reports whether the
// limit is reached.
func (e *Engine) retry(r *run) (bool, int) {
	count := e.deps.Governor.Increment(r.desc.RetryKey())
	metrics.IncSliceRetry()
	r.logger.Debug().Int(xglog.FieldRetryCount, count).Msg("fetch round counted")
	return e.deps.Governor.Exhausted(count), count
}

func (e *Engine) runPhase(ctx context.Context, r *run, phase task.Phase) (PhaseResult, error) {
	ctx, span := e.tracer().Start(ctx, "engine."+phase.String(),
		trace.WithAttributes(telemetry.TaskAttributes(r.desc.ID, r.desc.MovieName, r.desc.SubTitleName)...))
	defer span.End()
	span.SetAttributes(telemetryPhase(phase)...)
	plog := xglog.WithTraceContext(ctx, r.logger)

	start := time.Now()
	var (
		res PhaseResult
		err error
	)
	switch phase {
	case task.ParseSource:
		res, err = e.parseSource(ctx, r)
	case task.DownloadSlice:
		res, err = e.downloadSlice(ctx, r)
	case task.CheckSource:
		res, err = e.checkSource(ctx, r)
	case task.Merger:
		res, err = e.merge(ctx, r)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedPhase, r.desc.Status)
	}
	took := time.Since(start)
	metrics.ObservePhase(phase.String(), took.Seconds(), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(telemetry.ErrorAttributes(errorType(err))...)
		plog.Debug().Err(err).Str(xglog.FieldPhase, phase.String()).Dur("took", took).Msg("phase failed")
		return res, err
	}
	span.SetAttributes(telemetryNext(res.Next)...)
	plog.Debug().
		Str(xglog.FieldPhase, phase.String()).
		Str("next", res.Next.String()).
		Dur("took", took).
		Msg("phase finished")
	return res, nil
}

func (e *Engine) recordPhase(ctx context.Context, r *run, phase task.Phase) {
	if phase == task.Unsupported {
		return
	}
	if err := e.deps.Store.UpdatePhase(ctx, r.desc.ID, phase); err != nil {
		r.logger.Warn().Err(err).Msg("task store phase update failed")
	}
}

func (e *Engine) succeed(ctx context.Context, r *run, ev *Event) error {
	e.deps.Governor.Reset(r.desc.RetryKey())
	if err := e.deps.Store.MarkTerminal(ctx, r.desc.ID, task.StatusDownloadSuccess); err != nil {
		r.logger.Warn().Err(err).Msg("task store terminal update failed")
	}
	if err := e.deps.Store.UpdatePhase(ctx, r.desc.ID, task.DownloadEnd); err != nil {
		r.logger.Warn().Err(err).Msg("task store phase update failed")
	}
	metrics.IncTaskFinished(task.StatusDownloadSuccess)
	r.logger.Info().Str(xglog.FieldEvent, "engine.task_succeeded").Msg("download finished")
	if ev == nil {
		ev = endSuccess(r.desc.ID)
	}
	return r.sink.Emit(ctx, *ev)
}

// fail emits the terminal failure event. The phase error is logged, not
// returned: a failed task is a completed run.
func (e *Engine) fail(ctx context.Context, r *run, phase task.Phase, cause error) error {
	if err := e.deps.Store.MarkTerminal(ctx, r.desc.ID, task.StatusDownloadFail); err != nil {
		r.logger.Warn().Err(err).Msg("task store terminal update failed")
	}
	metrics.IncTaskFinished(task.StatusDownloadFail)
	r.logger.Error().
		Err(cause).
		Str(xglog.FieldEvent, "engine.phase_failed").
		Str(xglog.FieldPhase, phase.String()).
		Msg("download failed")
	return r.sink.Emit(ctx, *endFailure(r.desc.ID, phase))
}

func (e *Engine) taskContext(d task.Descriptor) (task.Context, error) {
	return task.NewContext(e.deps.SaveRoot(), d)
}

func errorType(err error) string {
	var te *merge.TranscodeError
	var se *hls.StatusError
	switch {
	case errors.Is(err, ErrUnsupportedPhase):
		return "unsupported_phase"
	case errors.Is(err, task.ErrInvalidName):
		return "invalid_name"
	case errors.As(err, &te):
		return "transcoder"
	case errors.As(err, &se):
		return "http_status"
	case errors.Is(err, hls.ErrBadKey), errors.Is(err, hls.ErrUnsupportedMethod):
		return "encryption"
	case errors.Is(err, hls.ErrNestedMaster), errors.Is(err, hls.ErrNoVariant), errors.Is(err, hls.ErrNoSegments):
		return "playlist"
	default:
		return "internal"
	}
}
