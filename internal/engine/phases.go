// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/m3u8d/internal/fetch"
	"github.com/ManuGH/m3u8d/internal/hls"
	"github.com/ManuGH/m3u8d/internal/ledger"
	xglog "github.com/ManuGH/m3u8d/internal/log"
	pnet "github.com/ManuGH/m3u8d/internal/platform/net"
	"github.com/ManuGH/m3u8d/internal/task"
	"github.com/ManuGH/m3u8d/internal/telemetry"
)

// parseSource resolves the playlist and key, then lays out the ledger.
// Segments already in the success log are left out of the manifest.
func (e *Engine) parseSource(ctx context.Context, r *run) (PhaseResult, error) {
	tc, err := e.taskContext(r.desc)
	if err != nil {
		return PhaseResult{}, err
	}
	src, err := pnet.ValidateSourceURL(r.desc.URL)
	if err != nil {
		return PhaseResult{}, err
	}

	pl, err := e.resolver.Resolve(ctx, src.String())
	if err != nil {
		return PhaseResult{}, fmt.Errorf("resolve playlist: %w", err)
	}
	enc, err := hls.ResolveKey(ctx, e.deps.Getter, pl.URL, pl.Key)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("resolve key: %w", err)
	}
	plan, err := ledger.Prepare(tc, r.desc.ID, pl, enc)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("prepare ledger: %w", err)
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(telemetry.EncryptionMethodKey, string(enc.Method)),
	)
	trace.SpanFromContext(ctx).SetAttributes(telemetry.SegmentAttributes(plan.Total, len(plan.Manifest.Segments))...)
	if err := e.deps.Store.UpdateProgress(ctx, r.desc.ID, plan.Done, plan.Total); err != nil {
		r.logger.Warn().Err(err).Msg("task store progress update failed")
	}
	r.logger.Info().
		Int(xglog.FieldSegments, plan.Total).
		Int(xglog.FieldCompleted, plan.Done).
		Str("encryption", string(enc.Method)).
		Msg("playlist parsed")

	r.desc.Count = plan.Total
	return PhaseResult{Next: task.Transition(task.ParseSource, task.Done), Event: parseSourceEnd(r.desc.ID, plan.Total)}, nil
}

// downloadSlice runs one fetch round over the segments not yet in the
// success log and rewrites the manifest with whatever is left.
func (e *Engine) downloadSlice(ctx context.Context, r *run) (PhaseResult, error) {
	tc, err := e.taskContext(r.desc)
	if err != nil {
		return PhaseResult{}, err
	}
	m, err := ledger.LoadManifest(tc.Manifest)
	if err != nil {
		return PhaseResult{}, err
	}
	successLog := ledger.NewSuccessLog(tc.SuccessLog)
	done, err := successLog.Load()
	if err != nil {
		return PhaseResult{}, err
	}
	completed, err := successLog.Count()
	if err != nil {
		return PhaseResult{}, err
	}
	queue := ledger.ReadQueue(m, done)

	progress := func(n int) {
		if err := r.sink.Emit(ctx, progressEvent(r.desc.ID, n)); err != nil {
			r.logger.Debug().Err(err).Msg("progress not delivered")
		}
		if err := e.deps.Store.UpdateProgress(ctx, r.desc.ID, n, 0); err != nil {
			r.logger.Warn().Err(err).Msg("task store progress update failed")
		}
	}

	out, err := e.deps.Pool.Drain(ctx, fetch.Job{
		Queue:      queue,
		Encryption: m.Encryption,
		SuccessLog: successLog,
		Completed:  completed,
	}, progress)
	if err != nil {
		return PhaseResult{}, err
	}

	if err := m.WithSegments(out.Remaining).Save(tc.Manifest); err != nil {
		return PhaseResult{}, fmt.Errorf("save manifest: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(telemetry.SegmentAttributes(len(m.Segments), len(out.Remaining))...)
	r.logger.Info().
		Int(xglog.FieldCompleted, out.Completed).
		Int(xglog.FieldRemaining, len(out.Remaining)).
		Msg("fetch round finished")

	r.desc.DownloadCount = out.Completed
	return PhaseResult{Next: task.Transition(task.DownloadSlice, task.Done), Event: downloadSliceEnd(r.desc.ID, out.Completed)}, nil
}

// checkSource decides between another fetch round and the merge. The
// backoff before another round is not cut short by cancellation.
func (e *Engine) checkSource(ctx context.Context, r *run) (PhaseResult, error) {
	tc, err := e.taskContext(r.desc)
	if err != nil {
		return PhaseResult{}, err
	}
	m, err := ledger.LoadManifest(tc.Manifest)
	if err != nil {
		return PhaseResult{}, err
	}
	done, err := ledger.NewSuccessLog(tc.SuccessLog).Load()
	if err != nil {
		return PhaseResult{}, err
	}

	remaining := len(ledger.ReadQueue(m, done))
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int(telemetry.SegmentsRemainingKey, remaining))
	if remaining == 0 {
		next := task.Transition(task.CheckSource, task.Done)
		return PhaseResult{Next: next, Event: checkSourceEnd(r.desc.ID, next)}, nil
	}

	r.logger.Info().
		Int(xglog.FieldRemaining, remaining).
		Dur("backoff", e.cfg.CheckBackoff).
		Msg("segments missing, backing off")
	time.Sleep(e.cfg.CheckBackoff)
	next := task.Transition(task.CheckSource, task.Incomplete)
	return PhaseResult{Next: next, Event: checkSourceEnd(r.desc.ID, next)}, nil
}

// merge concatenates the segments, publishes the output and schedules the
// removal of the working files.
func (e *Engine) merge(ctx context.Context, r *run) (PhaseResult, error) {
	tc, err := e.taskContext(r.desc)
	if err != nil {
		return PhaseResult{}, err
	}
	res, err := e.deps.Merger.Merge(ctx, tc)
	if err != nil {
		return PhaseResult{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int(telemetry.MergeKeptKey, res.Kept),
		attribute.Int(telemetry.MergeDroppedKey, res.Dropped),
	)

	if err := e.deps.Publisher.Publish(ctx, r.desc.MovieName, tc.Subtitle, res.Output); err != nil {
		r.logger.Warn().Err(err).Str(xglog.FieldEvent, "engine.publish_failed").Msg("output not published")
	}

	e.deps.Cleaner.Schedule(tc.Dir, e.cfg.CleanupGrace, tc.Manifest, tc.Index, tc.SuccessLog, tc.SegmentDir)
	return PhaseResult{Next: task.Transition(task.Merger, task.Done), Event: endSuccess(r.desc.ID)}, nil
}

func telemetryPhase(p task.Phase) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(telemetry.PhaseKey, p.String())}
}

func telemetryNext(p task.Phase) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(telemetry.NextPhaseKey, p.String())}
}
