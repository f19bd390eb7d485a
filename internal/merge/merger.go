// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package merge

import (
	"context"
	"fmt"
	"time"

	xglog "github.com/ManuGH/m3u8d/internal/log"
	"github.com/ManuGH/m3u8d/internal/metrics"
	"github.com/ManuGH/m3u8d/internal/task"
)

// DefaultBinary is looked up in PATH when no transcoder is configured.
const DefaultBinary = "ffmpeg"

// Result describes a finished merge.
type Result struct {
	Output  string
	Kept    int
	Dropped int
}

// Merger prunes the index and concatenates the listed segments.
type Merger struct {
	bin    string
	runner Runner
}

// NewMerger returns a merger invoking bin through runner. A nil runner
// uses ExecRunner with the default grace period.
func NewMerger(bin string, runner Runner) *Merger {
	if bin == "" {
		bin = DefaultBinary
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Merger{bin: bin, runner: runner}
}

// Args returns the transcoder arguments for a concat of index into output.
func Args(index, output string) []string {
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", index,
		"-bsf:a", "aac_adtstoasc",
		"-c", "copy",
		output,
	}
}

// Merge writes tc.Output from the segments listed in tc.Index.
func (m *Merger) Merge(ctx context.Context, tc task.Context) (Result, error) {
	logger := xglog.WithComponentFromContext(ctx, "merge")
	start := time.Now()

	kept, dropped, err := PruneIndex(tc.Index)
	if err != nil {
		return Result{}, fmt.Errorf("prune index: %w", err)
	}
	metrics.AddMergePruned(dropped)
	if dropped > 0 {
		logger.Warn().Int("kept", kept).Int("dropped", dropped).Msg("index entries without file dropped")
	}

	err = m.runner.Run(ctx, m.bin, Args(tc.Index, tc.Output))
	metrics.ObserveMerge(time.Since(start).Seconds(), err)
	if err != nil {
		return Result{}, err
	}
	logger.Info().Str(xglog.FieldPath, tc.Output).Int(xglog.FieldSegments, kept).Msg("merge complete")
	return Result{Output: tc.Output, Kept: kept, Dropped: dropped}, nil
}
