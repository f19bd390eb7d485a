// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package merge

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/ManuGH/m3u8d/internal/procgroup"
)

// ErrTranscoder matches every transcoder failure.
var ErrTranscoder = errors.New("transcoder failed")

// TranscodeError carries the transcoder's stderr. Its message is the stderr
// text verbatim so callers can relay it unchanged.
type TranscodeError struct {
	Stderr string
	Err    error
}

func (e *TranscodeError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ErrTranscoder.Error()
}

func (e *TranscodeError) Unwrap() []error {
	return []error{ErrTranscoder, e.Err}
}

// Runner executes the transcoder binary.
type Runner interface {
	Run(ctx context.Context, bin string, args []string) error
}

// ExecRunner runs the binary in its own process group. Cancelling ctx
// terminates the group, escalating to SIGKILL after Grace.
type ExecRunner struct {
	Grace time.Duration
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, bin string, args []string) error {
	cmd := exec.Command(bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := procgroup.Run(ctx, cmd, r.Grace); err != nil {
		return &TranscodeError{Stderr: stderr.String(), Err: err}
	}
	return nil
}
