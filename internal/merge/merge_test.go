// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/m3u8d/internal/ledger"
	"github.com/ManuGH/m3u8d/internal/task"
)

func newTaskContext(t *testing.T) task.Context {
	t.Helper()
	tc, err := task.NewContext(t.TempDir(), task.Descriptor{ID: 1, MovieName: "Movie", SubTitleName: "E01"})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(tc.SegmentDir, 0o755))
	return tc
}

func writeSegments(t *testing.T, tc task.Context, n int, missing ...int) []string {
	t.Helper()
	skip := make(map[int]bool, len(missing))
	for _, i := range missing {
		skip[i] = true
	}
	files := make([]string, n)
	for i := range files {
		files[i] = filepath.Join(tc.SegmentDir, fmt.Sprintf("%06d.ts", i))
		if !skip[i] {
			require.NoError(t, os.WriteFile(files[i], []byte{byte(i)}, 0o644))
		}
	}
	require.NoError(t, ledger.WriteIndex(tc.Index, files))
	return files
}

func TestPruneIndexDropsMissing(t *testing.T) {
	tc := newTaskContext(t)
	files := writeSegments(t, tc, 10, 3, 7)

	kept, dropped, err := PruneIndex(tc.Index)
	require.NoError(t, err)
	assert.Equal(t, 8, kept)
	assert.Equal(t, 2, dropped)

	got, err := ledger.ReadIndex(tc.Index)
	require.NoError(t, err)
	require.Len(t, got, 8)
	assert.NotContains(t, got, files[3])
	assert.NotContains(t, got, files[7])
	assert.Equal(t, files[0], got[0])
	assert.Equal(t, files[9], got[7])
}

func TestPruneIndexIgnoresDirectories(t *testing.T) {
	tc := newTaskContext(t)
	files := writeSegments(t, tc, 3, 1)
	require.NoError(t, os.Mkdir(files[1], 0o755))

	kept, dropped, err := PruneIndex(tc.Index)
	require.NoError(t, err)
	assert.Equal(t, 2, kept)
	assert.Equal(t, 1, dropped)
}

func TestPruneIndexMissingFile(t *testing.T) {
	_, _, err := PruneIndex(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
}

type fakeRunner struct {
	mu    sync.Mutex
	bin   string
	args  []string
	err   error
	index []string
}

func (f *fakeRunner) Run(_ context.Context, bin string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bin, f.args = bin, args
	if f.err != nil {
		return f.err
	}
	index, err := ledger.ReadIndex(args[6])
	if err != nil {
		return err
	}
	f.index = index
	return os.WriteFile(args[len(args)-1], []byte("mp4"), 0o644)
}

func TestMergeInvokesTranscoder(t *testing.T) {
	tc := newTaskContext(t)
	writeSegments(t, tc, 10, 0, 5)
	runner := &fakeRunner{}

	res, err := NewMerger("/opt/ffmpeg", runner).Merge(context.Background(), tc)
	require.NoError(t, err)

	assert.Equal(t, "/opt/ffmpeg", runner.bin)
	assert.Equal(t, []string{
		"-y", "-f", "concat", "-safe", "0", "-i", tc.Index,
		"-bsf:a", "aac_adtstoasc", "-c", "copy", tc.Output,
	}, runner.args)
	assert.Len(t, runner.index, 8, "transcoder sees the pruned index")
	assert.Equal(t, Result{Output: tc.Output, Kept: 8, Dropped: 2}, res)
	assert.FileExists(t, tc.Output)
}

func TestMergeRelaysTranscoderError(t *testing.T) {
	tc := newTaskContext(t)
	writeSegments(t, tc, 2)
	runner := &fakeRunner{err: &TranscodeError{Stderr: "Invalid data found when processing input\n", Err: errors.New("exit status 1")}}

	_, err := NewMerger("", runner).Merge(context.Background(), tc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTranscoder)
	assert.Equal(t, "Invalid data found when processing input\n", err.Error())
	assert.Equal(t, DefaultBinary, runner.bin)
}

func TestExecRunnerCapturesStderr(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "ffmpeg")
	script := "#!/bin/sh\necho \"concat: bad index\" >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	err := ExecRunner{Grace: time.Second}.Run(context.Background(), bin, Args("i.txt", "o.mp4"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTranscoder)
	assert.Equal(t, "concat: bad index\n", err.Error())
}

func TestExecRunnerMissingBinary(t *testing.T) {
	err := ExecRunner{}.Run(context.Background(), filepath.Join(t.TempDir(), "absent"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTranscoder)
	assert.NotEmpty(t, err.Error())
}

func TestExecRunnerSuccess(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "ffmpeg")
	out := filepath.Join(dir, "out.mp4")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nfor a; do last=$a; done\n: > \"$last\"\n"), 0o755))

	require.NoError(t, ExecRunner{}.Run(context.Background(), bin, Args("i.txt", out)))
	assert.FileExists(t, out)
}

func TestCleanerRemovesAfterGrace(t *testing.T) {
	tc := newTaskContext(t)
	writeSegments(t, tc, 2)
	require.NoError(t, os.WriteFile(tc.Manifest, []byte("{}"), 0o644))

	c := NewCleaner()
	c.Schedule(tc.Dir, 20*time.Millisecond, tc.Manifest, tc.Index, tc.SegmentDir)
	assert.True(t, c.Pending(tc.Dir))
	assert.FileExists(t, tc.Index, "nothing is removed before the grace period")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))

	assert.False(t, c.Pending(tc.Dir))
	assert.NoFileExists(t, tc.Manifest)
	assert.NoFileExists(t, tc.Index)
	assert.NoDirExists(t, tc.SegmentDir)
}

func TestCleanerCancel(t *testing.T) {
	tc := newTaskContext(t)
	writeSegments(t, tc, 1)

	c := NewCleaner()
	c.Schedule(tc.Dir, time.Hour, tc.Index)
	assert.True(t, c.Cancel(tc.Dir))
	assert.False(t, c.Cancel(tc.Dir))

	require.NoError(t, c.Wait(context.Background()))
	assert.FileExists(t, tc.Index)
}

func TestCleanerScheduleReplaces(t *testing.T) {
	tc := newTaskContext(t)
	files := writeSegments(t, tc, 2)

	c := NewCleaner()
	c.Schedule(tc.Dir, time.Hour, files[0])
	c.Schedule(tc.Dir, time.Millisecond, files[1])

	require.NoError(t, c.Wait(context.Background()))
	assert.FileExists(t, files[0])
	assert.NoFileExists(t, files[1])
}

func TestCleanerWaitHonoursContext(t *testing.T) {
	c := NewCleaner()
	c.Schedule("/nowhere", time.Hour)
	defer c.Cancel("/nowhere")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
}
