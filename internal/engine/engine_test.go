// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/goleak"

	"github.com/ManuGH/m3u8d/internal/cache"
	"github.com/ManuGH/m3u8d/internal/fetch"
	"github.com/ManuGH/m3u8d/internal/hls"
	xglog "github.com/ManuGH/m3u8d/internal/log"
	"github.com/ManuGH/m3u8d/internal/merge"
	"github.com/ManuGH/m3u8d/internal/retry"
	"github.com/ManuGH/m3u8d/internal/store"
	"github.com/ManuGH/m3u8d/internal/task"
	"github.com/ManuGH/m3u8d/internal/testutil"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRunner) Run(_ context.Context, _ string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(args[len(args)-1], []byte("mp4"), 0o644)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type harness struct {
	origin *testutil.Origin
	client *http.Client
	engine *Engine
	runner *fakeRunner
	store  *store.MemoryStore
	gov    *retry.Governor
	root   string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		origin: testutil.NewOrigin(t),
		client: hls.NewHTTPClient(5 * time.Second),
		runner: &fakeRunner{},
		store:  store.NewMemoryStore(),
		gov:    retry.NewGovernor(cache.NewMemoryCache(0), retry.DefaultThreshold, time.Hour),
		root:   t.TempDir(),
	}
	getter := hls.NewFetcher(h.client)
	if cfg.CheckBackoff == 0 {
		cfg.CheckBackoff = time.Millisecond
	}
	if cfg.CleanupGrace == 0 {
		cfg.CleanupGrace = 10 * time.Millisecond
	}
	e, err := New(Deps{
		Getter:   getter,
		Pool:     fetch.NewPool(getter, fetch.Config{}),
		Governor: h.gov,
		Merger:   merge.NewMerger("ffmpeg", h.runner),
		Store:    h.store,
		SaveRoot: func() string { return h.root },
	}, cfg)
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) close() {
	_ = h.engine.Cleaner().Wait(context.Background())
	h.origin.Server.Close()
	h.client.CloseIdleConnections()
}

func (h *harness) descriptor(url string) task.Descriptor {
	return task.Descriptor{ID: 7, MovieName: "Movie", SubTitleName: "E01", URL: url, DownloadStatus: task.StatusWait}
}

func (h *harness) taskContext(t *testing.T, d task.Descriptor) task.Context {
	t.Helper()
	tc, err := task.NewContext(h.root, d)
	require.NoError(t, err)
	return tc
}

func TestRunEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})
	defer h.close()

	url, _ := h.origin.ServeVOD(testutil.VOD{Segments: 4})
	d := h.descriptor(url)
	var rec recorder
	require.NoError(t, h.engine.Run(context.Background(), d, &rec))

	parsed := rec.ofType(EventParseSourceEnd)
	require.Len(t, parsed, 1)
	assert.Equal(t, 4, *parsed[0].Count)
	assert.Equal(t, "downloadSlice", parsed[0].Status)
	assert.Equal(t, task.StatusDownloading, parsed[0].DownloadStatus)

	progress := rec.ofType(EventProgress)
	require.NotEmpty(t, progress)
	assert.Equal(t, 4, *progress[len(progress)-1].DownloadCount)

	checks := rec.ofType(EventCheckSourceEnd)
	require.Len(t, checks, 1)
	assert.Equal(t, "merger", checks[0].Status)

	end := rec.last()
	assert.Equal(t, EventEnd, end.Type)
	assert.Equal(t, task.StatusDownloadSuccess, end.DownloadStatus)
	assert.Len(t, rec.ofType(EventEnd), 1)
	assert.Equal(t, 1, h.runner.calls)

	tc := h.taskContext(t, d)
	assert.FileExists(t, tc.Output)

	require.NoError(t, h.engine.Cleaner().Wait(context.Background()))
	assert.NoFileExists(t, tc.Index)
	assert.NoFileExists(t, tc.Manifest)
	assert.NoFileExists(t, tc.SuccessLog)
	assert.NoDirExists(t, tc.SegmentDir)
	assert.FileExists(t, tc.Output)

	stored, err := h.store.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloadSuccess, stored.DownloadStatus)
	assert.Equal(t, "downloadEnd", stored.Status)
	assert.Equal(t, 4, stored.Count)
	assert.Equal(t, 4, stored.DownloadCount)
}

func TestRunEncryptedPlaylist(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{CleanupGrace: time.Hour})
	defer h.close()
	defer h.engine.Cleaner().Cancel(h.taskContext(t, h.descriptor("")).Dir)

	url, plain := h.origin.ServeVOD(testutil.VOD{Segments: 3, MediaSeq: 9, Key: []byte("0123456789abcdef")})
	var rec recorder
	require.NoError(t, h.engine.Run(context.Background(), h.descriptor(url), &rec))
	assert.Equal(t, task.StatusDownloadSuccess, rec.last().DownloadStatus)

	tc := h.taskContext(t, h.descriptor(url))
	got, err := os.ReadFile(filepath.Join(tc.SegmentDir, "seg001.ts"))
	require.NoError(t, err)
	assert.Equal(t, plain[1], got)
}

func TestRunRetriesOnlyMissingSegments(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})
	defer h.close()

	url, _ := h.origin.ServeVOD(testutil.VOD{Segments: 4})
	h.origin.Fail(testutil.SegmentPath("", 2), 1)
	d := h.descriptor(url)

	var rec recorder
	require.NoError(t, h.engine.Run(context.Background(), d, &rec))

	assert.Equal(t, task.StatusDownloadSuccess, rec.last().DownloadStatus)
	assert.Equal(t, 1, h.origin.Hits(testutil.SegmentPath("", 0)), "completed segments are not fetched again")
	assert.Equal(t, 2, h.origin.Hits(testutil.SegmentPath("", 2)))

	slices := rec.ofType(EventDownloadSliceEnd)
	require.Len(t, slices, 2)
	assert.Equal(t, 3, *slices[0].DownloadCount)
	assert.Equal(t, 4, *slices[1].DownloadCount)
	assert.Zero(t, h.gov.Count(d.RetryKey()), "success resets the retry counter")
}

func TestRunRetryBound(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})
	defer h.close()

	url, _ := h.origin.ServeVOD(testutil.VOD{Segments: 3})
	h.origin.Fail(testutil.SegmentPath("", 1), -1)
	d := h.descriptor(url)

	var rec recorder
	require.NoError(t, h.engine.Run(context.Background(), d, &rec))

	assert.Equal(t, retry.DefaultThreshold, h.origin.Hits(testutil.SegmentPath("", 1)), "no sixth fetch round")
	assert.Len(t, rec.ofType(EventDownloadSliceEnd), retry.DefaultThreshold)

	ends := rec.ofType(EventEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, task.StatusDownloadFail, ends[0].DownloadStatus)
	assert.Equal(t, "checkSource", ends[0].Status)
	assert.Zero(t, h.runner.calls)

	stored, err := h.store.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDownloadFail, stored.DownloadStatus)
}

func TestRunResumeIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{CleanupGrace: time.Hour})
	defer h.close()

	url, _ := h.origin.ServeVOD(testutil.VOD{Segments: 4})
	d := h.descriptor(url)
	tc := h.taskContext(t, d)
	defer h.engine.Cleaner().Cancel(tc.Dir)

	require.NoError(t, h.engine.Run(context.Background(), d, &recorder{}))
	require.True(t, h.engine.Cleaner().Pending(tc.Dir))

	var rec recorder
	require.NoError(t, h.engine.Run(context.Background(), d, &rec))

	for i := 0; i < 4; i++ {
		assert.Equal(t, 1, h.origin.Hits(testutil.SegmentPath("", i)), "segment %d", i)
	}
	assert.Empty(t, rec.ofType(EventProgress))
	slices := rec.ofType(EventDownloadSliceEnd)
	require.Len(t, slices, 1)
	assert.Equal(t, 4, *slices[0].DownloadCount)
	assert.Equal(t, task.StatusDownloadSuccess, rec.last().DownloadStatus)

	n, err := os.ReadFile(tc.SuccessLog)
	require.NoError(t, err)
	assert.Equal(t, 4, countLines(n), "success log is never rewritten or duplicated")
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

func TestRunStartsAtRecordedPhase(t *testing.T) {
	h := newHarness(t, Config{})
	defer h.close()

	d := h.descriptor("http://127.0.0.1:1/never.m3u8")
	d.Status = "downloadEnd"
	var rec recorder
	require.NoError(t, h.engine.Run(context.Background(), d, &rec))

	require.Len(t, rec.events, 1)
	assert.Equal(t, EventEnd, rec.events[0].Type)
	assert.Equal(t, task.StatusDownloadSuccess, rec.events[0].DownloadStatus)
}

func TestRunUnsupportedPhase(t *testing.T) {
	h := newHarness(t, Config{})
	defer h.close()

	d := h.descriptor("http://127.0.0.1:1/never.m3u8")
	d.Status = "transcode"
	var rec recorder
	require.NoError(t, h.engine.Run(context.Background(), d, &rec))

	require.Len(t, rec.events, 1)
	assert.Equal(t, task.StatusDownloadFail, rec.events[0].DownloadStatus)
}

func TestRunParseFailureIsTerminal(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})
	defer h.close()

	d := h.descriptor(h.origin.URL("/missing.m3u8"))
	var rec recorder
	require.NoError(t, h.engine.Run(context.Background(), d, &rec))

	require.Len(t, rec.events, 1)
	assert.Equal(t, EventEnd, rec.events[0].Type)
	assert.Equal(t, "parseSource", rec.events[0].Status)
	assert.Equal(t, task.StatusDownloadFail, rec.events[0].DownloadStatus)
	assert.Zero(t, h.gov.Count(d.RetryKey()), "no retry budget consumed")
}

func TestRunRejectsInvalidSource(t *testing.T) {
	h := newHarness(t, Config{})
	defer h.close()

	var rec recorder
	require.NoError(t, h.engine.Run(context.Background(), h.descriptor("ftp://example.com/a.m3u8"), &rec))
	require.Len(t, rec.events, 1)
	assert.Equal(t, task.StatusDownloadFail, rec.events[0].DownloadStatus)
}

func TestRunMergeFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})
	defer h.close()
	h.runner.err = &merge.TranscodeError{Stderr: "concat.txt: Invalid data", Err: errors.New("exit status 1")}

	url, _ := h.origin.ServeVOD(testutil.VOD{Segments: 2})
	d := h.descriptor(url)
	var rec recorder
	require.NoError(t, h.engine.Run(context.Background(), d, &rec))

	end := rec.last()
	assert.Equal(t, EventEnd, end.Type)
	assert.Equal(t, "merger", end.Status)
	assert.Equal(t, task.StatusDownloadFail, end.DownloadStatus)
	assert.False(t, h.engine.Cleaner().Pending(h.taskContext(t, d).Dir), "failed merges keep their working files")
}

func TestRunCancelledWithoutEndEvent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})
	defer h.close()

	url, _ := h.origin.ServeVOD(testutil.VOD{Segments: 8})
	h.origin.SetDelay(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var rec recorder
	err := h.engine.Run(ctx, h.descriptor(url), &rec)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, rec.ofType(EventEnd))
}

func TestRunEmitErrorAborts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})
	defer h.close()

	url, _ := h.origin.ServeVOD(testutil.VOD{Segments: 2})
	closed := errors.New("connection closed")
	sink := SinkFunc(func(context.Context, Event) error { return closed })

	err := h.engine.Run(context.Background(), h.descriptor(url), sink)
	require.ErrorIs(t, err, closed)
	assert.Zero(t, h.runner.calls)
}

func TestRunPhaseSpans(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, Config{})
	defer h.close()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	h.engine.tracer = func() trace.Tracer { return tp.Tracer("test") }

	var logs testutil.LogBuffer
	xglog.Configure(xglog.Config{Output: &logs, Level: "debug"})
	defer xglog.Configure(xglog.Config{})

	url, _ := h.origin.ServeVOD(testutil.VOD{Segments: 2})
	require.NoError(t, h.engine.Run(context.Background(), h.descriptor(url), &recorder{}))

	var names []string
	phaseSpans := map[trace.SpanID]bool{}
	var client []sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if !strings.HasPrefix(s.Name(), "engine.") {
			client = append(client, s)
			continue
		}
		names = append(names, s.Name())
		phaseSpans[s.SpanContext().SpanID()] = true
	}
	assert.Equal(t, []string{"engine.parseSource", "engine.downloadSlice", "engine.checkSource", "engine.merger"}, names)
	for _, s := range client {
		assert.True(t, phaseSpans[s.Parent().SpanID()], "span %q is not a child of a phase span", s.Name())
	}

	finished := 0
	for _, line := range logs.Lines() {
		var entry map[string]any
		if json.Unmarshal(line, &entry) != nil || entry["message"] != "phase finished" {
			continue
		}
		finished++
		id, err := trace.SpanIDFromHex(entry[xglog.FieldSpanID].(string))
		require.NoError(t, err)
		assert.True(t, phaseSpans[id], "log entry %v does not name a phase span", entry)
	}
	assert.Equal(t, 4, finished)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.Error(t, err)

	e, err := New(Deps{
		Getter:   hls.NewFetcher(nil),
		Governor: retry.NewGovernor(cache.NewMemoryCache(0), 0, 0),
	}, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultCheckBackoff, e.cfg.CheckBackoff)
	assert.Equal(t, merge.DefaultCleanupGrace, e.cfg.CleanupGrace)
}
