// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/m3u8d/internal/cache"
	"github.com/ManuGH/m3u8d/internal/engine"
	"github.com/ManuGH/m3u8d/internal/health"
	"github.com/ManuGH/m3u8d/internal/hls"
	"github.com/ManuGH/m3u8d/internal/merge"
	"github.com/ManuGH/m3u8d/internal/retry"
	"github.com/ManuGH/m3u8d/internal/store"
	"github.com/ManuGH/m3u8d/internal/task"
	"github.com/ManuGH/m3u8d/internal/testutil"
)

type runnerFunc func(ctx context.Context, d task.Descriptor, sink engine.Sink) error

func (f runnerFunc) Run(ctx context.Context, d task.Descriptor, sink engine.Sink) error {
	return f(ctx, d, sink)
}

type testServer struct {
	srv *Server
	ts  *httptest.Server
}

func newTestServer(t *testing.T, deps Deps) *testServer {
	t.Helper()
	return newConfiguredServer(t, deps, Config{})
}

func newConfiguredServer(t *testing.T, deps Deps, cfg Config) *testServer {
	t.Helper()
	if deps.SaveRoot == nil {
		root := t.TempDir()
		deps.SaveRoot = func() string { return root }
	}
	srv, err := NewServer(deps, cfg)
	require.NoError(t, err)
	return &testServer{srv: srv, ts: httptest.NewServer(srv.Handler())}
}

func (s *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + path
}

func (s *testServer) close(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.srv.Close(ctx))
	s.ts.Close()
}

func (s *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(s.wsURL(path), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(v))
}

func read(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m map[string]any
	require.NoError(t, c.ReadJSON(&m))
	return m
}

func downloadRequest(id int64, url string) map[string]any {
	return map[string]any{
		"id":          id,
		"messageType": MsgDownloadVideo,
		"downloadTaskInfo": task.Descriptor{
			ID: id, MovieName: "Movie", SubTitleName: "E01", URL: url, DownloadStatus: task.StatusWait,
		},
	}
}

func TestDownloadVideoRelaysEvents(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	got := make(chan task.Descriptor, 1)
	run := runnerFunc(func(ctx context.Context, d task.Descriptor, sink engine.Sink) error {
		got <- d
		n := 3
		if err := sink.Emit(ctx, engine.Event{ID: d.ID, Type: engine.EventParseSourceEnd, Count: &n}); err != nil {
			return err
		}
		return sink.Emit(ctx, engine.Event{ID: d.ID, Type: engine.EventEnd, DownloadStatus: task.StatusDownloadSuccess})
	})
	s := newTestServer(t, Deps{Engine: run})
	defer s.close(t)
	c := s.dial(t, "/")
	defer c.Close()

	send(t, c, downloadRequest(11, "https://CDN.Example.com/a/index.m3u8#frag"))

	first := read(t, c)
	assert.Equal(t, "parseSourceEnd", first["mes_type"])
	assert.Equal(t, float64(11), first["id"])
	assert.Equal(t, float64(3), first["count"])

	end := read(t, c)
	assert.Equal(t, "end", end["mes_type"])
	assert.Equal(t, "downloadSuccess", end["download_status"])

	assert.Equal(t, "https://cdn.example.com/a/index.m3u8", (<-got).URL)
}

func TestMalformedFramesKeepConnection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	s := newTestServer(t, Deps{Engine: runnerFunc(func(context.Context, task.Descriptor, engine.Sink) error { return nil })})
	defer s.close(t)
	c := s.dial(t, "/ws")
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	reply := read(t, c)
	assert.Equal(t, "error", reply["mes_type"])
	assert.Contains(t, reply["message"], "malformed request")

	send(t, c, map[string]any{"id": "x1", "messageType": "pauseVideo"})
	reply = read(t, c)
	assert.Equal(t, "error", reply["mes_type"])
	assert.Equal(t, "x1", reply["id"])

	send(t, c, map[string]any{"id": 2, "messageType": MsgDownloadVideo})
	reply = read(t, c)
	assert.Equal(t, "downloadTaskInfo is required", reply["message"])

	send(t, c, downloadRequest(3, "file:///etc/passwd"))
	reply = read(t, c)
	assert.Equal(t, "error", reply["mes_type"])
	assert.Contains(t, reply["message"], "invalid source url")
}

func TestDuplicateTaskRejected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	started := make(chan struct{}, 1)
	cancelled := make(chan error, 1)
	run := runnerFunc(func(ctx context.Context, _ task.Descriptor, _ engine.Sink) error {
		started <- struct{}{}
		<-ctx.Done()
		cancelled <- ctx.Err()
		return ctx.Err()
	})
	s := newTestServer(t, Deps{Engine: run})
	defer s.close(t)

	c1 := s.dial(t, "/ws")
	send(t, c1, downloadRequest(5, "https://cdn.example.com/index.m3u8"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}
	assert.Equal(t, 1, s.srv.deps.Registry.Len())

	c2 := s.dial(t, "/ws")
	defer c2.Close()
	send(t, c2, downloadRequest(5, "https://cdn.example.com/index.m3u8"))
	reply := read(t, c2)
	assert.Equal(t, "rejected", reply["mes_type"])

	require.NoError(t, c1.Close())
	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled, "connection loss cancels the run")
	case <-time.After(5 * time.Second):
		t.Fatal("run was not cancelled")
	}
	require.Eventually(t, func() bool { return s.srv.deps.Registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSameLedgerDirRejected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	started := make(chan int64, 2)
	run := runnerFunc(func(ctx context.Context, d task.Descriptor, _ engine.Sink) error {
		started <- d.ID
		<-ctx.Done()
		return ctx.Err()
	})
	s := newTestServer(t, Deps{Engine: run})
	defer s.close(t)

	c := s.dial(t, "/ws")
	defer c.Close()
	send(t, c, downloadRequest(1, "https://cdn.example.com/a.m3u8"))
	select {
	case id := <-started:
		assert.Equal(t, int64(1), id)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}

	send(t, c, downloadRequest(2, "https://cdn.example.com/b.m3u8"))
	reply := read(t, c)
	assert.Equal(t, "rejected", reply["mes_type"])
	assert.Equal(t, float64(2), reply["id"])
	assert.Contains(t, reply["message"], "task 1 is already writing")

	other := downloadRequest(3, "https://cdn.example.com/b.m3u8")
	info := other["downloadTaskInfo"].(task.Descriptor)
	info.SubTitleName = "E02"
	other["downloadTaskInfo"] = info
	send(t, c, other)
	select {
	case id := <-started:
		assert.Equal(t, int64(3), id)
	case <-time.After(5 * time.Second):
		t.Fatal("run on a different ledger did not start")
	}
	assert.Equal(t, 2, s.srv.deps.Registry.Len())
}

func TestSavePathConfinedToSaveRoot(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ran := make(chan task.Descriptor, 1)
	run := runnerFunc(func(_ context.Context, d task.Descriptor, _ engine.Sink) error {
		ran <- d
		return nil
	})
	root := t.TempDir()
	s := newTestServer(t, Deps{Engine: run, SaveRoot: func() string { return root }})
	defer s.close(t)
	c := s.dial(t, "/ws")
	defer c.Close()

	req := downloadRequest(9, "https://cdn.example.com/index.m3u8")
	info := req["downloadTaskInfo"].(task.Descriptor)
	info.SavePath = t.TempDir()
	req["downloadTaskInfo"] = info
	send(t, c, req)

	reply := read(t, c)
	assert.Equal(t, "error", reply["mes_type"])
	assert.Contains(t, reply["message"], "escapes root")
	select {
	case d := <-ran:
		t.Fatalf("task ran outside the save root: %+v", d)
	default:
	}

	info.SavePath = "shows"
	req["downloadTaskInfo"] = info
	send(t, c, req)
	select {
	case d := <-ran:
		assert.Equal(t, "shows", d.SavePath)
	case <-time.After(5 * time.Second):
		t.Fatal("run inside the save root did not start")
	}
	require.Eventually(t, func() bool { return s.srv.deps.Registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestOriginPolicy(t *testing.T) {
	run := runnerFunc(func(context.Context, task.Descriptor, engine.Sink) error { return nil })

	tests := []struct {
		name    string
		allowed []string
		origin  string
		ok      bool
	}{
		{"no origin", nil, "", true},
		{"localhost", nil, "http://localhost:3000", true},
		{"loopback ip", nil, "http://127.0.0.1:8000", true},
		{"ipv6 loopback", nil, "http://[::1]:8000", true},
		{"app scheme", nil, "tauri://localhost", true},
		{"localhost subdomain", nil, "https://tauri.localhost", true},
		{"remote by default", nil, "https://evil.example", false},
		{"lan host by default", nil, "http://192.168.1.20", false},
		{"allowlisted", []string{"https://app.example"}, "https://app.example", true},
		{"not allowlisted", []string{"https://app.example"}, "http://localhost:3000", false},
		{"wildcard", []string{"*"}, "https://evil.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newConfiguredServer(t, Deps{Engine: run}, Config{AllowedOrigins: tt.allowed})
			defer s.close(t)
			defer s.ts.Client().CloseIdleConnections()

			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			c, resp, err := websocket.DefaultDialer.Dial(s.wsURL("/ws"), header)
			if resp != nil {
				_ = resp.Body.Close()
			}
			if tt.ok {
				require.NoError(t, err)
				_ = c.Close()
				return
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestQueueMessages(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	s := newTestServer(t, Deps{Engine: runnerFunc(func(context.Context, task.Descriptor, engine.Sink) error { return nil })})
	defer s.close(t)
	c := s.dial(t, "/ws")
	defer c.Close()

	send(t, c, map[string]any{"id": 1, "messageType": MsgQueuePop})
	reply := read(t, c)
	assert.Equal(t, "queueItem", reply["mes_type"])
	assert.Contains(t, reply, "downloadTaskInfo")
	assert.Nil(t, reply["downloadTaskInfo"])

	req := downloadRequest(9, "https://cdn.example.com/index.m3u8")
	req["messageType"] = MsgRetryDownload
	send(t, c, req)
	reply = read(t, c)
	assert.Equal(t, "queued", reply["mes_type"])
	assert.NotContains(t, reply, "downloadTaskInfo")

	send(t, c, map[string]any{"id": 2, "messageType": MsgQueuePop})
	reply = read(t, c)
	assert.Equal(t, "queueItem", reply["mes_type"])
	info, ok := reply["downloadTaskInfo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(9), info["id"])
	assert.Equal(t, "Movie", info["movie_name"])
}

func TestHealthAndTaskListing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	st := store.NewMemoryStore()
	require.NoError(t, st.Save(context.Background(), task.Descriptor{ID: 4, MovieName: "M", SubTitleName: "S"}))
	s := newTestServer(t, Deps{Engine: runnerFunc(func(context.Context, task.Descriptor, engine.Sink) error { return nil }), Store: st})
	defer s.close(t)
	defer s.ts.Client().CloseIdleConnections()

	resp, err := s.ts.Client().Get(s.ts.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(0), health["active_tasks"])

	resp, err = s.ts.Client().Get(s.ts.URL + "/api/tasks")
	require.NoError(t, err)
	var tasks []task.Descriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
	_ = resp.Body.Close()
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(4), tasks[0].ID)
}

func TestReadinessRoute(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ready := health.NewManager("test")
	ready.RegisterChecker(health.NewFuncChecker("queue", func(context.Context) error { return errors.New("redis down") }))
	s := newTestServer(t, Deps{Engine: runnerFunc(func(context.Context, task.Descriptor, engine.Sink) error { return nil }), Health: ready})
	defer s.close(t)
	defer s.ts.Client().CloseIdleConnections()

	resp, err := s.ts.Client().Get(s.ts.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerCloseEndsSessions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	cancelled := make(chan struct{})
	started := make(chan struct{})
	run := runnerFunc(func(ctx context.Context, _ task.Descriptor, _ engine.Sink) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	root := t.TempDir()
	srv, err := NewServer(Deps{Engine: run, SaveRoot: func() string { return root }}, Config{})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer c.Close()
	send(t, c, downloadRequest(1, "https://cdn.example.com/index.m3u8"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Close(ctx))
	<-cancelled

	resp, err = ts.Client().Get(ts.URL + "/ws")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	ts.Client().CloseIdleConnections()
}

type mergeStub struct{}

func (mergeStub) Run(_ context.Context, _ string, args []string) error {
	return os.WriteFile(args[len(args)-1], []byte("mp4"), 0o644)
}

func TestEndToEndOverWebSocket(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	origin := testutil.NewOrigin(t)
	defer origin.Server.Close()
	client := hls.NewHTTPClient(5 * time.Second)
	defer client.CloseIdleConnections()
	root := t.TempDir()

	eng, err := engine.New(engine.Deps{
		Getter:   hls.NewFetcher(client),
		Governor: retry.NewGovernor(cache.NewMemoryCache(0), 0, 0),
		Merger:   merge.NewMerger("ffmpeg", mergeStub{}),
		SaveRoot: func() string { return root },
	}, engine.Config{CheckBackoff: time.Millisecond, CleanupGrace: time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = eng.Cleaner().Wait(context.Background()) }()

	s := newTestServer(t, Deps{Engine: eng, Store: eng.Store(), SaveRoot: func() string { return root }})
	defer s.close(t)
	c := s.dial(t, "/ws")
	defer c.Close()

	url, _ := origin.ServeVOD(testutil.VOD{Segments: 4})
	send(t, c, downloadRequest(21, url))

	var kinds []string
	progress := 0
	for {
		ev := read(t, c)
		if ev["mes_type"] == "progress" {
			progress++
			continue
		}
		kinds = append(kinds, ev["mes_type"].(string))
		if ev["mes_type"] == "end" {
			assert.Equal(t, "downloadSuccess", ev["download_status"])
			break
		}
	}
	assert.Equal(t, []string{"parseSourceEnd", "downloadSliceEnd", "checkSourceEnd", "end"}, kinds)
	assert.Positive(t, progress)

	tc, err := task.NewContext(root, task.Descriptor{ID: 21, MovieName: "Movie", SubTitleName: "E01"})
	require.NoError(t, err)
	assert.FileExists(t, tc.Output)
}
