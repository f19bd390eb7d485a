// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package task

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pfs "github.com/ManuGH/m3u8d/internal/platform/fs"
)

func TestParsePhase(t *testing.T) {
	tests := []struct {
		in   string
		want Phase
	}{
		{"", ParseSource},
		{"parseSource", ParseSource},
		{"downloadSlice", DownloadSlice},
		{"checkSource", CheckSource},
		{"merger", Merger},
		{"downloadEnd", DownloadEnd},
		{"paused", Unsupported},
		{"ParseSource", Unsupported},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParsePhase(tt.in), "ParsePhase(%q)", tt.in)
	}
}

func TestPhaseStringRoundTrip(t *testing.T) {
	for p := ParseSource; p < Unsupported; p++ {
		assert.Equal(t, p, ParsePhase(p.String()))
	}
	assert.Equal(t, "unsupported", Phase(42).String())
	assert.True(t, DownloadEnd.Terminal())
	assert.False(t, Merger.Terminal())
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from Phase
		o    Outcome
		want Phase
	}{
		{ParseSource, Done, DownloadSlice},
		{DownloadSlice, Done, CheckSource},
		{DownloadSlice, Incomplete, CheckSource},
		{CheckSource, Done, Merger},
		{CheckSource, Incomplete, DownloadSlice},
		{Merger, Done, DownloadEnd},
		{DownloadEnd, Done, DownloadEnd},
		{Unsupported, Done, Unsupported},
		{Phase(42), Done, Unsupported},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Transition(tt.from, tt.o), "Transition(%v, %v)", tt.from, tt.o)
	}
}

func TestDescriptorWireFormat(t *testing.T) {
	raw := `{"id":7,"movie_name":"M","url":"https://h/i.m3u8","sub_title_name":"E01",
		"status":"","download_count":0,"count":0,"download_status":"wait","save_path":"/v"}`

	var d Descriptor
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	want := Descriptor{ID: 7, MovieName: "M", URL: "https://h/i.m3u8", SubTitleName: "E01", DownloadStatus: StatusWait, SavePath: "/v"}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Fatalf("descriptor mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "https://h/i.m3u8_M", d.RetryKey())
	assert.Equal(t, "7", d.Key())
}

func TestNewContextPaths(t *testing.T) {
	root := t.TempDir()
	realRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	ctx, err := NewContext(root, Descriptor{ID: 1, MovieName: "Film", SubTitleName: "E01"})
	require.NoError(t, err)

	dir := filepath.Join(realRoot, "Film", "E01")
	want := Context{
		Root:       root,
		Dir:        dir,
		Index:      filepath.Join(dir, "E01.txt"),
		Manifest:   filepath.Join(dir, "E01.json"),
		SuccessLog: filepath.Join(dir, "E01_success.json"),
		SegmentDir: filepath.Join(dir, "ts"),
		Output:     filepath.Join(dir, "E01.mp4"),
		Subtitle:   "E01",
	}
	if diff := cmp.Diff(want, ctx); diff != "" {
		t.Fatalf("context mismatch (-want +got):\n%s", diff)
	}

	again, err := NewContext(root, Descriptor{ID: 2, MovieName: "Film", SubTitleName: "E01"})
	require.NoError(t, err)
	assert.Equal(t, ctx, again)
}

func TestNewContextSavePathInsideRoot(t *testing.T) {
	root := t.TempDir()
	realRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	want := filepath.Join(realRoot, "shows")

	for _, p := range []string{"shows", filepath.Join(root, "shows"), "shows/../shows"} {
		ctx, err := NewContext(root, Descriptor{MovieName: "A", SubTitleName: "B", SavePath: p})
		require.NoError(t, err, "save path %q", p)
		assert.Equal(t, want, ctx.Root, "save path %q", p)
		assert.Equal(t, filepath.Join(want, "A", "B"), ctx.Dir)
	}
}

func TestNewContextSavePathOutsideRoot(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()

	for _, p := range []string{other, "..", "../elsewhere", "/"} {
		_, err := NewContext(root, Descriptor{ID: 3, MovieName: "A", SubTitleName: "B", SavePath: p})
		require.Error(t, err, "save path %q", p)
		assert.ErrorIs(t, err, pfs.ErrEscapesRoot, "save path %q", p)
	}

	_, err := NewContext("", Descriptor{MovieName: "A", SubTitleName: "B", SavePath: other})
	assert.Error(t, err, "a save path needs a configured save root")
}

func TestNewContextNormalisesNames(t *testing.T) {
	root := t.TempDir()
	decomposed := "Cafe\u0301"
	ctx, err := NewContext(root, Descriptor{MovieName: decomposed, SubTitleName: "E01"})
	require.NoError(t, err)
	assert.Equal(t, "Caf\u00e9", filepath.Base(filepath.Dir(ctx.Dir)))
}

func TestNewContextRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	for _, d := range []Descriptor{
		{MovieName: "..", SubTitleName: "E01"},
		{MovieName: "a/../../etc", SubTitleName: "E01"},
		{MovieName: "A", SubTitleName: ""},
		{MovieName: "A", SubTitleName: `x\y`},
	} {
		_, err := NewContext(root, d)
		assert.ErrorIs(t, err, ErrInvalidName, "%+v", d)
	}

	_, err := NewContext("", Descriptor{MovieName: "A", SubTitleName: "B"})
	assert.Error(t, err)
}
