// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ledger

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ManuGH/m3u8d/internal/hls"
	"github.com/ManuGH/m3u8d/internal/task"
)

// Plan is the result of preparing a task's ledger from a resolved playlist.
type Plan struct {
	Manifest Manifest
	Total    int
	Done     int
}

// Prepare lays out the task directory for a resolved playlist: it creates
// the segment directory and an empty success log if absent, writes the full
// concat index and a manifest of the segments not yet in the success log.
func Prepare(tc task.Context, id int64, pl *hls.Playlist, enc hls.Encryption) (Plan, error) {
	if err := os.MkdirAll(tc.SegmentDir, 0o755); err != nil {
		return Plan{}, fmt.Errorf("create segment dir: %w", err)
	}
	log := NewSuccessLog(tc.SuccessLog)
	if err := log.Ensure(); err != nil {
		return Plan{}, err
	}
	done, err := log.Load()
	if err != nil {
		return Plan{}, err
	}

	names := DestinationNames(pl.Segments)
	all := make([]Segment, len(pl.Segments))
	files := make([]string, len(pl.Segments))
	for i, s := range pl.Segments {
		files[i] = filepath.Join(tc.SegmentDir, names[i])
		all[i] = Segment{ID: i, Seq: s.Seq, URL: s.URL, FileName: files[i]}
	}

	m := Manifest{ID: id, Encryption: enc}
	m.Segments = ReadQueue(Manifest{Segments: all}, done)

	if err := m.Save(tc.Manifest); err != nil {
		return Plan{}, err
	}
	if err := WriteIndex(tc.Index, files); err != nil {
		return Plan{}, err
	}
	return Plan{Manifest: m, Total: len(all), Done: len(all) - len(m.Segments)}, nil
}

// DestinationNames derives one unique file name per segment from the URL
// path base name. Empty or duplicate names fall back to the zero-padded
// playlist position.
func DestinationNames(segs []hls.Segment) []string {
	names := make([]string, len(segs))
	used := make(map[string]struct{}, len(segs))
	for i, s := range segs {
		name := baseName(s.URL)
		if _, dup := used[name]; name == "" || dup {
			name = fmt.Sprintf("%06d.ts", i)
			for n := 1; ; n++ {
				if _, dup := used[name]; !dup {
					break
				}
				name = fmt.Sprintf("%06d_%d.ts", i, n)
			}
		}
		used[name] = struct{}{}
		names[i] = name
	}
	return names
}

func baseName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	b := path.Base(u.Path)
	if b == "." || b == "/" || strings.ContainsAny(b, `\:`) {
		return ""
	}
	return b
}

// ReadQueue returns the manifest segments whose file name is not in done,
// preserving manifest order.
func ReadQueue(m Manifest, done map[string]struct{}) []Segment {
	out := make([]Segment, 0, len(m.Segments))
	for _, s := range m.Segments {
		if _, ok := done[s.Base()]; ok {
			continue
		}
		out = append(out, s)
	}
	return out
}
