// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ledger persists per-task download state: the segment manifest, the
// append-only success log and the concat index consumed by the transcoder.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/ManuGH/m3u8d/internal/hls"
)

// Segment is one manifest entry.
type Segment struct {
	ID       int    `json:"id"`
	Seq      uint64 `json:"seq"`
	URL      string `json:"url"`
	FileName string `json:"file_name"`
	Success  bool   `json:"success"`
}

// Base returns the name recorded in the success log for s.
func (s Segment) Base() string {
	return filepath.Base(s.FileName)
}

// Manifest lists the segments of a task that still have to be fetched.
type Manifest struct {
	ID         int64          `json:"id"`
	Encryption hls.Encryption `json:"encryption"`
	Segments   []Segment      `json:"segments"`
}

// LoadManifest reads the manifest at path.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}

// Save writes the manifest atomically: readers see either the previous or
// the new content, never a partial file.
func (m Manifest) Save(path string) error {
	if m.Segments == nil {
		m.Segments = []Segment{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return writeAtomic(path, data)
}

// WithSegments returns a copy of m listing only segs.
func (m Manifest) WithSegments(segs []Segment) Manifest {
	m.Segments = segs
	return m
}

func writeAtomic(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write pending %s: %w", filepath.Base(path), err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteFileAtomic writes data to path via temp file, fsync and rename.
func WriteFileAtomic(path string, data []byte) error {
	return writeAtomic(path, data)
}
