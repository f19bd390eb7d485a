// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package merge concatenates downloaded segments with an external
// transcoder and schedules removal of the task's working files.
package merge

import (
	"fmt"

	"github.com/ManuGH/m3u8d/internal/ledger"
	pfs "github.com/ManuGH/m3u8d/internal/platform/fs"
)

// PruneIndex rewrites the concat index at path keeping only entries whose
// file exists as a regular file. The rewrite is atomic.
func PruneIndex(path string) (kept, dropped int, err error) {
	files, err := ledger.ReadIndex(path)
	if err != nil {
		return 0, 0, err
	}
	present := files[:0:0]
	for _, f := range files {
		if pfs.IsRegularFile(f) {
			present = append(present, f)
		}
	}
	dropped = len(files) - len(present)
	if dropped == 0 {
		return len(present), 0, nil
	}
	if err := ledger.WriteIndex(path, present); err != nil {
		return 0, 0, fmt.Errorf("rewrite index: %w", err)
	}
	return len(present), dropped, nil
}
