// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package task

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	pfs "github.com/ManuGH/m3u8d/internal/platform/fs"
)

// ErrInvalidName is returned for movie or subtitle names that cannot be used
// as a single path component.
var ErrInvalidName = errors.New("invalid task name")

const segmentDirName = "ts"

// Context holds the filesystem locations of one task. It is a pure function
// of the save root and the descriptor's movie and subtitle names.
type Context struct {
	Root       string
	Dir        string
	Index      string
	Manifest   string
	SuccessLog string
	SegmentDir string
	Output     string
	Subtitle   string
}

// NewContext derives the task paths under saveRoot. A non-empty
// Descriptor.SavePath selects a directory inside saveRoot, given either
// relative to it or as an absolute path beneath it.
func NewContext(saveRoot string, d Descriptor) (Context, error) {
	if saveRoot == "" {
		return Context{}, fmt.Errorf("task %d: no save root configured", d.ID)
	}
	root, err := savePath(saveRoot, d.SavePath)
	if err != nil {
		return Context{}, fmt.Errorf("task %d: save path: %w", d.ID, err)
	}

	movie, err := cleanName(d.MovieName)
	if err != nil {
		return Context{}, fmt.Errorf("movie name: %w", err)
	}
	sub, err := cleanName(d.SubTitleName)
	if err != nil {
		return Context{}, fmt.Errorf("subtitle name: %w", err)
	}

	dir, err := pfs.ConfineRelPath(root, filepath.Join(movie, sub))
	if err != nil {
		return Context{}, fmt.Errorf("task %d: %w", d.ID, err)
	}

	return Context{
		Root:       root,
		Dir:        dir,
		Index:      filepath.Join(dir, sub+".txt"),
		Manifest:   filepath.Join(dir, sub+".json"),
		SuccessLog: filepath.Join(dir, sub+"_success.json"),
		SegmentDir: filepath.Join(dir, segmentDirName),
		Output:     filepath.Join(dir, sub+".mp4"),
		Subtitle:   sub,
	}, nil
}

// savePath resolves a client-supplied save path inside saveRoot.
func savePath(saveRoot, p string) (string, error) {
	if p == "" {
		return saveRoot, nil
	}
	rel := p
	if filepath.IsAbs(p) {
		absRoot, err := filepath.Abs(saveRoot)
		if err != nil {
			return "", err
		}
		if rel, err = filepath.Rel(absRoot, filepath.Clean(p)); err != nil {
			return "", err
		}
	}
	return pfs.ConfineRelPath(saveRoot, rel)
}

// cleanName NFC-normalises a name and rejects anything that is not a single
// path component.
func cleanName(raw string) (string, error) {
	name := norm.NFC.String(strings.TrimSpace(raw))
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	case name == "." || name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, raw)
	case strings.ContainsAny(name, "/\\\x00"):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, raw)
	}
	return name, nil
}
