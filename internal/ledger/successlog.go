// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ledger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// SuccessLog is the append-only record of completed segment file names, one
// per line. A segment is done iff its name appears in the log.
type SuccessLog struct {
	path string
	mu   sync.Mutex
}

// NewSuccessLog returns a handle for the log at path. The file is not created.
func NewSuccessLog(path string) *SuccessLog {
	return &SuccessLog{path: path}
}

// Ensure creates an empty log if none exists.
func (l *SuccessLog) Ensure() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create success log: %w", err)
	}
	return f.Close()
}

// Load returns the set of recorded names. A missing log is an empty set.
func (l *SuccessLog) Load() (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read success log: %w", err)
	}

	set := make(map[string]struct{})
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		name := strings.TrimSpace(strings.TrimSuffix(sc.Text(), "\r"))
		if name != "" {
			set[name] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan success log: %w", err)
	}
	return set, nil
}

// Count returns the number of distinct recorded names.
func (l *SuccessLog) Count() (int, error) {
	set, err := l.Load()
	if err != nil {
		return 0, err
	}
	return len(set), nil
}

// Append records names with a single write followed by fsync.
func (l *SuccessLog) Append(names []string) error {
	if len(names) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, n := range names {
		buf.WriteString(n)
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open success log: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("append success log: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync success log: %w", err)
	}
	return f.Close()
}
