// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"os"
	"os/exec"
)

// FuncChecker adapts a check function. A failing check reports FailStatus.
type FuncChecker struct {
	name       string
	fn         func(ctx context.Context) error
	FailStatus Status
}

// NewFuncChecker reports unhealthy when fn fails.
func NewFuncChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn, FailStatus: StatusUnhealthy}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	if err := c.fn(ctx); err != nil {
		return CheckResult{Status: c.FailStatus, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SaveRootChecker verifies the current save root exists and is writable.
type SaveRootChecker struct {
	root func() string
}

func NewSaveRootChecker(root func() string) *SaveRootChecker {
	return &SaveRootChecker{root: root}
}

func (c *SaveRootChecker) Name() string { return "save_root" }

// Check creates the save root if needed, then writes and removes a marker file.
func (c *SaveRootChecker) Check(_ context.Context) CheckResult {
	dir := c.root()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: dir}
	}
	f, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: dir}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return CheckResult{Status: StatusHealthy, Message: dir}
}

// BinaryChecker verifies an executable resolves on PATH.
type BinaryChecker struct {
	name string
	bin  string
}

func NewBinaryChecker(name, bin string) *BinaryChecker {
	return &BinaryChecker{name: name, bin: bin}
}

func (c *BinaryChecker) Name() string { return c.name }

func (c *BinaryChecker) Check(_ context.Context) CheckResult {
	path, err := exec.LookPath(c.bin)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: path}
}
