// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPragmas(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "tasks.sqlite"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode;").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout;").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestMigrateAndVerify(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "tasks.sqlite"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(ctx, db,
		`CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY, v TEXT)`,
		`CREATE INDEX IF NOT EXISTS t_v ON t(v)`,
	))
	// idempotent
	require.NoError(t, Migrate(ctx, db, `CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY, v TEXT)`))

	issues, err := VerifyIntegrity(ctx, db, false)
	require.NoError(t, err)
	assert.Nil(t, issues)

	err = Migrate(ctx, db, `CREATE TABLE broken (`)
	assert.Error(t, err)
}
