// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/m3u8d/internal/persistence/sqlite"
	"github.com/ManuGH/m3u8d/internal/task"
)

const taskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY,
	movie_name TEXT NOT NULL,
	url TEXT NOT NULL,
	sub_title_name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT '',
	download_count INTEGER NOT NULL DEFAULT 0,
	count INTEGER NOT NULL DEFAULT 0,
	download_status TEXT NOT NULL DEFAULT '',
	save_path TEXT NOT NULL DEFAULT '',
	updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(download_status);
`

const taskColumns = `id, movie_name, url, sub_title_name, status, download_count, count, download_status, save_path`

// SqliteStore implements Store on SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens or creates the database at dbPath.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create task store dir: %w", err)
	}
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlite.Migrate(ctx, db, taskSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("task store: migration failed: %w", err)
	}
	issues, err := sqlite.VerifyIntegrity(ctx, db, false)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(issues) > 0 {
		_ = db.Close()
		return nil, fmt.Errorf("task store: integrity check failed: %s", strings.Join(issues, "; "))
	}
	return &SqliteStore{DB: db}, nil
}

func (s *SqliteStore) Save(ctx context.Context, d task.Descriptor) error {
	query := `
	INSERT INTO tasks (` + taskColumns + `, updated_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		movie_name = excluded.movie_name,
		url = excluded.url,
		sub_title_name = excluded.sub_title_name,
		status = excluded.status,
		download_count = excluded.download_count,
		count = excluded.count,
		download_status = excluded.download_status,
		save_path = excluded.save_path,
		updated_at_ms = excluded.updated_at_ms
	`
	_, err := s.DB.ExecContext(ctx, query,
		d.ID, d.MovieName, d.URL, d.SubTitleName, d.Status, d.DownloadCount, d.Count, d.DownloadStatus, d.SavePath,
		time.Now().UnixMilli(),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row scanner) (task.Descriptor, error) {
	var d task.Descriptor
	err := row.Scan(&d.ID, &d.MovieName, &d.URL, &d.SubTitleName, &d.Status, &d.DownloadCount, &d.Count, &d.DownloadStatus, &d.SavePath)
	return d, err
}

func (s *SqliteStore) Get(ctx context.Context, id int64) (task.Descriptor, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Descriptor{}, ErrNotFound
	}
	return d, err
}

func (s *SqliteStore) List(ctx context.Context) ([]task.Descriptor, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []task.Descriptor{}
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SqliteStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SqliteStore) UpdatePhase(ctx context.Context, id int64, phase task.Phase) error {
	return s.exec(ctx, `
	UPDATE tasks SET
		status = ?,
		download_status = CASE WHEN download_status IN ('', ?) THEN ? ELSE download_status END,
		updated_at_ms = ?
	WHERE id = ?`,
		phase.String(), task.StatusWait, task.StatusDownloading, time.Now().UnixMilli(), id)
}

func (s *SqliteStore) UpdateProgress(ctx context.Context, id int64, completed, total int) error {
	return s.exec(ctx, `
	UPDATE tasks SET
		download_count = ?,
		count = CASE WHEN ? > 0 THEN ? ELSE count END,
		updated_at_ms = ?
	WHERE id = ?`,
		completed, total, total, time.Now().UnixMilli(), id)
}

func (s *SqliteStore) MarkTerminal(ctx context.Context, id int64, downloadStatus string) error {
	return s.exec(ctx, `UPDATE tasks SET download_status = ?, updated_at_ms = ? WHERE id = ?`,
		downloadStatus, time.Now().UnixMilli(), id)
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}
