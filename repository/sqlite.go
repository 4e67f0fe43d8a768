// Package repository persists the two tables §6 names — app_task and
// app_backup — over SQLite, wrapping *sql.DB the way the teacher's db
// package wraps it: only this package's own methods are exposed, so a
// future swap to another relational store touches one package.
package repository

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS app_task (
	id                       TEXT PRIMARY KEY,
	app_name                 TEXT NOT NULL,
	task                     TEXT NOT NULL,
	status                   TEXT NOT NULL,
	created_at               DATETIME NOT NULL,
	result_success           TEXT,
	result_error             TEXT,
	executed_and_merged_with TEXT
);
CREATE INDEX IF NOT EXISTS idx_app_task_app_status ON app_task(app_name, status);

CREATE TABLE IF NOT EXISTS app_backup (
	app_name              TEXT PRIMARY KEY,
	app                   TEXT NOT NULL,
	infrastructure_payload TEXT NOT NULL,
	created_at            DATETIME NOT NULL
);
`

// Store wraps the SQLite connection. SQLite serialises writers at the
// file level regardless of pool size, so the connection pool is capped
// at one, the same tradeoff the teacher's db.Database makes, to turn
// "database is locked" errors into ordinary queueing instead.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, logger: logger}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	logger.Info("repository opened and schema migrated", "path", path)
	return store, nil
}

func (s *Store) Close() error { return s.db.Close() }
