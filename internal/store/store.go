// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store persists workspaces, session records, file-ingestion state,
// transcript entries, and conversations in a single embedded sqlite file.
// WAL mode plus a bounded busy timeout tolerate writer contention; each
// subsystem may open its own handle.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/claudiahq/claudia/internal/rpc"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the embedded database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the store file at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL into the main file and closes the handle.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("store: WAL checkpoint failed: %v", err)
	}
	return s.db.Close()
}

// migrate applies the schema. Statements are idempotent.
func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cwd TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		external_session_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'active',
		title TEXT NOT NULL DEFAULT '',
		previous_session_id TEXT NOT NULL DEFAULT '',
		last_activity INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id, status)`,
	`CREATE TABLE IF NOT EXISTS file_states (
		file_key TEXT PRIMARY KEY,
		source TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		last_modified INTEGER NOT NULL DEFAULT 0,
		file_size INTEGER NOT NULL DEFAULT 0,
		last_processed_offset INTEGER NOT NULL DEFAULT 0,
		last_entry_timestamp INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		source_file TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_names TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		cwd TEXT NOT NULL DEFAULT '',
		ingested_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_file_ts ON entries(source_file, timestamp, id)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		source_file TEXT NOT NULL,
		first_message_at INTEGER NOT NULL,
		last_message_at INTEGER NOT NULL,
		entry_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		summary TEXT NOT NULL DEFAULT '',
		files_written TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		status_at INTEGER,
		processed_at INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_file ON conversations(source_file, status, first_message_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status, status_at, created_at)`,
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// mapErr classifies driver errors into the wire taxonomy. Lookup misses keep
// the ErrNotFound sentinel so callers can errors.Is on it.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed"):
		return rpc.Wrap(rpc.KindStoreConflict, err)
	case strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY"):
		return rpc.Wrap(rpc.KindStoreUnavailable, err)
	}
	return err
}

// ms converts a time to the stored millisecond representation.
func ms(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMS converts a stored millisecond value back to a time.
func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// nullMS converts an optional time to a nullable column value.
func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ms(*t), Valid: true}
}

// fromNullMS converts a nullable column value to an optional time.
func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}
