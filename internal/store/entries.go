// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// ListEntriesForFile returns a file's entries ordered by (timestamp, id).
func (s *Store) ListEntriesForFile(ctx context.Context, fileKey string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, entrySelect+` WHERE source_file = ? ORDER BY timestamp, id`, fileKey)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListEntriesBetween returns a file's entries within [from, to], ordered.
func (s *Store) ListEntriesBetween(ctx context.Context, fileKey string, from, to time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		entrySelect+` WHERE source_file = ? AND timestamp >= ? AND timestamp <= ? ORDER BY timestamp, id`,
		fileKey, ms(from), ms(to))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// CountEntriesForFile reports how many entries a file has committed.
func (s *Store) CountEntriesForFile(ctx context.Context, fileKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE source_file = ?`, fileKey).Scan(&n)
	return n, mapErr(err)
}

func insertEntriesTx(ctx context.Context, tx *sql.Tx, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (id, session_id, source_file, role, content, tool_names, timestamp, cwd, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return mapErr(err)
	}
	defer stmt.Close()

	now := ms(time.Now())
	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := stmt.ExecContext(ctx, id, e.SessionID, e.SourceFile, e.Role,
			e.Content, e.ToolNames, ms(e.Timestamp), e.CWD, now); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func deleteEntriesForFileTx(ctx context.Context, tx *sql.Tx, fileKey string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE source_file = ?`, fileKey)
	return mapErr(err)
}

func deleteEntriesAfterTx(ctx context.Context, tx *sql.Tx, fileKey string, cutoff time.Time) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE source_file = ? AND timestamp > ?`, fileKey, ms(cutoff))
	return mapErr(err)
}

func entriesForFileTx(ctx context.Context, tx *sql.Tx, fileKey string) ([]Entry, error) {
	rows, err := tx.QueryContext(ctx, entrySelect+` WHERE source_file = ? ORDER BY timestamp, id`, fileKey)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

const entrySelect = `SELECT id, session_id, source_file, role, content, tool_names, timestamp, cwd, ingested_at FROM entries`

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var list []Entry
	for rows.Next() {
		var e Entry
		var ts, ingested int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.SourceFile, &e.Role, &e.Content,
			&e.ToolNames, &ts, &e.CWD, &ingested); err != nil {
			return nil, mapErr(err)
		}
		e.Timestamp, e.IngestedAt = fromMS(ts), fromMS(ingested)
		list = append(list, e)
	}
	return list, rows.Err()
}
