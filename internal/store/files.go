// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"time"
)

// GetFileState looks up the ingestion state for a file key.
func (s *Store) GetFileState(ctx context.Context, fileKey string) (*FileState, error) {
	return scanFileState(s.db.QueryRowContext(ctx, fileStateSelect+` WHERE file_key = ?`, fileKey))
}

// MarkIngesting records the start of an ingestion pass, capturing the file
// size that bounds this pass.
func (s *Store) MarkIngesting(ctx context.Context, fileKey, source string, size int64, modTime time.Time) error {
	now := ms(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_states (file_key, source, status, last_modified, file_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_key) DO UPDATE SET
			status = excluded.status,
			source = excluded.source,
			last_modified = excluded.last_modified,
			file_size = excluded.file_size,
			updated_at = excluded.updated_at`,
		fileKey, source, FileIngesting, ms(modTime), size, now, now)
	return mapErr(err)
}

// MarkIdle completes an ingestion pass, advancing the offset high-water mark
// and the newest committed entry timestamp.
func (s *Store) MarkIdle(ctx context.Context, fileKey string, offset int64, lastEntry *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE file_states
		SET status = ?, last_processed_offset = ?,
			last_entry_timestamp = COALESCE(?, last_entry_timestamp),
			updated_at = ?
		WHERE file_key = ?`,
		FileIdle, offset, nullMS(lastEntry), ms(time.Now()), fileKey)
	return mapErr(err)
}

// ResetFileState rewinds a file for forced re-import.
func (s *Store) ResetFileState(ctx context.Context, fileKey string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE file_states
		SET status = ?, last_processed_offset = 0, last_entry_timestamp = NULL, updated_at = ?
		WHERE file_key = ?`,
		FileIdle, ms(time.Now()), fileKey)
	return mapErr(err)
}

// ListIngesting returns every file stuck in ingesting state, the input to
// crash recovery.
func (s *Store) ListIngesting(ctx context.Context) ([]FileState, error) {
	rows, err := s.db.QueryContext(ctx, fileStateSelect+` WHERE status = ?`, FileIngesting)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var list []FileState
	for rows.Next() {
		fs, err := scanFileStateRows(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *fs)
	}
	return list, rows.Err()
}

// ListFileStates returns every tracked file.
func (s *Store) ListFileStates(ctx context.Context) ([]FileState, error) {
	rows, err := s.db.QueryContext(ctx, fileStateSelect+` ORDER BY file_key`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var list []FileState
	for rows.Next() {
		fs, err := scanFileStateRows(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *fs)
	}
	return list, rows.Err()
}

const fileStateSelect = `SELECT file_key, source, status, last_modified, file_size, last_processed_offset, last_entry_timestamp, created_at, updated_at FROM file_states`

func scanFileState(row *sql.Row) (*FileState, error) {
	return scanFileStateRows(row)
}

func scanFileStateRows(row rowScanner) (*FileState, error) {
	var fs FileState
	var modified, created, updated int64
	var lastEntry sql.NullInt64
	if err := row.Scan(&fs.FileKey, &fs.Source, &fs.Status, &modified, &fs.FileSize,
		&fs.LastProcessedOffset, &lastEntry, &created, &updated); err != nil {
		return nil, mapErr(err)
	}
	fs.LastModified = fromMS(modified)
	fs.LastEntryTimestamp = fromNullMS(lastEntry)
	fs.CreatedAt, fs.UpdatedAt = fromMS(created), fromMS(updated)
	return &fs, nil
}
