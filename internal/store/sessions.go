// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// UpsertSession inserts a session record or refreshes last_activity and
// title if the external id is already known. Returns the stored record.
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) (*SessionRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = SessionActive
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastActivity.IsZero() {
		rec.LastActivity = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, external_session_id, status, title, previous_session_id, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_session_id) DO UPDATE SET
			last_activity = excluded.last_activity,
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE sessions.title END`,
		rec.ID, rec.WorkspaceID, rec.ExternalSessionID, rec.Status, rec.Title,
		rec.PreviousSessionID, ms(rec.LastActivity), ms(rec.CreatedAt))
	if err != nil {
		return nil, mapErr(err)
	}
	return s.GetSessionByExternalID(ctx, rec.ExternalSessionID)
}

// ReplaceActiveSession archives the workspace's active sessions and inserts
// the new record pointing back at the most recent one.
func (s *Store) ReplaceActiveSession(ctx context.Context, rec SessionRecord) (*SessionRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var previous string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM sessions WHERE workspace_id = ? AND status = ? ORDER BY last_activity DESC LIMIT 1`,
			rec.WorkspaceID, SessionActive).Scan(&previous)
		if err != nil && err != sql.ErrNoRows {
			return mapErr(err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ? WHERE workspace_id = ? AND status = ?`,
			SessionArchived, rec.WorkspaceID, SessionActive); err != nil {
			return mapErr(err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, workspace_id, external_session_id, status, title, previous_session_id, last_activity, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.WorkspaceID, rec.ExternalSessionID, SessionActive, rec.Title,
			previous, ms(now), ms(now))
		return mapErr(err)
	})
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, rec.ID)
}

// GetSession looks up a session record by id.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id))
}

// GetSessionByExternalID looks up a session record by the agent CLI's id.
func (s *Store) GetSessionByExternalID(ctx context.Context, externalID string) (*SessionRecord, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE external_session_id = ?`, externalID))
}

// ListSessions returns the records for a workspace, most recent first.
func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelect+` WHERE workspace_id = ? ORDER BY last_activity DESC`, workspaceID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var list []SessionRecord
	for rows.Next() {
		rec, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// ArchiveSession transitions a record to archived.
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, SessionArchived, id)
	return mapErr(err)
}

// TouchSessionActivity stamps last_activity for the record owning the
// external session id.
func (s *Store) TouchSessionActivity(ctx context.Context, externalID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE external_session_id = ?`, ms(at), externalID)
	return mapErr(err)
}

// SetSessionTitle updates a record's title.
func (s *Store) SetSessionTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, title, id)
	return mapErr(err)
}

const sessionSelect = `SELECT id, workspace_id, external_session_id, status, title, previous_session_id, last_activity, created_at FROM sessions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row *sql.Row) (*SessionRecord, error) {
	return scanSessionRows(row)
}

func scanSessionRows(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var activity, created int64
	if err := row.Scan(&rec.ID, &rec.WorkspaceID, &rec.ExternalSessionID, &rec.Status,
		&rec.Title, &rec.PreviousSessionID, &activity, &created); err != nil {
		return nil, mapErr(err)
	}
	rec.LastActivity, rec.CreatedAt = fromMS(activity), fromMS(created)
	return &rec, nil
}
