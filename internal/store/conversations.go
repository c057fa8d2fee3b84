// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// rebuildConversationsTx reconciles a file's non-terminal conversations with
// the segments computed from its current entries. Rows are matched by
// (source_file, first_message_at); archived and skipped rows are never
// touched. A matched ready row whose bounds grew demotes back to active;
// queued and processing rows keep their status (the librarian owns those).
func rebuildConversationsTx(ctx context.Context, tx *sql.Tx, fileKey string, seeds []Seed) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, first_message_at, last_message_at, status FROM conversations
		WHERE source_file = ? AND status NOT IN (?, ?)`,
		fileKey, ConvArchived, ConvSkipped)
	if err != nil {
		return mapErr(err)
	}

	type existing struct {
		id     string
		lastAt int64
		status string
	}
	current := make(map[int64]existing)
	for rows.Next() {
		var e existing
		var firstAt int64
		if err := rows.Scan(&e.id, &firstAt, &e.lastAt, &e.status); err != nil {
			rows.Close()
			return mapErr(err)
		}
		current[firstAt] = e
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return mapErr(err)
	}

	now := ms(time.Now())
	matched := make(map[int64]bool)
	for _, seed := range seeds {
		firstAt := ms(seed.FirstMessageAt)
		matched[firstAt] = true

		if row, ok := current[firstAt]; ok {
			status := row.status
			if status == ConvReady && ms(seed.LastMessageAt) > row.lastAt {
				// New entries arrived after readiness: no longer idle.
				status = ConvActive
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE conversations
				SET session_id = ?, last_message_at = ?, entry_count = ?, status = ?, status_at = ?
				WHERE id = ?`,
				seed.SessionID, ms(seed.LastMessageAt), seed.EntryCount, status, now, row.id); err != nil {
				return mapErr(err)
			}
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, session_id, source_file, first_message_at, last_message_at, entry_count, status, status_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), seed.SessionID, fileKey, firstAt, ms(seed.LastMessageAt),
			seed.EntryCount, ConvActive, now, now); err != nil {
			return mapErr(err)
		}
	}

	// Non-terminal rows no segment claimed are stale (their entries were
	// deleted or re-segmented) and go away.
	for firstAt, row := range current {
		if matched[firstAt] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, row.id); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

// PromoteReady transitions active conversations whose last message is older
// than the idle gap to ready. Returns the number promoted.
func (s *Store) PromoteReady(ctx context.Context, gap time.Duration, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, status_at = ?
		WHERE status = ? AND last_message_at + ? < ?`,
		ConvReady, ms(now), ConvActive, gap.Milliseconds(), ms(now))
	if err != nil {
		return 0, mapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueueReady moves up to limit ready conversations to queued, oldest first.
// Returns the ids queued.
func (s *Store) QueueReady(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM conversations WHERE status = ? ORDER BY last_message_at LIMIT ?`,
			ConvReady, limit)
		if err != nil {
			return mapErr(err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return mapErr(err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return mapErr(err)
		}

		now := ms(time.Now())
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE conversations SET status = ?, status_at = ? WHERE id = ?`,
				ConvQueued, now, id); err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ClaimOldestQueued atomically moves the oldest queued conversation to
// processing and returns it. Returns ErrNotFound when the queue is empty.
func (s *Store) ClaimOldestQueued(ctx context.Context) (*Conversation, error) {
	var claimed *Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, conversationSelect+`
			WHERE status = ? ORDER BY COALESCE(status_at, created_at), created_at LIMIT 1`,
			ConvQueued)
		conv, err := scanConversationRows(row)
		if err != nil {
			return err
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET status = ?, status_at = ? WHERE id = ?`,
			ConvProcessing, ms(now), conv.ID); err != nil {
			return mapErr(err)
		}
		conv.Status = ConvProcessing
		conv.StatusAt = &now
		claimed = conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CountProcessing reports how many conversations are mid-job. The worker
// refuses to claim while this is nonzero.
func (s *Store) CountProcessing(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE status = ?`, ConvProcessing).Scan(&n)
	return n, mapErr(err)
}

// MarkConversationArchived records a successful librarian job.
func (s *Store) MarkConversationArchived(ctx context.Context, id, summary, filesWritten string) error {
	now := ms(time.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, summary = ?, files_written = ?, status_at = ?, processed_at = ?
		WHERE id = ?`,
		ConvArchived, summary, filesWritten, now, now, id)
	return mapErr(err)
}

// MarkConversationSkipped records a skip decision and its reason.
func (s *Store) MarkConversationSkipped(ctx context.Context, id, reason string) error {
	now := ms(time.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, metadata = ?, status_at = ?, processed_at = ?
		WHERE id = ?`,
		ConvSkipped, reason, now, now, id)
	return mapErr(err)
}

// RequeueConversation rolls a failed job back to queued for retry.
func (s *Store) RequeueConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, status_at = ? WHERE id = ?`,
		ConvQueued, ms(time.Now()), id)
	return mapErr(err)
}

// ResetProcessingToQueued rolls every processing conversation back to queued.
// Run at startup: a crashed worker leaves at most one such row.
func (s *Store) ResetProcessingToQueued(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, status_at = ? WHERE status = ?`,
		ConvQueued, ms(time.Now()), ConvProcessing)
	if err != nil {
		return 0, mapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecentArchived returns up to n most recently archived conversations for a
// source file, newest first.
func (s *Store) RecentArchived(ctx context.Context, fileKey string, n int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, conversationSelect+`
		WHERE source_file = ? AND status = ? ORDER BY processed_at DESC LIMIT ?`,
		fileKey, ConvArchived, n)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

// GetConversation looks up a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return scanConversationRows(s.db.QueryRowContext(ctx, conversationSelect+` WHERE id = ?`, id))
}

// ListConversationsByStatus returns conversations in a given status, oldest
// transition first.
func (s *Store) ListConversationsByStatus(ctx context.Context, status string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, conversationSelect+`
		WHERE status = ? ORDER BY COALESCE(status_at, created_at), created_at`, status)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

// ListConversationsForFile returns every conversation for a file ordered by
// first message time.
func (s *Store) ListConversationsForFile(ctx context.Context, fileKey string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, conversationSelect+`
		WHERE source_file = ? ORDER BY first_message_at`, fileKey)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

const conversationSelect = `SELECT id, session_id, source_file, first_message_at, last_message_at, entry_count, status, summary, files_written, metadata, status_at, processed_at, created_at FROM conversations`

func scanConversationRows(row rowScanner) (*Conversation, error) {
	var c Conversation
	var firstAt, lastAt, created int64
	var statusAt, processedAt sql.NullInt64
	if err := row.Scan(&c.ID, &c.SessionID, &c.SourceFile, &firstAt, &lastAt, &c.EntryCount,
		&c.Status, &c.Summary, &c.FilesWritten, &c.Metadata, &statusAt, &processedAt, &created); err != nil {
		return nil, mapErr(err)
	}
	c.FirstMessageAt, c.LastMessageAt, c.CreatedAt = fromMS(firstAt), fromMS(lastAt), fromMS(created)
	c.StatusAt = fromNullMS(statusAt)
	c.ProcessedAt = fromNullMS(processedAt)
	return &c, nil
}

func collectConversations(rows *sql.Rows) ([]Conversation, error) {
	var list []Conversation
	for rows.Next() {
		c, err := scanConversationRows(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *c)
	}
	return list, rows.Err()
}
