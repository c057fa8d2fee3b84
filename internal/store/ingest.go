// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"time"
)

// Resegment computes conversation seeds from a file's full entry list. The
// pipeline supplies its segmenter; the store keeps the transaction.
type Resegment func(entries []Entry) []Seed

// CommitIngestPass atomically applies phase two of a file ingestion pass:
// optionally drop the file's existing entries, insert the new ones, and
// rebuild the file's non-terminal conversations from the resulting entry
// set. Returns the number of entries inserted and the maximum entry
// timestamp committed for the file.
func (s *Store) CommitIngestPass(ctx context.Context, fileKey string, newEntries []Entry, dropExisting bool, resegment Resegment) (int, *time.Time, error) {
	var maxTS *time.Time
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if dropExisting {
			if err := deleteEntriesForFileTx(ctx, tx, fileKey); err != nil {
				return err
			}
		}
		if err := insertEntriesTx(ctx, tx, newEntries); err != nil {
			return err
		}

		all, err := entriesForFileTx(ctx, tx, fileKey)
		if err != nil {
			return err
		}
		if len(all) > 0 {
			ts := all[len(all)-1].Timestamp
			maxTS = &ts
		}
		return rebuildConversationsTx(ctx, tx, fileKey, resegment(all))
	})
	if err != nil {
		return 0, nil, err
	}
	return len(newEntries), maxTS, nil
}

// RecoverFile rolls back a crashed ingestion pass: entries newer than the
// file's last committed timestamp are deleted (all of them when none was
// ever committed), conversations are rebuilt from what remains, and the file
// returns to idle with its offset untouched so the next pass re-reads the
// rolled-back bytes.
func (s *Store) RecoverFile(ctx context.Context, fs FileState, resegment Resegment) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if fs.LastEntryTimestamp == nil {
			if err := deleteEntriesForFileTx(ctx, tx, fs.FileKey); err != nil {
				return err
			}
		} else {
			if err := deleteEntriesAfterTx(ctx, tx, fs.FileKey, *fs.LastEntryTimestamp); err != nil {
				return err
			}
		}

		remaining, err := entriesForFileTx(ctx, tx, fs.FileKey)
		if err != nil {
			return err
		}
		return rebuildConversationsTx(ctx, tx, fs.FileKey, resegment(remaining))
	})
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE file_states SET status = ?, updated_at = ? WHERE file_key = ?`,
		FileIdle, ms(time.Now()), fs.FileKey)
	return mapErr(err)
}
