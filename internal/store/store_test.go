// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// identity segmentation: one seed spanning all entries.
func singleSeed(entries []Entry) []Seed {
	if len(entries) == 0 {
		return nil
	}
	return []Seed{{
		SessionID:      entries[0].SessionID,
		FirstMessageAt: entries[0].Timestamp,
		LastMessageAt:  entries[len(entries)-1].Timestamp,
		EntryCount:     len(entries),
	}}
}

func testEntry(file string, sec int64, role, content string) Entry {
	return Entry{
		SessionID:  "sess-1",
		SourceFile: file,
		Role:       role,
		Content:    content,
		Timestamp:  time.UnixMilli(sec * 1000).UTC(),
	}
}

func TestStore_GetOrCreateWorkspace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ws, err := s.GetOrCreateWorkspace(ctx, "/home/dev/repo")
	require.NoError(t, err)
	assert.Equal(t, "repo", ws.Name)
	assert.NotEmpty(t, ws.ID)

	again, err := s.GetOrCreateWorkspace(ctx, "/home/dev/repo")
	require.NoError(t, err)
	assert.Equal(t, ws.ID, again.ID)

	list, err := s.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_ReplaceActiveSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ws, err := s.GetOrCreateWorkspace(ctx, "/repo")
	require.NoError(t, err)

	first, err := s.UpsertSession(ctx, SessionRecord{WorkspaceID: ws.ID, ExternalSessionID: "ext-1"})
	require.NoError(t, err)
	assert.Equal(t, SessionActive, first.Status)

	second, err := s.ReplaceActiveSession(ctx, SessionRecord{WorkspaceID: ws.ID, ExternalSessionID: "ext-2"})
	require.NoError(t, err)
	assert.Equal(t, SessionActive, second.Status)
	assert.Equal(t, first.ID, second.PreviousSessionID)

	archived, err := s.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionArchived, archived.Status)
}

func TestStore_UpsertSession_RefreshesActivity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.UpsertSession(ctx, SessionRecord{WorkspaceID: "w", ExternalSessionID: "ext-1"})
	require.NoError(t, err)

	later := rec.LastActivity.Add(time.Hour)
	require.NoError(t, s.TouchSessionActivity(ctx, "ext-1", later))

	got, err := s.GetSessionByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, later.UnixMilli(), got.LastActivity.UnixMilli())
	assert.Equal(t, rec.ID, got.ID)
}

func TestStore_FileStateLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetFileState(ctx, "proj/a.jsonl")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.MarkIngesting(ctx, "proj/a.jsonl", "claude", 4096, time.Now()))

	fs, err := s.GetFileState(ctx, "proj/a.jsonl")
	require.NoError(t, err)
	assert.Equal(t, FileIngesting, fs.Status)
	assert.EqualValues(t, 4096, fs.FileSize)
	assert.Nil(t, fs.LastEntryTimestamp)

	last := time.UnixMilli(120_000).UTC()
	require.NoError(t, s.MarkIdle(ctx, "proj/a.jsonl", 4096, &last))

	fs, err = s.GetFileState(ctx, "proj/a.jsonl")
	require.NoError(t, err)
	assert.Equal(t, FileIdle, fs.Status)
	assert.EqualValues(t, 4096, fs.LastProcessedOffset)
	require.NotNil(t, fs.LastEntryTimestamp)
	assert.Equal(t, last.UnixMilli(), fs.LastEntryTimestamp.UnixMilli())

	// MarkIdle without a newer entry timestamp keeps the previous one.
	require.NoError(t, s.MarkIdle(ctx, "proj/a.jsonl", 5000, nil))
	fs, err = s.GetFileState(ctx, "proj/a.jsonl")
	require.NoError(t, err)
	require.NotNil(t, fs.LastEntryTimestamp)
	assert.Equal(t, last.UnixMilli(), fs.LastEntryTimestamp.UnixMilli())
}

func TestStore_CommitIngestPass(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	file := "proj/a.jsonl"

	entries := []Entry{
		testEntry(file, 0, "user", "hello"),
		testEntry(file, 60, "assistant", "hi"),
	}
	inserted, maxTS, err := s.CommitIngestPass(ctx, file, entries, false, singleSeed)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	require.NotNil(t, maxTS)
	assert.EqualValues(t, 60_000, maxTS.UnixMilli())

	convs, err := s.ListConversationsForFile(ctx, file)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, ConvActive, convs[0].Status)
	assert.Equal(t, 2, convs[0].EntryCount)

	// Appending entries updates the same conversation row.
	more := []Entry{testEntry(file, 120, "user", "more")}
	_, _, err = s.CommitIngestPass(ctx, file, more, false, singleSeed)
	require.NoError(t, err)

	convs2, err := s.ListConversationsForFile(ctx, file)
	require.NoError(t, err)
	require.Len(t, convs2, 1)
	assert.Equal(t, convs[0].ID, convs2[0].ID)
	assert.Equal(t, 3, convs2[0].EntryCount)
}

func TestStore_RebuildPreservesTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	file := "proj/b.jsonl"

	entries := []Entry{testEntry(file, 0, "user", "q"), testEntry(file, 30, "assistant", "a")}
	_, _, err := s.CommitIngestPass(ctx, file, entries, false, singleSeed)
	require.NoError(t, err)

	convs, err := s.ListConversationsForFile(ctx, file)
	require.NoError(t, err)
	require.NoError(t, s.MarkConversationArchived(ctx, convs[0].ID, "done", ""))

	// Re-segmenting the same entries must not touch the archived row and
	// must not create a duplicate for the same boundaries.
	_, _, err = s.CommitIngestPass(ctx, file, nil, false, func(all []Entry) []Seed {
		return singleSeed(all)
	})
	require.NoError(t, err)

	convs, err = s.ListConversationsForFile(ctx, file)
	require.NoError(t, err)
	require.Len(t, convs, 2) // archived row plus the rebuilt active one
	statuses := map[string]bool{}
	for _, c := range convs {
		statuses[c.Status] = true
	}
	assert.True(t, statuses[ConvArchived])
	assert.True(t, statuses[ConvActive])
}

func TestStore_ReadyDemotionOnNewEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	file := "proj/c.jsonl"

	entries := []Entry{testEntry(file, 0, "user", "q")}
	_, _, err := s.CommitIngestPass(ctx, file, entries, false, singleSeed)
	require.NoError(t, err)

	n, err := s.PromoteReady(ctx, time.Minute, time.UnixMilli(10*60*1000))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// New entries for the same conversation pull it back to active.
	_, _, err = s.CommitIngestPass(ctx, file, []Entry{testEntry(file, 700, "assistant", "late")}, false, singleSeed)
	require.NoError(t, err)

	convs, err := s.ListConversationsForFile(ctx, file)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, ConvActive, convs[0].Status)
}

func TestStore_QueueClaimLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	file := "proj/d.jsonl"

	_, _, err := s.CommitIngestPass(ctx, file, []Entry{
		testEntry(file, 0, "user", "q"), testEntry(file, 10, "assistant", "a"),
	}, false, singleSeed)
	require.NoError(t, err)

	_, err = s.PromoteReady(ctx, time.Second, time.Now())
	require.NoError(t, err)

	ids, err := s.QueueReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	conv, err := s.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[0], conv.ID)
	assert.Equal(t, ConvProcessing, conv.Status)

	n, err := s.CountProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Queue is empty now.
	_, err = s.ClaimOldestQueued(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RequeueConversation(ctx, conv.ID))
	n, err = s.CountProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	conv2, err := s.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	require.NoError(t, s.MarkConversationSkipped(ctx, conv2.ID, "too few entries"))

	got, err := s.GetConversation(ctx, conv2.ID)
	require.NoError(t, err)
	assert.Equal(t, ConvSkipped, got.Status)
	assert.Equal(t, "too few entries", got.Metadata)
	assert.NotNil(t, got.ProcessedAt)
}

func TestStore_ResetProcessingToQueued(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	file := "proj/e.jsonl"

	_, _, err := s.CommitIngestPass(ctx, file, []Entry{testEntry(file, 0, "user", "q")}, false, singleSeed)
	require.NoError(t, err)
	_, err = s.PromoteReady(ctx, time.Second, time.Now())
	require.NoError(t, err)
	_, err = s.QueueReady(ctx, 1)
	require.NoError(t, err)
	_, err = s.ClaimOldestQueued(ctx)
	require.NoError(t, err)

	n, err := s.ResetProcessingToQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queued, err := s.ListConversationsByStatus(ctx, ConvQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestStore_RecoverFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	file := "proj/f.jsonl"

	// Committed pass: entries at t=0 and t=60 with high-water mark t=60.
	_, maxTS, err := s.CommitIngestPass(ctx, file, []Entry{
		testEntry(file, 0, "user", "q"), testEntry(file, 60, "assistant", "a"),
	}, false, singleSeed)
	require.NoError(t, err)
	require.NoError(t, s.MarkIngesting(ctx, file, "claude", 100, time.Now()))
	require.NoError(t, s.MarkIdle(ctx, file, 100, maxTS))

	// Crashed pass: t=120 entry landed but the pass never completed.
	require.NoError(t, s.MarkIngesting(ctx, file, "claude", 200, time.Now()))
	_, _, err = s.CommitIngestPass(ctx, file, []Entry{testEntry(file, 120, "user", "partial")}, false, singleSeed)
	require.NoError(t, err)

	stuck, err := s.ListIngesting(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	require.NoError(t, s.RecoverFile(ctx, stuck[0], singleSeed))

	entries, err := s.ListEntriesForFile(ctx, file)
	require.NoError(t, err)
	require.Len(t, entries, 2) // the t=120 entry rolled back
	assert.EqualValues(t, 60_000, entries[1].Timestamp.UnixMilli())

	fs, err := s.GetFileState(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, FileIdle, fs.Status)
	// Offset untouched: the next pass re-reads the rolled-back bytes.
	assert.EqualValues(t, 100, fs.LastProcessedOffset)
}
