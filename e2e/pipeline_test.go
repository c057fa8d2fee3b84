// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/events"
	"github.com/claudiahq/claudia/internal/ingest"
	"github.com/claudiahq/claudia/internal/store"
)

// logLine renders one claude-CLI transcript record the parser accepts.
func logLine(role string, ts time.Time, text string) string {
	return fmt.Sprintf(
		`{"type":%q,"timestamp":%q,"sessionId":"e0c9d7ce-1f6a-4f9e-9e0f-1b2c3d4e5f60","cwd":"/repo","message":{"role":%q,"content":[{"type":"text","text":%q}]}}`,
		role, ts.UTC().Format(time.RFC3339), role, text)
}

func roleAt(i int) string {
	if i%2 == 0 {
		return "user"
	}
	return "assistant"
}

type pipelineFixture struct {
	store *store.Store
	pipe  *ingest.Pipeline
	seg   ingest.Segmenter
	cfg   config.LogsConfig
	path  string
	key   string
}

func newPipelineFixture(t *testing.T, cfg config.LogsConfig) *pipelineFixture {
	t.Helper()

	base := t.TempDir()
	cfg.BaseDirs = []string{base}
	if cfg.Suffix == "" {
		cfg.Suffix = ".jsonl"
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "claudia.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewMemoryBus(events.MemoryBusConfig{})
	t.Cleanup(func() { bus.Close() })

	path := filepath.Join(base, "e0c9d7ce-1f6a-4f9e-9e0f-1b2c3d4e5f60.jsonl")
	return &pipelineFixture{
		store: st,
		pipe:  ingest.NewPipeline(st, ingest.ClaudeParser{}, bus, cfg),
		seg:   ingest.Segmenter{Gap: cfg.Gap(), MaxEntries: cfg.MaxEntries, MaxBytes: cfg.MaxBytes},
		cfg:   cfg,
		path:  path,
		key:   ingest.FileKey(path, cfg.BaseDirs),
	}
}

// TestIngestionCrashRecovery drives a full ingest, an interrupted pass
// that died after committing part of the appended bytes, startup
// recovery, and the re-ingest that makes the file whole.
func TestIngestionCrashRecovery(t *testing.T) {
	fx := newPipelineFixture(t, config.LogsConfig{GapMinutes: 10, MaxEntries: 200})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	offsets := []int{0, 60, 120, 1000, 1060}
	lines := make([]string, len(offsets))
	for i, off := range offsets {
		lines[i] = logLine(roleAt(i), t0.Add(time.Duration(off)*time.Second), fmt.Sprintf("message %d", i))
	}

	// A clean pass over the first two entries.
	prefix := strings.Join(lines[:2], "\n") + "\n"
	require.NoError(t, os.WriteFile(fx.path, []byte(prefix), 0o644))
	require.NoError(t, fx.pipe.IngestFile(ctx, fx.path, false))

	fs, err := fx.store.GetFileState(ctx, fx.key)
	require.NoError(t, err)
	assert.Equal(t, store.FileIdle, fs.Status)
	assert.Equal(t, int64(len(prefix)), fs.LastProcessedOffset)
	require.NotNil(t, fs.LastEntryTimestamp)
	assert.True(t, fs.LastEntryTimestamp.Equal(t0.Add(60*time.Second)))

	// The rest of the session lands on disk...
	full := prefix + strings.Join(lines[2:], "\n") + "\n"
	require.NoError(t, os.WriteFile(fx.path, []byte(full), 0o644))

	// ...and the next pass dies between commit and mark-idle: the file
	// is stuck ingesting, one of the three new entries made it in, and
	// the offset still points at the old prefix.
	info, err := os.Stat(fx.path)
	require.NoError(t, err)
	require.NoError(t, fx.store.MarkIngesting(ctx, fx.key, "claude", info.Size(), info.ModTime()))
	partial := store.Entry{
		SessionID:  "e0c9d7ce-1f6a-4f9e-9e0f-1b2c3d4e5f60",
		SourceFile: fx.key,
		Role:       roleAt(2),
		Content:    "message 2",
		Timestamp:  t0.Add(120 * time.Second),
	}
	_, _, err = fx.store.CommitIngestPass(ctx, fx.key, []store.Entry{partial}, false, fx.seg.Seeds)
	require.NoError(t, err)

	fs, err = fx.store.GetFileState(ctx, fx.key)
	require.NoError(t, err)
	assert.Equal(t, store.FileIngesting, fs.Status)
	require.NotNil(t, fs.LastEntryTimestamp)
	assert.True(t, fs.LastEntryTimestamp.Equal(t0.Add(60*time.Second)), "high-water mark must not move before mark-idle")

	// Startup recovery rolls the torn pass back to the high-water mark.
	require.NoError(t, fx.pipe.RecoverOnStartup(ctx))

	n, err := fx.store.CountEntriesForFile(ctx, fx.key)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the partially committed entry is rolled back")

	fs, err = fx.store.GetFileState(ctx, fx.key)
	require.NoError(t, err)
	assert.Equal(t, store.FileIdle, fs.Status)
	assert.Equal(t, int64(len(prefix)), fs.LastProcessedOffset, "offset survives recovery so the bytes are re-read")

	// The next pass re-ingests everything past the committed offset.
	require.NoError(t, fx.pipe.IngestFile(ctx, fx.path, false))

	entries, err := fx.store.ListEntriesForFile(ctx, fx.key)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, off := range offsets {
		assert.True(t, entries[i].Timestamp.Equal(t0.Add(time.Duration(off)*time.Second)),
			"entry %d timestamp", i)
		assert.Equal(t, fmt.Sprintf("message %d", i), entries[i].Content)
	}

	// The 880s silence between entries 2 and 3 exceeds the 10 minute
	// gap, so the file splits into two conversations.
	convs, err := fx.store.ListConversationsForFile(ctx, fx.key)
	require.NoError(t, err)
	require.Len(t, convs, 2)

	assert.True(t, convs[0].FirstMessageAt.Equal(t0))
	assert.True(t, convs[0].LastMessageAt.Equal(t0.Add(120*time.Second)))
	assert.Equal(t, 3, convs[0].EntryCount)

	assert.True(t, convs[1].FirstMessageAt.Equal(t0.Add(1000*time.Second)))
	assert.True(t, convs[1].LastMessageAt.Equal(t0.Add(1060*time.Second)))
	assert.Equal(t, 2, convs[1].EntryCount)

	fs, err = fx.store.GetFileState(ctx, fx.key)
	require.NoError(t, err)
	assert.Equal(t, store.FileIdle, fs.Status)
	assert.Equal(t, int64(len(full)), fs.LastProcessedOffset)
	require.NotNil(t, fs.LastEntryTimestamp)
	assert.True(t, fs.LastEntryTimestamp.Equal(t0.Add(1060*time.Second)))
}

// TestSegmentationEntryCeiling ingests one entry past the per-conversation
// entry bound and expects a split exactly at the bound.
func TestSegmentationEntryCeiling(t *testing.T) {
	fx := newPipelineFixture(t, config.LogsConfig{GapMinutes: 60, MaxEntries: 200})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	var sb strings.Builder
	for i := 0; i < 201; i++ {
		sb.WriteString(logLine(roleAt(i), t0.Add(time.Duration(i)*time.Second), fmt.Sprintf("line %d", i)))
		sb.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(fx.path, []byte(sb.String()), 0o644))
	require.NoError(t, fx.pipe.IngestFile(ctx, fx.path, false))

	n, err := fx.store.CountEntriesForFile(ctx, fx.key)
	require.NoError(t, err)
	assert.Equal(t, 201, n)

	convs, err := fx.store.ListConversationsForFile(ctx, fx.key)
	require.NoError(t, err)
	require.Len(t, convs, 2)

	assert.Equal(t, 200, convs[0].EntryCount)
	assert.True(t, convs[0].FirstMessageAt.Equal(t0))
	assert.True(t, convs[0].LastMessageAt.Equal(t0.Add(199*time.Second)))

	assert.Equal(t, 1, convs[1].EntryCount)
	assert.True(t, convs[1].FirstMessageAt.Equal(t0.Add(200*time.Second)))
	assert.True(t, convs[1].LastMessageAt.Equal(t0.Add(200*time.Second)))
}

// TestIngestTruncatedFileRereads covers log rotation: a file that shrank
// below its committed offset is dropped and re-read from the start.
func TestIngestTruncatedFileRereads(t *testing.T) {
	fx := newPipelineFixture(t, config.LogsConfig{GapMinutes: 10})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	first := logLine("user", t0, "before rotation one") + "\n" +
		logLine("assistant", t0.Add(time.Second), "before rotation two") + "\n"
	require.NoError(t, os.WriteFile(fx.path, []byte(first), 0o644))
	require.NoError(t, fx.pipe.IngestFile(ctx, fx.path, false))

	rotated := logLine("user", t0.Add(2*time.Second), "after rotation") + "\n"
	require.Less(t, len(rotated), len(first))
	require.NoError(t, os.WriteFile(fx.path, []byte(rotated), 0o644))
	require.NoError(t, fx.pipe.IngestFile(ctx, fx.path, false))

	entries, err := fx.store.ListEntriesForFile(ctx, fx.key)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "after rotation", entries[0].Content)
}
