// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package librarian

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/claudiahq/claudia/internal/store"
)

func TestFormatTranscript(t *testing.T) {
	entries := []store.Entry{
		{
			Role:      "user",
			Content:   "please fix the race\n",
			Timestamp: time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC),
		},
		{
			Role:      "assistant",
			Content:   "done, the watcher now locks first",
			ToolNames: "Read,Edit",
			Timestamp: time.Date(2026, 2, 10, 9, 31, 12, 0, time.UTC),
		},
	}

	got := formatTranscript(entries)
	want := "[2026-02-10 09:30:00] user:\nplease fix the race\n\n" +
		"[2026-02-10 09:31:12] assistant (tools: Read,Edit):\ndone, the watcher now locks first"
	assert.Equal(t, want, got)
}

func TestFormatTranscriptEmpty(t *testing.T) {
	assert.Equal(t, "", formatTranscript(nil))
}

func TestBuildPromptWithContext(t *testing.T) {
	processedAt := time.Date(2026, 2, 9, 8, 0, 0, 0, time.UTC)
	recent := []store.Conversation{
		{Summary: "noted auth refactor", FilesWritten: "notes/auth.md\nindex.md", ProcessedAt: &processedAt},
		{Summary: "recorded db migration plan"},
	}

	got := buildPrompt("You are the librarian.", "the transcript", recent)

	assert.True(t, len(got) > 0)
	assert.Contains(t, got, "You are the librarian.")
	assert.Contains(t, got, "## Previously archived from this session")
	assert.Contains(t, got, "- 2026-02-09: noted auth refactor (files: notes/auth.md, index.md)")
	assert.Contains(t, got, "- recorded db migration plan")
	assert.Contains(t, got, "## Conversation transcript\n\nthe transcript")
}

func TestBuildPromptWithoutContext(t *testing.T) {
	got := buildPrompt("role", "body", nil)

	assert.NotContains(t, got, "## Previously archived")
	assert.Contains(t, got, "role\n\n## Conversation transcript\n\nbody")
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  verdict
	}{
		{
			name:  "summary line",
			reply: "SUMMARY: recorded the fix",
			want:  verdict{Summary: "recorded the fix"},
		},
		{
			name:  "skip line",
			reply: "SKIP: routine session, nothing new",
			want:  verdict{Skip: true, Reason: "routine session, nothing new"},
		},
		{
			name:  "summary after preamble",
			reply: "I read the transcript and wrote two notes.\n\nSUMMARY: captured worker design",
			want:  verdict{Summary: "captured worker design"},
		},
		{
			name:  "fallback to last non-empty line",
			reply: "I took some notes.\nThey cover the new config layout.\n\n",
			want:  verdict{Summary: "They cover the new config layout."},
		},
		{
			name:  "first directive wins",
			reply: "SKIP: duplicates\nSUMMARY: should not be reached",
			want:  verdict{Skip: true, Reason: "duplicates"},
		},
		{
			name:  "empty reply",
			reply: "\n\n",
			want:  verdict{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseReply(tt.reply))
		})
	}
}
