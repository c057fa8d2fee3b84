// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userLine(ts, content string) string {
	return fmt.Sprintf(`{"type":"user","sessionId":"sess-1","timestamp":"%s","cwd":"/home/dev/repo","message":{"role":"user","content":%q}}`, ts, content)
}

func assistantLine(ts string, blocks string) string {
	return fmt.Sprintf(`{"type":"assistant","sessionId":"sess-1","timestamp":"%s","message":{"role":"assistant","content":[%s]}}`, ts, blocks)
}

func TestClaudeParser_Parse(t *testing.T) {
	content := strings.Join([]string{
		userLine("2026-01-02T10:00:00Z", "hello there"),
		assistantLine("2026-01-02T10:00:05Z",
			`{"type":"text","text":"hi"},{"type":"tool_use","id":"t1","name":"Bash","input":{}}`),
	}, "\n")

	entries := ClaudeParser{}.Parse([]byte(content), "a.jsonl")
	require.Len(t, entries, 2)

	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "hello there", entries[0].Content)
	assert.Equal(t, "sess-1", entries[0].SessionID)
	assert.Equal(t, "/home/dev/repo", entries[0].CWD)
	assert.Equal(t, int64(1767348000), entries[0].Timestamp.Unix())

	assert.Equal(t, "assistant", entries[1].Role)
	assert.Equal(t, "hi", entries[1].Content)
	assert.Equal(t, []string{"Bash"}, entries[1].ToolNames)
}

func TestClaudeParser_DropsNonConversational(t *testing.T) {
	lines := []string{
		`{"type":"summary","summary":"compacted"}`,
		`{"type":"user","isMeta":true,"timestamp":"2026-01-02T10:00:00Z","message":{"content":"meta"}}`,
		`{"type":"user","isSidechain":true,"timestamp":"2026-01-02T10:00:01Z","message":{"content":"side"}}`,
		`{"type":"user","isCompactSummary":true,"timestamp":"2026-01-02T10:00:02Z","message":{"content":"compact"}}`,
		userLine("2026-01-02T10:00:03Z", "Caveat: the messages below were generated"),
		userLine("2026-01-02T10:00:04Z", "This session is being continued from a previous one"),
		userLine("2026-01-02T10:00:05Z", "[Request interrupted by user]"),
		userLine("2026-01-02T10:00:06Z", "<command-message>clear</command-message>"),
		userLine("2026-01-02T10:00:07Z", "<local-command-stdout>ok</local-command-stdout>"),
		// Tool-only assistant message: no text blocks.
		assistantLine("2026-01-02T10:00:08Z", `{"type":"tool_use","id":"t1","name":"Read","input":{}}`),
		// No timestamp.
		`{"type":"user","message":{"content":"when?"}}`,
		userLine("2026-01-02T10:00:09Z", "real question"),
	}

	entries := ClaudeParser{}.Parse([]byte(strings.Join(lines, "\n")), "a.jsonl")
	require.Len(t, entries, 1)
	assert.Equal(t, "real question", entries[0].Content)
}

func TestClaudeParser_SkipsPartialTrailingLine(t *testing.T) {
	content := userLine("2026-01-02T10:00:00Z", "complete") + "\n" +
		`{"type":"user","timestamp":"2026-01-02T10:00:05Z","mess`

	entries := ClaudeParser{}.Parse([]byte(content), "a.jsonl")
	require.Len(t, entries, 1)
	assert.Equal(t, "complete", entries[0].Content)
}

func TestClaudeParser_IncrementalSuffix(t *testing.T) {
	lines := []string{
		userLine("2026-01-02T10:00:00Z", "first"),
		assistantLine("2026-01-02T10:00:05Z", `{"type":"text","text":"second"}`),
		userLine("2026-01-02T10:00:10Z", "third"),
	}
	full := strings.Join(lines, "\n") + "\n"

	all := ClaudeParser{}.Parse([]byte(full), "a.jsonl")
	require.Len(t, all, 3)

	// Parsing the suffix after the first line yields exactly the rest.
	cut := len(lines[0]) + 1
	tail := ClaudeParser{}.Parse([]byte(full[cut:]), "a.jsonl")
	require.Len(t, tail, 2)
	assert.Equal(t, all[1].Content, tail[0].Content)
	assert.Equal(t, all[2].Content, tail[1].Content)
}

func TestClaudeParser_MultipleTextBlocks(t *testing.T) {
	content := assistantLine("2026-01-02T10:00:00Z",
		`{"type":"text","text":"part one"},{"type":"thinking","thinking":"hmm"},{"type":"text","text":"part two"}`)

	entries := ClaudeParser{}.Parse([]byte(content), "a.jsonl")
	require.Len(t, entries, 1)
	assert.Equal(t, "part one\npart two", entries[0].Content)
}
