// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package librarian

import (
	"strings"

	"github.com/claudiahq/claudia/internal/store"
)

// formatTranscript renders entries as a plain-text conversation log,
// oldest first. The byte length of the result is what the size ceiling
// is measured against.
func formatTranscript(entries []store.Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[")
		b.WriteString(e.Timestamp.UTC().Format("2006-01-02 15:04:05"))
		b.WriteString("] ")
		b.WriteString(e.Role)
		if e.ToolNames != "" {
			b.WriteString(" (tools: ")
			b.WriteString(e.ToolNames)
			b.WriteString(")")
		}
		b.WriteString(":\n")
		b.WriteString(strings.TrimRight(e.Content, "\n"))
	}
	return b.String()
}

// buildPrompt assembles the full turn sent to the agent: role prompt,
// then what earlier jobs archived from the same source file, then the
// transcript itself.
func buildPrompt(systemPrompt, transcript string, recent []store.Conversation) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(systemPrompt, "\n"))
	b.WriteString("\n\n")

	if len(recent) > 0 {
		b.WriteString("## Previously archived from this session\n\n")
		for _, c := range recent {
			b.WriteString("- ")
			if c.ProcessedAt != nil {
				b.WriteString(c.ProcessedAt.UTC().Format("2006-01-02"))
				b.WriteString(": ")
			}
			b.WriteString(c.Summary)
			if c.FilesWritten != "" {
				b.WriteString(" (files: ")
				b.WriteString(strings.ReplaceAll(c.FilesWritten, "\n", ", "))
				b.WriteString(")")
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Conversation transcript\n\n")
	b.WriteString(transcript)
	return b.String()
}

// verdict is the parsed outcome of a librarian session.
type verdict struct {
	Skip    bool
	Reason  string
	Summary string
}

// parseReply extracts the agent's decision. Recognized forms are
// "SKIP: <reason>" and "SUMMARY: <text>" on any line; otherwise the last
// non-empty line stands in as the summary.
func parseReply(reply string) verdict {
	var last string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "SKIP:"); ok {
			return verdict{Skip: true, Reason: strings.TrimSpace(rest)}
		}
		if rest, ok := strings.CutPrefix(line, "SUMMARY:"); ok {
			return verdict{Summary: strings.TrimSpace(rest)}
		}
		last = line
	}
	return verdict{Summary: last}
}
