// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ingest reconciles append-only agent transcript logs into
// normalized entries and conversations.
package ingest

import (
	"bufio"
	"bytes"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ParsedEntry is one transcript entry extracted from a log chunk.
type ParsedEntry struct {
	SessionID string
	Role      string
	Content   string
	ToolNames []string
	Timestamp time.Time
	CWD       string
}

// Parser converts a chunk of log content into entries. Implementations
// must be incremental-safe: parsing suffix bytes from a prior offset
// yields exactly the entries those bytes contain.
type Parser interface {
	Parse(content []byte, sourceFile string) []ParsedEntry
}

const (
	initialScanBuf = 64 * 1024
	maxLineBytes   = 10 * 1024 * 1024
)

// System-injected user messages that carry no conversational content.
var systemPrefixes = [...]string{
	"Caveat:",
	"This session is being continued",
	"[Request interrupted",
	"<command-message>",
	"<command-name>",
	"<local-command",
	"<task-notification>",
	"Stop hook feedback:",
}

// ClaudeParser parses the NDJSON session logs written by the claude CLI.
// Each line is one record; only user and assistant messages become
// entries. Meta, sidechain, compaction, and tool-only records are
// dropped, as are records without a parsable timestamp.
type ClaudeParser struct{}

var _ Parser = ClaudeParser{}

// Parse extracts entries from content. Lines that fail JSON validation
// are skipped so a chunk ending mid-line degrades to the complete lines.
func (ClaudeParser) Parse(content []byte, sourceFile string) []ParsedEntry {
	var entries []ParsedEntry

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, initialScanBuf), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !gjson.Valid(line) {
			continue
		}

		typ := gjson.Get(line, "type").Str
		if typ != "user" && typ != "assistant" {
			continue
		}
		if gjson.Get(line, "isMeta").Bool() ||
			gjson.Get(line, "isSidechain").Bool() ||
			gjson.Get(line, "isCompactSummary").Bool() {
			continue
		}

		ts, ok := parseTimestamp(gjson.Get(line, "timestamp").Str)
		if !ok {
			continue
		}

		text, toolNames := extractContent(gjson.Get(line, "message.content"))
		if strings.TrimSpace(text) == "" {
			continue // tool-only or empty message
		}
		if typ == "user" && isSystemText(text) {
			continue
		}

		entries = append(entries, ParsedEntry{
			SessionID: gjson.Get(line, "sessionId").Str,
			Role:      typ,
			Content:   text,
			ToolNames: toolNames,
			Timestamp: ts,
			CWD:       gjson.Get(line, "cwd").Str,
		})
	}

	return entries
}

// extractContent joins the text blocks of a message content value, which
// is either a plain string or an array of typed blocks. Tool-use block
// names are collected; thinking and tool_result blocks are ignored.
func extractContent(content gjson.Result) (string, []string) {
	if content.Type == gjson.String {
		return content.Str, nil
	}
	if !content.IsArray() {
		return "", nil
	}

	var parts []string
	var toolNames []string
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").Str {
		case "text":
			if t := block.Get("text").Str; t != "" {
				parts = append(parts, t)
			}
		case "tool_use":
			if name := block.Get("name").Str; name != "" {
				toolNames = append(toolNames, name)
			}
		}
		return true
	})
	return strings.Join(parts, "\n"), toolNames
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, true
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

func isSystemText(content string) bool {
	trimmed := strings.TrimSpace(content)
	for _, p := range systemPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}
