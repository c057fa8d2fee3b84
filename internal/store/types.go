// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import "time"

// Session record statuses.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// File-ingestion statuses.
const (
	FileIdle      = "idle"
	FileIngesting = "ingesting"
)

// Conversation statuses. Archived and skipped are terminal: those rows are
// never rebuilt or touched by segmentation.
const (
	ConvActive     = "active"
	ConvReady      = "ready"
	ConvQueued     = "queued"
	ConvProcessing = "processing"
	ConvArchived   = "archived"
	ConvSkipped    = "skipped"
)

// IsTerminalStatus reports whether a conversation status is permanent.
func IsTerminalStatus(status string) bool {
	return status == ConvArchived || status == ConvSkipped
}

// Workspace is a directory the agent operates in. Unique by CWD; never
// deleted.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CWD       string    `json:"cwd"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionRecord tracks one agent session. Unique by ExternalSessionID.
type SessionRecord struct {
	ID                string    `json:"id"`
	WorkspaceID       string    `json:"workspaceId"`
	ExternalSessionID string    `json:"externalSessionId"`
	Status            string    `json:"status"`
	Title             string    `json:"title,omitempty"`
	PreviousSessionID string    `json:"previousSessionId,omitempty"`
	LastActivity      time.Time `json:"lastActivity"`
	CreatedAt         time.Time `json:"createdAt"`
}

// FileState is the per-file ingestion high-water mark. A file in ingesting
// state owns every entry with timestamp past LastEntryTimestamp; recovery
// rolls those back.
type FileState struct {
	FileKey             string     `json:"fileKey"`
	Source              string     `json:"source"`
	Status              string     `json:"status"`
	LastModified        time.Time  `json:"lastModified"`
	FileSize            int64      `json:"fileSize"`
	LastProcessedOffset int64      `json:"lastProcessedOffset"`
	LastEntryTimestamp  *time.Time `json:"lastEntryTimestamp,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Entry is one normalized transcript entry. Immutable once committed;
// ordered by (Timestamp, ID).
type Entry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	SourceFile string    `json:"sourceFile"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolNames  string    `json:"toolNames,omitempty"` // comma-joined tool names
	Timestamp  time.Time `json:"timestamp"`
	CWD        string    `json:"cwd,omitempty"`
	IngestedAt time.Time `json:"ingestedAt"`
}

// Conversation aggregates a contiguous run of entries for one source file
// bounded by idle gaps and size limits.
type Conversation struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"sessionId"`
	SourceFile     string     `json:"sourceFile"`
	FirstMessageAt time.Time  `json:"firstMessageAt"`
	LastMessageAt  time.Time  `json:"lastMessageAt"`
	EntryCount     int        `json:"entryCount"`
	Status         string     `json:"status"`
	Summary        string     `json:"summary,omitempty"`
	FilesWritten   string     `json:"filesWritten,omitempty"` // newline-joined paths
	Metadata       string     `json:"metadata,omitempty"`     // free-form JSON (skip reason, model)
	StatusAt       *time.Time `json:"statusAt,omitempty"`
	ProcessedAt    *time.Time `json:"processedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Seed describes one segment produced by conversation segmentation. The
// rebuild matches seeds to non-terminal rows by (SourceFile, FirstMessageAt).
type Seed struct {
	SessionID      string
	FirstMessageAt time.Time
	LastMessageAt  time.Time
	EntryCount     int
}
