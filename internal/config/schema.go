// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config handles HJSON configuration loading for the claudia
// processes: the gateway, the librarian worker, and the supervisor.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration structure shared by all three binaries.
type Config struct {
	Version    string            `json:"version"`
	Project    ProjectConfig     `json:"project"`
	Server     ServerConfig      `json:"server"`
	Data       DataConfig        `json:"data"`
	Logs       LogsConfig        `json:"logs"`
	Agent      AgentConfig       `json:"agent"`
	Extensions []ExtensionConfig `json:"extensions"`
	Librarian  LibrarianConfig   `json:"librarian"`
	Voice      VoiceConfig       `json:"voice"`
	Supervisor SupervisorConfig  `json:"supervisor"`
}

// ProjectConfig contains project metadata.
type ProjectConfig struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ServerConfig configures the gateway listener.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	TLSCert      string `json:"tls_cert"`      // Path to TLS certificate file (enables HTTPS if both cert and key set)
	TLSKey       string `json:"tls_key"`       // Path to TLS private key file
	TLSTailscale bool   `json:"tls_tailscale"` // Fetch certificates from the local tailscale daemon
}

// DataConfig locates the persistent data directory.
type DataConfig struct {
	Dir string `json:"dir"` // Defaults to ~/.claudia
}

// StorePath returns the embedded store file under the data directory.
func (d DataConfig) StorePath() string {
	return filepath.Join(d.Dir, "store.db")
}

// SessionsDir returns the per-session journal directory.
func (d DataConfig) SessionsDir() string {
	return filepath.Join(d.Dir, "sessions")
}

// AudioDir returns the saved utterance audio directory.
func (d DataConfig) AudioDir() string {
	return filepath.Join(d.Dir, "audio")
}

// LogsDir returns the rotating service log directory.
func (d DataConfig) LogsDir() string {
	return filepath.Join(d.Dir, "logs")
}

// LogsConfig configures the external agent log sources and the ingestion
// pipeline thresholds.
type LogsConfig struct {
	BaseDirs     []string `json:"base_dirs"`     // Roots of the external agent log tree
	Pattern      string   `json:"pattern"`       // Subtree name treated as a log source (e.g. "projects")
	Suffix       string   `json:"suffix"`        // Log file suffix, default ".jsonl"
	GapMinutes   int      `json:"gap_minutes"`   // Idle gap closing a conversation
	MaxEntries   int      `json:"max_entries"`   // Entry-count bound per conversation
	MaxBytes     int      `json:"max_bytes"`     // Content-size bound per conversation
	Debounce     string   `json:"debounce"`      // Watcher debounce window
	PollInterval string   `json:"poll_interval"` // Readiness promotion poll
}

// DebounceDuration parses the debounce window.
func (l LogsConfig) DebounceDuration() time.Duration {
	return parseDuration(l.Debounce, 500*time.Millisecond)
}

// PollDuration parses the readiness poll interval.
func (l LogsConfig) PollDuration() time.Duration {
	return parseDuration(l.PollInterval, time.Minute)
}

// Gap returns the idle gap as a duration.
func (l LogsConfig) Gap() time.Duration {
	return time.Duration(l.GapMinutes) * time.Minute
}

// AgentConfig configures the agent CLI children.
type AgentConfig struct {
	Command        string   `json:"command"` // Agent CLI binary, default "claude"
	Args           []string `json:"args"`    // Extra arguments appended to every launch
	Model          string   `json:"model"`
	Effort         string   `json:"effort"`
	Thinking       bool     `json:"thinking"`
	PermissionMode string   `json:"permission_mode"` // default, plan, acceptEdits, bypassPermissions
	StaleAfter     string   `json:"stale_after"`     // Window without events before a session reports stale
}

// StaleWindow parses the staleness window.
func (a AgentConfig) StaleWindow() time.Duration {
	return parseDuration(a.StaleAfter, 5*time.Minute)
}

// ExtensionConfig defines one out-of-process extension.
type ExtensionConfig struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Command    string                 `json:"command"` // Launcher, e.g. "node" or "bun"
	Args       []string               `json:"args"`
	Path       string                 `json:"path"` // Entrypoint passed as the final argument
	Env        map[string]string      `json:"env"`
	Config     map[string]interface{} `json:"config"`      // Passed to the extension on launch
	MaxBackoff string                 `json:"max_backoff"` // Restart backoff cap, default 30s
}

// MaxBackoffDuration parses the restart backoff cap.
func (e ExtensionConfig) MaxBackoffDuration() time.Duration {
	return parseDuration(e.MaxBackoff, 30*time.Second)
}

// LibrarianConfig configures the background conversation worker.
type LibrarianConfig struct {
	Gateway              string `json:"gateway"`               // Gateway WebSocket URL
	Interval             string `json:"interval"`              // Idle sleep between polls
	MinEntries           int    `json:"min_entries"`           // Below this a conversation is skipped
	MaxTranscriptBytes   int    `json:"max_transcript_bytes"`  // Formatted transcript ceiling
	ContextConversations int    `json:"context_conversations"` // Recent archived conversations included as context
	ReplyTimeout         string `json:"reply_timeout"`         // Per-job agent reply timeout
	BatchSize            int    `json:"batch_size"`            // memory.process queue batch
	LibraryDir           string `json:"library_dir"`           // Version-controlled artifact directory
	Workspace            string `json:"workspace"`             // Private workspace cwd for librarian sessions
	SystemPrompt         string `json:"system_prompt"`         // Role prefix sent before each transcript
}

// IntervalDuration parses the idle sleep.
func (l LibrarianConfig) IntervalDuration() time.Duration {
	return parseDuration(l.Interval, 30*time.Second)
}

// ReplyTimeoutDuration parses the per-job reply timeout.
func (l LibrarianConfig) ReplyTimeoutDuration() time.Duration {
	return parseDuration(l.ReplyTimeout, 5*time.Minute)
}

// VoiceConfig configures the streaming TTS bridge.
type VoiceConfig struct {
	Enabled      bool   `json:"enabled"`
	Endpoint     string `json:"endpoint"` // Vendor streaming WebSocket URL
	APIKey       string `json:"api_key"`
	Voice        string `json:"voice"`         // Vendor voice identifier
	OutputFormat string `json:"output_format"` // e.g. pcm_22050
	SampleRate   int    `json:"sample_rate"`   // PCM sample rate for container framing
}

// SupervisorConfig configures the process supervisor and its dashboard.
type SupervisorConfig struct {
	Host     string             `json:"host"`
	Port     int                `json:"port"`
	Services []SupervisedConfig `json:"services"`
	Tmux     TmuxConfig         `json:"tmux"`
}

// SupervisedConfig defines one service managed by the supervisor.
type SupervisedConfig struct {
	Name         string            `json:"name"`
	Command      string            `json:"command"`
	Args         []string          `json:"args"`
	WorkDir      string            `json:"work_dir"`
	Env          map[string]string `json:"env"`
	HealthURL    string            `json:"health_url"`    // Polled with GET; non-200 counts as down
	MaxRestarts  int               `json:"max_restarts"`  // 0 means unlimited
	RestartDelay string            `json:"restart_delay"` // Initial backoff interval
	MaxBackoff   string            `json:"max_backoff"`   // Backoff cap, default 30s
}

// RestartDelayDuration parses the initial backoff interval.
func (s SupervisedConfig) RestartDelayDuration() time.Duration {
	return parseDuration(s.RestartDelay, time.Second)
}

// MaxBackoffDuration parses the backoff cap.
func (s SupervisedConfig) MaxBackoffDuration() time.Duration {
	return parseDuration(s.MaxBackoff, 30*time.Second)
}

// TmuxConfig configures optional tmux hosting of supervised services.
type TmuxConfig struct {
	Enabled      bool   `json:"enabled"`
	Session      string `json:"session"` // tmux session name
	Shell        string `json:"shell"`
	HistoryLimit int    `json:"history_limit"`
}

// parseDuration parses a duration string, falling back to def when empty or
// invalid. The validator reports invalid strings at load time.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ExpandPath expands a leading ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
