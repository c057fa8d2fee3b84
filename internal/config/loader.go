// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hjson/hjson-go/v4"
)

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse HJSON to intermediate map
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	// Convert to JSON and unmarshal to struct (for type safety)
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with default values applied and validated.
func (l *Loader) LoadWithDefaults(ctx context.Context, path string) (*Config, error) {
	cfg, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// FindConfig searches for a config file in the current directory.
// It looks for claudia.hjson first, then claudia.json.
func (l *Loader) FindConfig() (string, error) {
	candidates := []string{
		"claudia.hjson",
		"claudia.json",
	}

	for _, name := range candidates {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("config file not found (looked for claudia.hjson, claudia.json)")
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8200
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}

	// Data defaults
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = "~/.claudia"
	}
	cfg.Data.Dir = ExpandPath(cfg.Data.Dir)

	// Log source defaults
	if cfg.Logs.Pattern == "" {
		cfg.Logs.Pattern = "projects"
	}
	if cfg.Logs.Suffix == "" {
		cfg.Logs.Suffix = ".jsonl"
	}
	if cfg.Logs.GapMinutes == 0 {
		cfg.Logs.GapMinutes = 10
	}
	if cfg.Logs.MaxEntries == 0 {
		cfg.Logs.MaxEntries = 200
	}
	if cfg.Logs.MaxBytes == 0 {
		cfg.Logs.MaxBytes = 80 * 1024
	}
	if cfg.Logs.Debounce == "" {
		cfg.Logs.Debounce = "500ms"
	}
	if cfg.Logs.PollInterval == "" {
		cfg.Logs.PollInterval = "1m"
	}
	for i := range cfg.Logs.BaseDirs {
		cfg.Logs.BaseDirs[i] = ExpandPath(cfg.Logs.BaseDirs[i])
	}

	// Agent defaults
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.PermissionMode == "" {
		cfg.Agent.PermissionMode = "default"
	}
	if cfg.Agent.StaleAfter == "" {
		cfg.Agent.StaleAfter = "5m"
	}

	// Extension defaults
	for i := range cfg.Extensions {
		if cfg.Extensions[i].MaxBackoff == "" {
			cfg.Extensions[i].MaxBackoff = "30s"
		}
		if cfg.Extensions[i].Name == "" {
			cfg.Extensions[i].Name = cfg.Extensions[i].ID
		}
	}

	// Librarian defaults
	if cfg.Librarian.Interval == "" {
		cfg.Librarian.Interval = "30s"
	}
	if cfg.Librarian.MinEntries == 0 {
		cfg.Librarian.MinEntries = 2
	}
	if cfg.Librarian.MaxTranscriptBytes == 0 {
		cfg.Librarian.MaxTranscriptBytes = 100 * 1024
	}
	if cfg.Librarian.ContextConversations == 0 {
		cfg.Librarian.ContextConversations = 2
	}
	if cfg.Librarian.ReplyTimeout == "" {
		cfg.Librarian.ReplyTimeout = "5m"
	}
	if cfg.Librarian.BatchSize == 0 {
		cfg.Librarian.BatchSize = 10
	}
	if cfg.Librarian.LibraryDir == "" {
		cfg.Librarian.LibraryDir = filepath.Join(cfg.Data.Dir, "library")
	}
	cfg.Librarian.LibraryDir = ExpandPath(cfg.Librarian.LibraryDir)
	if cfg.Librarian.Workspace == "" {
		cfg.Librarian.Workspace = cfg.Librarian.LibraryDir
	}
	if cfg.Librarian.Gateway == "" {
		cfg.Librarian.Gateway = fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)
	}

	// Voice defaults
	if cfg.Voice.OutputFormat == "" {
		cfg.Voice.OutputFormat = "pcm_22050"
	}
	if cfg.Voice.SampleRate == 0 {
		cfg.Voice.SampleRate = 22050
	}

	// Supervisor defaults
	if cfg.Supervisor.Host == "" {
		cfg.Supervisor.Host = "127.0.0.1"
	}
	if cfg.Supervisor.Port == 0 {
		cfg.Supervisor.Port = 8210
	}
	if cfg.Supervisor.Tmux.Session == "" {
		cfg.Supervisor.Tmux.Session = "claudia"
	}
	if cfg.Supervisor.Tmux.Shell == "" {
		cfg.Supervisor.Tmux.Shell = "/bin/sh"
	}
	if cfg.Supervisor.Tmux.HistoryLimit == 0 {
		cfg.Supervisor.Tmux.HistoryLimit = 50000
	}
	for i := range cfg.Supervisor.Services {
		if cfg.Supervisor.Services[i].RestartDelay == "" {
			cfg.Supervisor.Services[i].RestartDelay = "1s"
		}
		if cfg.Supervisor.Services[i].MaxBackoff == "" {
			cfg.Supervisor.Services[i].MaxBackoff = "30s"
		}
	}
}
