// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claudia.hjson")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Load_HJSON(t *testing.T) {
	path := writeConfig(t, `
{
  version: "1"
  project: {
    name: claudia
  }
  server: { port: 9000 }
  // comments are allowed
  logs: {
    base_dirs: ["/tmp/agent-logs"]
    gap_minutes: 5
  }
}
`)

	cfg, err := NewLoader().Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "1", cfg.Version)
	assert.Equal(t, "claudia", cfg.Project.Name)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"/tmp/agent-logs"}, cfg.Logs.BaseDirs)
	assert.Equal(t, 5, cfg.Logs.GapMinutes)
}

func TestLoader_LoadWithDefaults(t *testing.T) {
	path := writeConfig(t, `{ version: "1" }`)

	cfg, err := NewLoader().LoadWithDefaults(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8200, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Logs.GapMinutes)
	assert.Equal(t, 200, cfg.Logs.MaxEntries)
	assert.Equal(t, 80*1024, cfg.Logs.MaxBytes)
	assert.Equal(t, ".jsonl", cfg.Logs.Suffix)
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Equal(t, 5*time.Minute, cfg.Agent.StaleWindow())
	assert.Equal(t, 30*time.Second, cfg.Librarian.IntervalDuration())
	assert.Equal(t, 5*time.Minute, cfg.Librarian.ReplyTimeoutDuration())
	assert.Equal(t, 100*1024, cfg.Librarian.MaxTranscriptBytes)
	assert.Equal(t, 2, cfg.Librarian.ContextConversations)
	assert.NotEmpty(t, cfg.Librarian.Gateway)
	assert.Equal(t, 22050, cfg.Voice.SampleRate)
	assert.NotEmpty(t, cfg.Data.Dir)
	assert.Equal(t, filepath.Join(cfg.Data.Dir, "store.db"), cfg.Data.StorePath())
}

func TestLoader_Load_MissingFile(t *testing.T) {
	_, err := NewLoader().Load(context.Background(), "/nonexistent/claudia.hjson")
	assert.Error(t, err)
}

func TestLoader_LoadWithDefaults_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `{ version: "1", librarian: { interval: "soon" } }`)

	_, err := NewLoader().LoadWithDefaults(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "librarian.interval")
}

func TestValidator_Extensions(t *testing.T) {
	cfg := &Config{
		Extensions: []ExtensionConfig{
			{ID: "tel", Command: "node", Path: "/ext/tel.js"},
			{ID: "tel", Command: "node", Path: "/ext/tel2.js"},
		},
	}
	applyDefaults(cfg)

	err := NewValidator().Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate extension id")
}

func TestValidator_TLSPairing(t *testing.T) {
	cfg := &Config{Server: ServerConfig{TLSCert: "/tmp/cert.pem"}}
	applyDefaults(cfg)

	err := NewValidator().Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls_cert and tls_key must be set together")
}
