// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package agent owns the live agent sessions, each wrapping a child CLI
// process that streams NDJSON events.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/events"
	"github.com/claudiahq/claudia/internal/rpc"
)

// SessionInfo is an exported, JSON-friendly summary of a session.
type SessionInfo struct {
	ID             string    `json:"id"`
	ExternalID     string    `json:"externalId,omitempty"`
	CWD            string    `json:"cwd"`
	Model          string    `json:"model,omitempty"`
	PermissionMode string    `json:"permissionMode,omitempty"`
	State          string    `json:"state"`
	Prompting      bool      `json:"prompting"`
	ProcessRunning bool      `json:"processRunning"`
	Stale          bool      `json:"stale"`
	LastActivity   time.Time `json:"lastActivity"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CreateOpts configures a new or resumed session. Zero-value fields fall
// back to the manager defaults.
type CreateOpts struct {
	ID             string // caller-assigned id, generated when empty
	ExternalID     string // child CLI session id to resume
	CWD            string
	Model          string
	SystemPrompt   string
	Effort         string
	Thinking       *bool
	PermissionMode string
}

// ActivityFunc observes session activity, called at most once per
// throttle window per session.
type ActivityFunc func(sessionID string, at time.Time)

// Manager owns the session set. A session's child process is started
// lazily on the first prompt and owned solely by its reader goroutine.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg         config.AgentConfig
	bus         events.Bus
	sessionsDir string
	baseCtx     context.Context

	// OnActivity, when set, receives throttled last-activity updates.
	OnActivity ActivityFunc
}

const activityThrottle = 5 * time.Second

// NewManager creates a session manager. sessionsDir receives the
// per-session event journals; pass "" to disable journaling.
func NewManager(ctx context.Context, cfg config.AgentConfig, bus events.Bus, sessionsDir string) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		cfg:         cfg,
		bus:         bus,
		sessionsDir: sessionsDir,
		baseCtx:     ctx,
	}
}

// Create registers a session. The child process is not started; the
// session is immediately usable for prompting.
func (m *Manager) Create(opts CreateOpts) (*Session, error) {
	if opts.CWD == "" {
		return nil, rpc.E(rpc.KindMissingContext, "create requires a working directory")
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}

	s := m.newSession(id, opts)
	m.sessions[id] = s
	return s, nil
}

// Resume registers a session that continues a previous child CLI
// conversation identified by externalID.
func (m *Manager) Resume(externalID, cwd string, opts CreateOpts) (*Session, error) {
	opts.ID = externalID
	opts.ExternalID = externalID
	opts.CWD = cwd
	return m.Create(opts)
}

// Prompt enqueues a user turn. Unknown or closed sessions auto-resume
// when cwd is supplied; without it the prompt fails with MissingContext.
func (m *Manager) Prompt(ctx context.Context, sessionID, content, cwd string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()

	if ok && s.isClosed() {
		s.reopen()
	}
	if !ok {
		if cwd == "" {
			return rpc.E(rpc.KindMissingContext, "unknown session %s and no cwd to resume with", sessionID)
		}
		var err error
		s, err = m.Resume(sessionID, cwd, CreateOpts{})
		if err != nil {
			return err
		}
	}

	return s.Prompt(ctx, content)
}

// Interrupt aborts the in-flight turn. Returns false for unknown or
// closed sessions.
func (m *Manager) Interrupt(sessionID string) bool {
	s := m.liveSession(sessionID)
	if s == nil {
		return false
	}
	s.Interrupt()
	return true
}

// SetPermissionMode switches the session's tool permission mode, taking
// effect immediately when the child runs and on the next start otherwise.
func (m *Manager) SetPermissionMode(sessionID, mode string) bool {
	s := m.liveSession(sessionID)
	if s == nil {
		return false
	}
	s.SetPermissionMode(mode)
	return true
}

// SendToolResult answers an outstanding tool_use block.
func (m *Manager) SendToolResult(sessionID, toolUseID, content string, isError bool) bool {
	s := m.liveSession(sessionID)
	if s == nil {
		return false
	}
	return s.SendToolResult(toolUseID, content, isError)
}

// Close stops a session's process and marks it closed. The record
// remains so a later prompt can resume it. Returns false when unknown.
func (m *Manager) Close(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	return true
}

// Reset kills the process and discards the external conversation link so
// the next prompt starts a fresh conversation.
func (m *Manager) Reset(sessionID string) bool {
	s := m.liveSession(sessionID)
	if s == nil {
		return false
	}
	s.Reset()
	return true
}

// Get returns a session by id, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Info reports the live view of one session.
func (m *Manager) Info(sessionID string) (SessionInfo, bool) {
	s := m.Get(sessionID)
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(m.cfg.StaleWindow()), true
}

// List reports every known session with staleness computed against the
// configured window.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	window := m.cfg.StaleWindow()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info(window))
	}
	return infos
}

// CloseAll stops every session process. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// History returns the most recent journaled events for a session.
func (m *Manager) History(sessionID string, limit int) ([]map[string]any, error) {
	if m.sessionsDir == "" {
		return nil, nil
	}
	path := filepath.Join(m.sessionsDir, sessionID, "events.jsonl")
	lines, err := tailJournal(path, limit)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rpc.E(rpc.KindSessionNotFound, "no history for session %s", sessionID)
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return lines, nil
}

func (m *Manager) liveSession(sessionID string) *Session {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok || s.isClosed() {
		return nil
	}
	return s
}

func (m *Manager) newSession(id string, opts CreateOpts) *Session {
	model := opts.Model
	if model == "" {
		model = m.cfg.Model
	}
	effort := opts.Effort
	if effort == "" {
		effort = m.cfg.Effort
	}
	thinking := m.cfg.Thinking
	if opts.Thinking != nil {
		thinking = *opts.Thinking
	}
	mode := opts.PermissionMode
	if mode == "" {
		mode = m.cfg.PermissionMode
	}

	var journalPath string
	if m.sessionsDir != "" {
		journalPath = filepath.Join(m.sessionsDir, id, "events.jsonl")
	}

	return &Session{
		id:             id,
		externalID:     opts.ExternalID,
		cwd:            opts.CWD,
		model:          model,
		systemPrompt:   opts.SystemPrompt,
		effort:         effort,
		thinking:       thinking,
		permissionMode: mode,
		command:        m.cfg.Command,
		extraArgs:      m.cfg.Args,
		createdAt:      time.Now(),
		lastActivity:   time.Now(),
		sendCh:         make(chan []byte, 16),
		journalPath:    journalPath,
		bus:            m.bus,
		baseCtx:        m.baseCtx,
		notify:         m.noteActivity,
	}
}

// noteActivity forwards activity stamps, throttled per session.
func (m *Manager) noteActivity(s *Session, at time.Time) {
	fn := m.OnActivity
	if fn == nil {
		return
	}
	s.mu.Lock()
	since := at.Sub(s.lastNotified)
	if since >= activityThrottle {
		s.lastNotified = at
	}
	s.mu.Unlock()
	if since >= activityThrottle {
		fn(s.id, at)
	}
}
