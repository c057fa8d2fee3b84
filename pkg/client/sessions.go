// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
)

// GetOrCreateWorkspace fetches the workspace for a working directory,
// creating it on first use.
func (c *Client) GetOrCreateWorkspace(ctx context.Context, cwd string) (*Workspace, error) {
	var ws Workspace
	if err := c.call(ctx, "workspace.get-or-create", map[string]string{"cwd": cwd}, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// ListWorkspaces returns every known workspace.
func (c *Client) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	var out []Workspace
	if err := c.call(ctx, "workspace.list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession creates a session record for a workspace, archiving the
// previous active one.
func (c *Client) CreateSession(ctx context.Context, workspaceID, title string) (*Session, error) {
	params := map[string]string{"workspaceId": workspaceID}
	if title != "" {
		params["title"] = title
	}
	var sess Session
	if err := c.call(ctx, "workspace.create-session", params, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns the session records for a workspace.
func (c *Client) ListSessions(ctx context.Context, workspaceID string) ([]Session, error) {
	var out []Session
	if err := c.call(ctx, "workspace.list-sessions", map[string]string{"workspaceId": workspaceID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Prompt enqueues a user turn on a session. The reply streams as "sse"
// events; subscribe before prompting to observe it.
func (c *Client) Prompt(ctx context.Context, sessionID, content string) error {
	return c.call(ctx, "session.prompt", map[string]string{
		"sessionId": sessionID,
		"content":   content,
	}, nil)
}

// PromptIn is Prompt with an explicit working directory. Required when the
// session's child process is not running yet: the gateway needs the cwd to
// start it.
func (c *Client) PromptIn(ctx context.Context, sessionID, content, cwd string) error {
	return c.call(ctx, "session.prompt", map[string]string{
		"sessionId": sessionID,
		"content":   content,
		"cwd":       cwd,
	}, nil)
}

// Interrupt aborts the session's in-flight turn.
func (c *Client) Interrupt(ctx context.Context, sessionID string) error {
	return c.call(ctx, "session.interrupt", map[string]string{"sessionId": sessionID}, nil)
}

// CloseSession kills the session's child process and forgets its
// conversation link.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, "session.reset", map[string]string{"sessionId": sessionID}, nil)
}

// Methods lists every dispatchable gateway method.
func (c *Client) Methods(ctx context.Context) ([]MethodInfo, error) {
	var out []MethodInfo
	if err := c.call(ctx, "method.list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessMemory queues ready conversations for the librarian and wakes
// it. Returns the number queued.
func (c *Client) ProcessMemory(ctx context.Context) (int, error) {
	var out struct {
		Queued int `json:"queued"`
	}
	if err := c.call(ctx, "memory.process", nil, &out); err != nil {
		return 0, err
	}
	return out.Queued, nil
}
