// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/claudiahq/claudia/internal/agent"
	"github.com/claudiahq/claudia/internal/events"
	"github.com/claudiahq/claudia/internal/exthost"
	"github.com/claudiahq/claudia/internal/rpc"
	"github.com/claudiahq/claudia/internal/store"
)

// CoreDeps carries everything the intrinsic methods touch. Nil fields
// disable the methods that need them.
type CoreDeps struct {
	Store      *store.Store
	Agent      *agent.Manager
	Extensions *exthost.Manager
	Bus        events.Bus

	// QueueBatch bounds how many ready conversations one
	// memory.process call queues.
	QueueBatch int
}

// RegisterCore installs the gateway-intrinsic methods. These win
// dispatch precedence over extension-qualified names.
func RegisterCore(d *Dispatcher, deps CoreDeps) error {
	if deps.QueueBatch <= 0 {
		deps.QueueBatch = 10
	}

	methods := []Method{
		{
			Name:        "workspace.list",
			Description: "List known workspaces",
			Handler:     deps.workspaceList,
		},
		{
			Name:        "workspace.get",
			Description: "Fetch one workspace by id",
			Schema:      objSchema(`{"id":{"type":"string"}}`, "id"),
			Handler:     deps.workspaceGet,
		},
		{
			Name:        "workspace.get-or-create",
			Description: "Fetch or create the workspace for a working directory",
			Schema:      objSchema(`{"cwd":{"type":"string","minLength":1}}`, "cwd"),
			Handler:     deps.workspaceGetOrCreate,
		},
		{
			Name:        "workspace.list-sessions",
			Description: "List session records for a workspace",
			Schema:      objSchema(`{"workspaceId":{"type":"string"}}`, "workspaceId"),
			Handler:     deps.workspaceListSessions,
		},
		{
			Name:        "workspace.create-session",
			Description: "Create a session record, archiving the previous active one",
			Schema:      objSchema(`{"workspaceId":{"type":"string"},"title":{"type":"string"}}`, "workspaceId"),
			Handler:     deps.workspaceCreateSession,
		},
		{
			Name:        "session.info",
			Description: "Live view of an agent session",
			Schema:      objSchema(`{"sessionId":{"type":"string"}}`, "sessionId"),
			Handler:     deps.sessionInfo,
		},
		{
			Name:        "session.get",
			Description: "Persisted session record",
			Schema:      objSchema(`{"sessionId":{"type":"string"}}`, "sessionId"),
			Handler:     deps.sessionGet,
		},
		{
			Name:        "session.prompt",
			Description: "Enqueue a user turn; replies stream as sse events",
			Schema:      objSchema(`{"sessionId":{"type":"string"},"content":{"type":"string","minLength":1},"cwd":{"type":"string"}}`, "sessionId", "content"),
			Handler:     deps.sessionPrompt,
		},
		{
			Name:        "session.interrupt",
			Description: "Abort the in-flight turn",
			Schema:      objSchema(`{"sessionId":{"type":"string"}}`, "sessionId"),
			Handler:     deps.sessionInterrupt,
		},
		{
			Name:        "session.permission-mode",
			Description: "Switch the session's tool permission mode",
			Schema:      objSchema(`{"sessionId":{"type":"string"},"mode":{"type":"string","enum":["default","plan","acceptEdits","bypassPermissions"]}}`, "sessionId", "mode"),
			Handler:     deps.sessionPermissionMode,
		},
		{
			Name:        "session.tool-result",
			Description: "Answer an outstanding tool_use block",
			Schema:      objSchema(`{"sessionId":{"type":"string"},"toolUseId":{"type":"string"},"content":{"type":"string"},"isError":{"type":"boolean"}}`, "sessionId", "toolUseId"),
			Handler:     deps.sessionToolResult,
		},
		{
			Name:        "session.history",
			Description: "Journaled events for a session, oldest first",
			Schema:      objSchema(`{"sessionId":{"type":"string"},"limit":{"type":"integer","minimum":0}}`, "sessionId"),
			Handler:     deps.sessionHistory,
		},
		{
			Name:        "session.switch",
			Description: "Start a fresh session for a workspace, closing the current one",
			Schema:      objSchema(`{"workspaceId":{"type":"string"},"title":{"type":"string"}}`, "workspaceId"),
			Handler:     deps.sessionSwitch,
		},
		{
			Name:        "session.reset",
			Description: "Kill the child process and forget its conversation link",
			Schema:      objSchema(`{"sessionId":{"type":"string"}}`, "sessionId"),
			Handler:     deps.sessionReset,
		},
		{
			Name:        "extension.list",
			Description: "Status of every extension host",
			Handler:     deps.extensionList,
		},
		{
			Name:        "method.list",
			Description: "Every dispatchable method",
			Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
				return d.MethodList(), nil
			},
		},
		{
			Name:        "events.history",
			Description: "Query retained bus events",
			Handler:     deps.eventsHistory,
		},
		{
			Name:        "memory.process",
			Description: "Queue ready conversations and wake the librarian",
			Handler:     deps.memoryProcess,
		},
		{
			Name:        "subscribe",
			Description: "Add event-name globs to this connection's filter",
			Handler:     connectionScoped,
		},
		{
			Name:        "unsubscribe",
			Description: "Remove event-name globs from this connection's filter",
			Handler:     connectionScoped,
		},
	}

	for _, m := range methods {
		if err := d.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// connectionScoped backs subscribe/unsubscribe in the registry; the
// real work happens on the owning connection before dispatch.
func connectionScoped(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	return nil, rpc.E(rpc.KindNotSupported, "subscription methods are connection-scoped")
}

// objSchema builds {"type":"object","properties":...,"required":[...]}.
func objSchema(properties string, required ...string) json.RawMessage {
	schema := `{"type":"object","properties":` + properties
	if len(required) > 0 {
		reqJSON, _ := json.Marshal(required)
		schema += `,"required":` + string(reqJSON)
	}
	schema += `}`
	return json.RawMessage(schema)
}

func decode[T any](params json.RawMessage) (T, error) {
	var p T
	if len(params) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, rpc.E(rpc.KindInvalidParams, "bad params: %v", err)
	}
	return p, nil
}

func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return rpc.E(rpc.KindInvalidParams, "not found")
	}
	return err
}

func (deps CoreDeps) workspaceList(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	return deps.Store.ListWorkspaces(ctx)
}

func (deps CoreDeps) workspaceGet(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		ID string `json:"id"`
	}](params)
	if err != nil {
		return nil, err
	}
	ws, err := deps.Store.GetWorkspace(ctx, p.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, rpc.E(rpc.KindInvalidParams, "no workspace %s", p.ID)
		}
		return nil, err
	}
	return ws, nil
}

func (deps CoreDeps) workspaceGetOrCreate(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		CWD string `json:"cwd"`
	}](params)
	if err != nil {
		return nil, err
	}
	return deps.Store.GetOrCreateWorkspace(ctx, p.CWD)
}

func (deps CoreDeps) workspaceListSessions(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		WorkspaceID string `json:"workspaceId"`
	}](params)
	if err != nil {
		return nil, err
	}
	return deps.Store.ListSessions(ctx, p.WorkspaceID)
}

func (deps CoreDeps) workspaceCreateSession(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		WorkspaceID string `json:"workspaceId"`
		Title       string `json:"title"`
	}](params)
	if err != nil {
		return nil, err
	}
	rec, err := deps.Store.ReplaceActiveSession(ctx, store.SessionRecord{
		ID:          uuid.New().String(),
		WorkspaceID: p.WorkspaceID,
		Title:       p.Title,
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return rec, nil
}

func (deps CoreDeps) sessionInfo(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
	}](params)
	if err != nil {
		return nil, err
	}
	info, ok := deps.Agent.Info(p.SessionID)
	if !ok {
		return nil, rpc.E(rpc.KindSessionNotFound, "no session %s", p.SessionID)
	}
	return info, nil
}

func (deps CoreDeps) sessionGet(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
	}](params)
	if err != nil {
		return nil, err
	}
	rec, err := deps.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, rpc.E(rpc.KindSessionNotFound, "no session record %s", p.SessionID)
		}
		return nil, err
	}
	return rec, nil
}

func (deps CoreDeps) sessionPrompt(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
		Content   string `json:"content"`
		CWD       string `json:"cwd"`
	}](params)
	if err != nil {
		return nil, err
	}
	if err := deps.Agent.Prompt(ctx, p.SessionID, p.Content, p.CWD); err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true}, nil
}

func (deps CoreDeps) sessionInterrupt(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
	}](params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": deps.Agent.Interrupt(p.SessionID)}, nil
}

func (deps CoreDeps) sessionPermissionMode(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
		Mode      string `json:"mode"`
	}](params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": deps.Agent.SetPermissionMode(p.SessionID, p.Mode)}, nil
}

func (deps CoreDeps) sessionToolResult(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
		ToolUseID string `json:"toolUseId"`
		Content   string `json:"content"`
		IsError   bool   `json:"isError"`
	}](params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": deps.Agent.SendToolResult(p.SessionID, p.ToolUseID, p.Content, p.IsError)}, nil
}

func (deps CoreDeps) sessionHistory(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
		Limit     int    `json:"limit"`
	}](params)
	if err != nil {
		return nil, err
	}
	return deps.Agent.History(p.SessionID, p.Limit)
}

// sessionSwitch archives the workspace's active session record, closes
// its live agent session, and returns a fresh record.
func (deps CoreDeps) sessionSwitch(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		WorkspaceID string `json:"workspaceId"`
		Title       string `json:"title"`
	}](params)
	if err != nil {
		return nil, err
	}

	records, err := deps.Store.ListSessions(ctx, p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Status == store.SessionActive {
			deps.Agent.Close(rec.ID)
			break
		}
	}

	rec, err := deps.Store.ReplaceActiveSession(ctx, store.SessionRecord{
		ID:          uuid.New().String(),
		WorkspaceID: p.WorkspaceID,
		Title:       p.Title,
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return rec, nil
}

func (deps CoreDeps) sessionReset(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
	}](params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": deps.Agent.Reset(p.SessionID)}, nil
}

func (deps CoreDeps) extensionList(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	if deps.Extensions == nil {
		return []exthost.Status{}, nil
	}
	return deps.Extensions.List(), nil
}

func (deps CoreDeps) eventsHistory(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	p, err := decode[struct {
		Types  []string `json:"types"`
		Source string   `json:"source"`
		Since  string   `json:"since"`
		Until  string   `json:"until"`
		Limit  int      `json:"limit"`
	}](params)
	if err != nil {
		return nil, err
	}

	filter := events.Filter{Types: p.Types, Source: p.Source, Limit: p.Limit}
	if p.Since != "" {
		t, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return nil, rpc.E(rpc.KindInvalidParams, "bad since: %v", err)
		}
		filter.Since = t
	}
	if p.Until != "" {
		t, err := time.Parse(time.RFC3339, p.Until)
		if err != nil {
			return nil, rpc.E(rpc.KindInvalidParams, "bad until: %v", err)
		}
		filter.Until = t
	}
	return deps.Bus.History(filter)
}

// memoryProcess queues ready conversations and wakes the librarian.
func (deps CoreDeps) memoryProcess(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
	ids, err := deps.Store.QueueReady(ctx, deps.QueueBatch)
	if err != nil {
		return nil, err
	}

	if deps.Bus != nil {
		for _, id := range ids {
			deps.Bus.Publish(ctx, events.Event{
				Type:    events.EventConversationQueued,
				Source:  "gateway",
				Payload: map[string]any{"conversationId": id},
			})
		}
		deps.Bus.Publish(ctx, events.Event{
			Type:   events.EventLibrarianWake,
			Source: "gateway",
		})
	}
	return map[string]any{"queued": len(ids)}, nil
}
