// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudiahq/claudia/internal/agent"
	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/events"
	"github.com/claudiahq/claudia/internal/rpc"
	"github.com/claudiahq/claudia/internal/store"
)

func newCoreDispatcher(t *testing.T) (*Dispatcher, CoreDeps) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewMemoryBus(events.MemoryBusConfig{HistoryMaxEvents: 128})
	t.Cleanup(func() { bus.Close() })

	mgr := agent.NewManager(context.Background(), config.AgentConfig{
		Command:    "/bin/false",
		StaleAfter: "5m",
	}, bus, filepath.Join(dir, "sessions"))
	t.Cleanup(mgr.CloseAll)

	deps := CoreDeps{Store: st, Agent: mgr, Bus: bus, QueueBatch: 10}
	d := NewDispatcher(nil)
	require.NoError(t, RegisterCore(d, deps))
	return d, deps
}

func call(t *testing.T, d *Dispatcher, method, params string) (any, error) {
	t.Helper()
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	return d.Dispatch(context.Background(), method, raw, rpc.Envelope{})
}

func TestIntrinsics_WorkspaceLifecycle(t *testing.T) {
	d, _ := newCoreDispatcher(t)

	result, err := call(t, d, "workspace.get-or-create", `{"cwd":"/home/dev/repo"}`)
	require.NoError(t, err)
	ws, ok := result.(*store.Workspace)
	require.True(t, ok)
	assert.Equal(t, "repo", ws.Name)

	result, err = call(t, d, "workspace.list", "")
	require.NoError(t, err)
	assert.Len(t, result.([]store.Workspace), 1)

	result, err = call(t, d, "workspace.get", `{"id":"`+ws.ID+`"}`)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, result.(*store.Workspace).ID)

	_, err = call(t, d, "workspace.get", `{"id":"nope"}`)
	assert.Equal(t, rpc.KindInvalidParams, rpc.KindOf(err))

	// Schema rejects a missing cwd before the handler runs.
	_, err = call(t, d, "workspace.get-or-create", `{}`)
	assert.Equal(t, rpc.KindInvalidParams, rpc.KindOf(err))
}

func TestIntrinsics_SessionRecords(t *testing.T) {
	d, _ := newCoreDispatcher(t)

	result, err := call(t, d, "workspace.get-or-create", `{"cwd":"/repo"}`)
	require.NoError(t, err)
	wsID := result.(*store.Workspace).ID

	result, err = call(t, d, "workspace.create-session", `{"workspaceId":"`+wsID+`","title":"first"}`)
	require.NoError(t, err)
	first := result.(*store.SessionRecord)
	assert.Equal(t, store.SessionActive, first.Status)

	result, err = call(t, d, "session.get", `{"sessionId":"`+first.ID+`"}`)
	require.NoError(t, err)
	assert.Equal(t, "first", result.(*store.SessionRecord).Title)

	_, err = call(t, d, "session.get", `{"sessionId":"missing"}`)
	assert.Equal(t, rpc.KindSessionNotFound, rpc.KindOf(err))

	// Switching archives the active record and links the new one to it.
	result, err = call(t, d, "session.switch", `{"workspaceId":"`+wsID+`","title":"second"}`)
	require.NoError(t, err)
	second := result.(*store.SessionRecord)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ID, second.PreviousSessionID)

	result, err = call(t, d, "workspace.list-sessions", `{"workspaceId":"`+wsID+`"}`)
	require.NoError(t, err)
	records := result.([]store.SessionRecord)
	require.Len(t, records, 2)

	statuses := map[string]string{}
	for _, rec := range records {
		statuses[rec.ID] = rec.Status
	}
	assert.Equal(t, store.SessionArchived, statuses[first.ID])
	assert.Equal(t, store.SessionActive, statuses[second.ID])
}

func TestIntrinsics_SessionOpsOnUnknownSession(t *testing.T) {
	d, _ := newCoreDispatcher(t)

	_, err := call(t, d, "session.info", `{"sessionId":"ghost"}`)
	assert.Equal(t, rpc.KindSessionNotFound, rpc.KindOf(err))

	result, err := call(t, d, "session.interrupt", `{"sessionId":"ghost"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": false}, result)

	result, err = call(t, d, "session.reset", `{"sessionId":"ghost"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": false}, result)

	_, err = call(t, d, "session.history", `{"sessionId":"ghost"}`)
	assert.Equal(t, rpc.KindSessionNotFound, rpc.KindOf(err))

	// Prompting an unknown session with no cwd cannot create one.
	_, err = call(t, d, "session.prompt", `{"sessionId":"ghost","content":"hi"}`)
	assert.Equal(t, rpc.KindMissingContext, rpc.KindOf(err))
}

func TestIntrinsics_ParamSchemas(t *testing.T) {
	d, _ := newCoreDispatcher(t)

	_, err := call(t, d, "session.prompt", `{"sessionId":"s1"}`)
	assert.Equal(t, rpc.KindInvalidParams, rpc.KindOf(err), "content is required")

	_, err = call(t, d, "session.prompt", `{"sessionId":"s1","content":""}`)
	assert.Equal(t, rpc.KindInvalidParams, rpc.KindOf(err), "content must be non-empty")

	_, err = call(t, d, "session.permission-mode", `{"sessionId":"s1","mode":"yolo"}`)
	assert.Equal(t, rpc.KindInvalidParams, rpc.KindOf(err), "mode outside the enum")

	result, err := call(t, d, "session.permission-mode", `{"sessionId":"s1","mode":"plan"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": false}, result, "valid mode, unknown session")
}

func TestIntrinsics_SubscribeIsConnectionScoped(t *testing.T) {
	d, _ := newCoreDispatcher(t)

	_, err := call(t, d, "subscribe", `{"events":["*"]}`)
	assert.Equal(t, rpc.KindNotSupported, rpc.KindOf(err))

	_, err = call(t, d, "unsubscribe", "")
	assert.Equal(t, rpc.KindNotSupported, rpc.KindOf(err))
}

func TestIntrinsics_MethodList(t *testing.T) {
	d, _ := newCoreDispatcher(t)

	result, err := call(t, d, "method.list", "")
	require.NoError(t, err)
	infos := result.([]rpc.MethodInfo)

	names := make(map[string]bool, len(infos))
	for _, info := range infos {
		names[info.Name] = true
	}
	for _, want := range []string{
		"workspace.list", "workspace.get-or-create", "workspace.create-session",
		"session.prompt", "session.switch", "extension.list",
		"events.history", "memory.process", "subscribe", "unsubscribe",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestIntrinsics_MemoryProcess(t *testing.T) {
	d, deps := newCoreDispatcher(t)
	ctx := context.Background()

	seed := func(entries []store.Entry) []store.Seed {
		return []store.Seed{{
			SessionID:      entries[0].SessionID,
			FirstMessageAt: entries[0].Timestamp,
			LastMessageAt:  entries[len(entries)-1].Timestamp,
			EntryCount:     len(entries),
		}}
	}
	for _, file := range []string{"a.jsonl", "b.jsonl"} {
		_, _, err := deps.Store.CommitIngestPass(ctx, file, []store.Entry{{
			SessionID:  "sess-" + file,
			SourceFile: file,
			Role:       "user",
			Content:    "hello",
			Timestamp:  time.Now().Add(-time.Hour),
		}}, false, seed)
		require.NoError(t, err)
	}
	_, err := deps.Store.PromoteReady(ctx, time.Minute, time.Now())
	require.NoError(t, err)

	result, err := call(t, d, "memory.process", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"queued": 2}, result)

	queued, err := deps.Bus.History(events.Filter{Types: []string{events.EventConversationQueued}})
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	woke, err := deps.Bus.History(events.Filter{Types: []string{events.EventLibrarianWake}})
	require.NoError(t, err)
	assert.Len(t, woke, 1)

	// Second call finds nothing left to queue.
	result, err = call(t, d, "memory.process", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"queued": 0}, result)
}

func TestIntrinsics_EventsHistory(t *testing.T) {
	d, deps := newCoreDispatcher(t)
	ctx := context.Background()

	require.NoError(t, deps.Bus.Publish(ctx, events.Event{Type: "conversation.ready", Source: "ingest"}))
	require.NoError(t, deps.Bus.Publish(ctx, events.Event{Type: "sse", Source: "agent"}))

	result, err := call(t, d, "events.history", `{"types":["conversation.*"]}`)
	require.NoError(t, err)
	assert.Len(t, result.([]events.Event), 1)

	result, err = call(t, d, "events.history", `{"source":"agent"}`)
	require.NoError(t, err)
	assert.Len(t, result.([]events.Event), 1)

	_, err = call(t, d, "events.history", `{"since":"yesterday"}`)
	assert.Equal(t, rpc.KindInvalidParams, rpc.KindOf(err))
}
