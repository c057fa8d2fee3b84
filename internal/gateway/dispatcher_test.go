// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudiahq/claudia/internal/rpc"
)

// fakeRouter records extension calls and answers with a canned payload.
type fakeRouter struct {
	called  string
	payload json.RawMessage
	err     error
	methods []rpc.MethodInfo
}

func (f *fakeRouter) Call(ctx context.Context, fq string, params json.RawMessage, env rpc.Envelope) (json.RawMessage, error) {
	f.called = fq
	return f.payload, f.err
}

func (f *fakeRouter) Methods() []rpc.MethodInfo { return f.methods }

func TestDispatcher_Dispatch(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, d.Register(Method{
		Name: "status.report",
		Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
			return map[string]any{"trace": env.TraceID}, nil
		},
	}))

	result, err := d.Dispatch(context.Background(), "status.report", nil, rpc.Envelope{TraceID: "t-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"trace": "t-1"}, result)

	_, err = d.Dispatch(context.Background(), "nonsense", nil, rpc.Envelope{})
	assert.Equal(t, rpc.KindUnknownMethod, rpc.KindOf(err))

	// Dotted name with no extension router is still unknown.
	_, err = d.Dispatch(context.Background(), "weather.today", nil, rpc.Envelope{})
	assert.Equal(t, rpc.KindUnknownMethod, rpc.KindOf(err))
}

func TestDispatcher_CoreWinsOverExtension(t *testing.T) {
	exts := &fakeRouter{payload: json.RawMessage(`{"from":"extension"}`)}
	d := NewDispatcher(exts)
	require.NoError(t, d.Register(Method{
		Name: "session.info",
		Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
			return "core", nil
		},
	}))

	result, err := d.Dispatch(context.Background(), "session.info", nil, rpc.Envelope{})
	require.NoError(t, err)
	assert.Equal(t, "core", result)
	assert.Empty(t, exts.called, "core method must not reach the extension router")

	raw, err := d.DispatchRaw(context.Background(), "weather.today", nil, rpc.Envelope{})
	require.NoError(t, err)
	assert.Equal(t, `{"from":"extension"}`, string(raw))
	assert.Equal(t, "weather.today", exts.called)
}

func TestDispatcher_SchemaValidation(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, d.Register(Method{
		Name:   "echo",
		Schema: json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
		Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
			return "ok", nil
		},
	}))

	_, err := d.Dispatch(context.Background(), "echo", json.RawMessage(`{}`), rpc.Envelope{})
	assert.Equal(t, rpc.KindInvalidParams, rpc.KindOf(err))

	_, err = d.Dispatch(context.Background(), "echo", json.RawMessage(`{"msg":7}`), rpc.Envelope{})
	assert.Equal(t, rpc.KindInvalidParams, rpc.KindOf(err))

	_, err = d.Dispatch(context.Background(), "echo", json.RawMessage(`not json`), rpc.Envelope{})
	assert.Equal(t, rpc.KindInvalidParams, rpc.KindOf(err))

	result, err := d.Dispatch(context.Background(), "echo", json.RawMessage(`{"msg":"hi"}`), rpc.Envelope{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	// Absent params validate as an empty object.
	_, err = d.Dispatch(context.Background(), "echo", nil, rpc.Envelope{})
	assert.Equal(t, rpc.KindInvalidParams, rpc.KindOf(err))
}

func TestDispatcher_RegisterRejectsBadSchema(t *testing.T) {
	d := NewDispatcher(nil)
	err := d.Register(Method{
		Name:    "broken",
		Schema:  json.RawMessage(`{"type":`),
		Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) { return nil, nil },
	})
	assert.Error(t, err)

	err = d.Register(Method{Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) { return nil, nil }})
	assert.Error(t, err, "empty name must be rejected")
}

func TestDispatcher_EnvelopeGuards(t *testing.T) {
	d := NewDispatcher(nil)
	ran := false
	require.NoError(t, d.Register(Method{
		Name: "noop",
		Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
			ran = true
			return nil, nil
		},
	}))

	expired := rpc.Envelope{DeadlineMs: time.Now().Add(-time.Second).UnixMilli()}
	_, err := d.Dispatch(context.Background(), "noop", nil, expired)
	assert.Equal(t, rpc.KindDeadlineExceeded, rpc.KindOf(err))
	assert.False(t, ran)

	_, err = d.Dispatch(context.Background(), "noop", nil, rpc.Envelope{Depth: rpc.MaxCallDepth + 1})
	assert.Equal(t, rpc.KindCallCycle, rpc.KindOf(err))
	assert.False(t, ran)

	// Depth at the limit is still allowed.
	_, err = d.Dispatch(context.Background(), "noop", nil, rpc.Envelope{Depth: rpc.MaxCallDepth})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestDispatcher_HandlerContextCarriesDeadline(t *testing.T) {
	d := NewDispatcher(nil)
	var sawDeadline bool
	require.NoError(t, d.Register(Method{
		Name: "deadline.probe",
		Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
			_, sawDeadline = ctx.Deadline()
			return nil, nil
		},
	}))

	env := rpc.Envelope{DeadlineMs: time.Now().Add(time.Minute).UnixMilli()}
	_, err := d.Dispatch(context.Background(), "deadline.probe", nil, env)
	require.NoError(t, err)
	assert.True(t, sawDeadline)
}

func TestDispatcher_MethodList(t *testing.T) {
	exts := &fakeRouter{methods: []rpc.MethodInfo{{Name: "weather.today", Description: "forecast"}}}
	d := NewDispatcher(exts)
	require.NoError(t, d.Register(Method{
		Name:        "zeta",
		Description: "last core method",
		Handler:     func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) { return nil, nil },
	}))
	require.NoError(t, d.Register(Method{
		Name:    "alpha",
		Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) { return nil, nil },
	}))

	list := d.MethodList()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "weather.today", list[1].Name)
	assert.Equal(t, "zeta", list[2].Name)
}

func TestDispatcher_DispatchRawMarshals(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, d.Register(Method{
		Name: "shape",
		Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
			return map[string]int{"n": 3}, nil
		},
	}))
	require.NoError(t, d.Register(Method{
		Name: "empty",
		Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
			return nil, nil
		},
	}))

	raw, err := d.DispatchRaw(context.Background(), "shape", nil, rpc.Envelope{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(raw))

	raw, err = d.DispatchRaw(context.Background(), "empty", nil, rpc.Envelope{})
	require.NoError(t, err)
	assert.Nil(t, raw)
}
