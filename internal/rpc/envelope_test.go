// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_Child(t *testing.T) {
	env := Envelope{ConnectionID: "c1", TraceID: "t1", Depth: 3}

	child := env.Child()
	assert.Equal(t, 4, child.Depth)
	assert.Equal(t, "c1", child.ConnectionID)
	assert.Equal(t, "t1", child.TraceID)
	// Parent is unchanged.
	assert.Equal(t, 3, env.Depth)
}

func TestEnvelope_CheckDepth(t *testing.T) {
	assert.NoError(t, Envelope{Depth: MaxCallDepth}.CheckDepth())

	err := Envelope{Depth: MaxCallDepth + 1}.CheckDepth()
	require.Error(t, err)
	assert.Equal(t, KindCallCycle, KindOf(err))
}

func TestEnvelope_Expired(t *testing.T) {
	now := time.Now()

	assert.False(t, Envelope{}.Expired(now))
	assert.False(t, Envelope{DeadlineMs: now.Add(time.Second).UnixMilli()}.Expired(now))
	assert.True(t, Envelope{DeadlineMs: now.Add(-time.Second).UnixMilli()}.Expired(now))
}

func TestNewResponse(t *testing.T) {
	res := NewResponse("r1", map[string]string{"status": "ok"}, nil)
	assert.Equal(t, TypeResponse, res.Type)
	assert.Equal(t, "r1", res.ID)
	assert.True(t, res.OK)
	assert.JSONEq(t, `{"status":"ok"}`, string(res.Payload))

	res = NewResponse("r2", nil, E(KindInvalidParams, "missing cwd"))
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, KindInvalidParams, res.Error.Kind)
}
