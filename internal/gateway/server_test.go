// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/events"
	"github.com/claudiahq/claudia/internal/rpc"
)

func newTestGateway(t *testing.T) (*Server, *events.MemoryBus, *httptest.Server) {
	t.Helper()

	bus := events.NewMemoryBus(events.MemoryBusConfig{HistoryMaxEvents: 64})
	d := NewDispatcher(nil)
	require.NoError(t, d.Register(Method{
		Name: "echo",
		Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
			return params, nil
		},
	}))
	require.NoError(t, d.Register(Method{
		Name: "whoami",
		Handler: func(ctx context.Context, params json.RawMessage, env rpc.Envelope) (any, error) {
			return map[string]string{"connectionId": env.ConnectionID, "traceId": env.TraceID}, nil
		},
	}))

	srv := NewServer(context.Background(), config.ServerConfig{}, d, bus, "test")
	require.NoError(t, srv.startForwarding())

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
		bus.Close()
	})
	return srv, bus, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readFrame reads until a frame of the wanted type arrives, skipping
// server pings.
func readFrame(t *testing.T, ws *websocket.Conn, wantType string) rpc.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var frame rpc.Frame
		require.NoError(t, ws.ReadJSON(&frame))
		if frame.Type == wantType {
			return frame
		}
	}
}

func request(t *testing.T, ws *websocket.Conn, id, method, params string) rpc.Frame {
	t.Helper()
	frame := rpc.Frame{Type: rpc.TypeRequest, ID: id, Method: method}
	if params != "" {
		frame.Params = json.RawMessage(params)
	}
	require.NoError(t, ws.WriteJSON(frame))
	res := readFrame(t, ws, rpc.TypeResponse)
	assert.Equal(t, id, res.ID)
	return res
}

func TestServer_RequestResponse(t *testing.T) {
	_, _, ts := newTestGateway(t)
	ws := dialWS(t, ts)

	res := request(t, ws, "r1", "echo", `{"x":1}`)
	assert.True(t, res.OK)
	assert.JSONEq(t, `{"x":1}`, string(res.Payload))

	res = request(t, ws, "r2", "nope", "")
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, rpc.KindUnknownMethod, res.Error.Kind)
}

func TestServer_ServerAssignsConnectionID(t *testing.T) {
	_, _, ts := newTestGateway(t)
	ws := dialWS(t, ts)

	// A client-claimed connectionId must not survive dispatch.
	frame := rpc.Frame{Type: rpc.TypeRequest, ID: "r1", Method: "whoami", ConnectionID: "forged"}
	require.NoError(t, ws.WriteJSON(frame))
	res := readFrame(t, ws, rpc.TypeResponse)
	require.True(t, res.OK)

	var who struct {
		ConnectionID string `json:"connectionId"`
		TraceID      string `json:"traceId"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &who))
	assert.NotEmpty(t, who.ConnectionID)
	assert.NotEqual(t, "forged", who.ConnectionID)
	assert.NotEmpty(t, who.TraceID, "a trace id is minted when the client sends none")
}

func TestServer_PingPong(t *testing.T) {
	_, _, ts := newTestGateway(t)
	ws := dialWS(t, ts)

	require.NoError(t, ws.WriteJSON(rpc.Frame{Type: rpc.TypePing, ID: "p1"}))
	pong := readFrame(t, ws, rpc.TypePong)
	assert.Equal(t, "p1", pong.ID)
}

func TestServer_SubscribeAndBroadcast(t *testing.T) {
	_, bus, ts := newTestGateway(t)
	ws := dialWS(t, ts)
	ctx := context.Background()

	res := request(t, ws, "s1", "subscribe", `{"events":["conversation.*"]}`)
	require.True(t, res.OK)
	assert.JSONEq(t, `{"subscribed":1}`, string(res.Payload))

	require.NoError(t, bus.Publish(ctx, events.Event{
		Type:    "conversation.ready",
		Source:  "ingest",
		Payload: map[string]any{"conversationId": "c-1"},
	}))

	evt := readFrame(t, ws, rpc.TypeEvent)
	assert.Equal(t, "conversation.ready", evt.Event)
	assert.Equal(t, "ingest", evt.Source)
	assert.JSONEq(t, `{"conversationId":"c-1"}`, string(evt.Payload))

	// Unmatched names are filtered: the queued marker arrives next,
	// proving the sse event never did.
	require.NoError(t, bus.Publish(ctx, events.Event{Type: "sse"}))
	require.NoError(t, bus.Publish(ctx, events.Event{Type: "conversation.queued"}))
	evt = readFrame(t, ws, rpc.TypeEvent)
	assert.Equal(t, "conversation.queued", evt.Event)

	res = request(t, ws, "s2", "unsubscribe", "")
	require.True(t, res.OK)
	assert.JSONEq(t, `{"subscribed":0}`, string(res.Payload))
}

func TestServer_SubscribeValidation(t *testing.T) {
	_, _, ts := newTestGateway(t)
	ws := dialWS(t, ts)

	res := request(t, ws, "s1", "subscribe", `{}`)
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, rpc.KindInvalidParams, res.Error.Kind)
}

func TestServer_AddressedEvents(t *testing.T) {
	_, bus, ts := newTestGateway(t)
	ctx := context.Background()

	wsA := dialWS(t, ts)
	wsB := dialWS(t, ts)
	request(t, wsA, "s1", "subscribe", `{"events":["*"]}`)
	request(t, wsB, "s2", "subscribe", `{"events":["*"],"source":"voice"}`)

	whoA := request(t, wsA, "w1", "whoami", "")
	var who struct {
		ConnectionID string `json:"connectionId"`
	}
	require.NoError(t, json.Unmarshal(whoA.Payload, &who))
	idA := who.ConnectionID

	// Addressed to A's connection id: only A sees it.
	require.NoError(t, bus.Publish(ctx, events.Event{Type: "notice.direct", ConnectionID: idA}))
	// Addressed to B's claimed source token: only B sees it.
	require.NoError(t, bus.Publish(ctx, events.Event{Type: "notice.voiced", ConnectionID: "voice"}))
	// Unaddressed marker: both see it.
	require.NoError(t, bus.Publish(ctx, events.Event{Type: "notice.everyone"}))

	evt := readFrame(t, wsA, rpc.TypeEvent)
	assert.Equal(t, "notice.direct", evt.Event)
	evt = readFrame(t, wsA, rpc.TypeEvent)
	assert.Equal(t, "notice.everyone", evt.Event, "the voice-addressed event must skip A")

	evt = readFrame(t, wsB, rpc.TypeEvent)
	assert.Equal(t, "notice.voiced", evt.Event, "the A-addressed event must skip B")
	evt = readFrame(t, wsB, rpc.TypeEvent)
	assert.Equal(t, "notice.everyone", evt.Event)
}

func TestServer_StatusAndVersion(t *testing.T) {
	_, _, ts := newTestGateway(t)
	ws := dialWS(t, ts)
	// A round-trip guarantees the connection is registered.
	request(t, ws, "w1", "whoami", "")

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Version     string `json:"version"`
		Connections int    `json:"connections"`
		Methods     int    `json:"methods"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 1, status.Connections)
	assert.Equal(t, 2, status.Methods)

	vresp, err := http.Get(ts.URL + "/version")
	require.NoError(t, err)
	defer vresp.Body.Close()
	var v map[string]string
	require.NoError(t, json.NewDecoder(vresp.Body).Decode(&v))
	assert.Equal(t, "test", v["version"])
}
