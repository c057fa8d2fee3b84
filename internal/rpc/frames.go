// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import "encoding/json"

// Frame type discriminators. The client channel uses req/res/event/ping/pong;
// the extension channel adds register/call/call_res.
const (
	TypeRequest    = "req"
	TypeResponse   = "res"
	TypeEvent      = "event"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeRegister   = "register"
	TypeCall       = "call"
	TypeCallResult = "call_res"
)

// Frame is the union of every message that can appear on a client or
// extension channel. Only the fields relevant to the Type are populated;
// dispatch switches on Type before touching anything else.
type Frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields.
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// Event name; event frames carry their body in Payload.
	Event string `json:"event,omitempty"`

	// Register field (extension channel only).
	Extension *ExtensionInfo `json:"extension,omitempty"`

	// Envelope fields, flattened onto req/call/event frames.
	ConnectionID string            `json:"connectionId,omitempty"`
	Source       string            `json:"source,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	TraceID      string            `json:"traceId,omitempty"`
	Depth        int               `json:"depth,omitempty"`
	DeadlineMs   int64             `json:"deadlineMs,omitempty"`
}

// ExtensionInfo is the body of a register frame.
type ExtensionInfo struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Methods      []MethodInfo `json:"methods"`
	Events       []string     `json:"events,omitempty"`
	SourceRoutes []string     `json:"sourceRoutes,omitempty"`
}

// MethodInfo describes one extension-registered method.
type MethodInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Envelope returns the envelope fields carried on this frame.
func (f *Frame) Envelope() Envelope {
	return Envelope{
		ConnectionID: f.ConnectionID,
		Source:       f.Source,
		Tags:         f.Tags,
		TraceID:      f.TraceID,
		Depth:        f.Depth,
		DeadlineMs:   f.DeadlineMs,
	}
}

// ApplyEnvelope stamps envelope fields onto the frame.
func (f *Frame) ApplyEnvelope(env Envelope) {
	f.ConnectionID = env.ConnectionID
	f.Source = env.Source
	f.Tags = env.Tags
	f.TraceID = env.TraceID
	f.Depth = env.Depth
	f.DeadlineMs = env.DeadlineMs
}

// NewResponse builds the single response for a request id.
func NewResponse(id string, payload interface{}, err error) Frame {
	f := Frame{Type: TypeResponse, ID: id}
	if err != nil {
		f.Error = AsError(err)
		return f
	}
	f.OK = true
	if payload != nil {
		if raw, ok := payload.(json.RawMessage); ok {
			f.Payload = raw
		} else if data, merr := json.Marshal(payload); merr == nil {
			f.Payload = data
		}
	}
	return f
}

// NewCallResult builds the reply to an extension-originated call.
func NewCallResult(id string, payload json.RawMessage, err error) Frame {
	f := Frame{Type: TypeCallResult, ID: id}
	if err != nil {
		f.Error = AsError(err)
		return f
	}
	f.OK = true
	f.Payload = payload
	return f
}
