// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by calls made after Close, or after the
// connection dropped for a reason the gateway did not report.
var ErrClosed = errors.New("client: connection closed")

// Frame is the wire message exchanged with the gateway. Only the fields
// relevant to Type are populated.
type Frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	Event string `json:"event,omitempty"`

	ConnectionID string            `json:"connectionId,omitempty"`
	Source       string            `json:"source,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// Error is a failure reported by the gateway.
//
// Kind is the wire-level classification (UnknownMethod, InvalidParams,
// DeadlineExceeded, SessionNotFound, ...) and is stable across releases;
// Message is human-readable and is not.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error kinds reported by the gateway.
const (
	KindUnknownMethod           = "UnknownMethod"
	KindInvalidParams           = "InvalidParams"
	KindMissingContext          = "MissingContext"
	KindDeadlineExceeded        = "DeadlineExceeded"
	KindCanceled                = "Canceled"
	KindCallCycle               = "CallCycle"
	KindNotSupported            = "NotSupported"
	KindExtensionDied           = "ExtensionDied"
	KindExtensionRegisterFailed = "ExtensionRegisterFailed"
	KindSessionClosed           = "SessionClosed"
	KindSessionNotFound         = "SessionNotFound"
	KindStoreConflict           = "StoreConflict"
	KindStoreUnavailable        = "StoreUnavailable"
	KindExternalFailure         = "ExternalFailure"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Event is a gateway event delivered to a subscription.
type Event struct {
	// Name is the event type, e.g. "sse" or "conversation.queued".
	Name string

	// Payload is the raw event body.
	Payload json.RawMessage

	// Source identifies the publisher when set.
	Source string

	// Tags carry routing metadata attached by the publisher.
	Tags map[string]string
}

// Workspace is a directory the agent operates in.
type Workspace struct {
	// ID is the workspace identifier.
	ID string `json:"id"`

	// Name is the display name, defaulting to the last path segment.
	Name string `json:"name"`

	// CWD is the working directory; unique per workspace.
	CWD string `json:"cwd"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is a persisted agent session record.
type Session struct {
	// ID is the session identifier used by session.* methods.
	ID string `json:"id"`

	// WorkspaceID links the session to its workspace.
	WorkspaceID string `json:"workspaceId"`

	// ExternalSessionID is the agent CLI's own conversation id, set once
	// the child process reports it.
	ExternalSessionID string `json:"externalSessionId"`

	// Status is "active" or "archived".
	Status string `json:"status"`

	// Title is the optional display title.
	Title string `json:"title,omitempty"`

	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
}

// MethodInfo describes one dispatchable gateway method.
type MethodInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}
