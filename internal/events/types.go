// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events provides the in-process event bus that connects the
// gateway, the agent manager, ingestion, and the voice bridge.
package events

import (
	"context"
	"time"
)

// Event is an immutable record published on the bus. ConnectionID, Source,
// and Tags form the routing envelope: an event with a ConnectionID is only
// delivered to the matching client connection, and an event whose Source
// equals a registered source route is also forwarded to that extension.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Source       string         `json:"source,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Handler processes events delivered to a synchronous subscription.
type Handler func(ctx context.Context, event Event) error

// Filter selects events from history.
type Filter struct {
	Types  []string  // event-name globs, any may match
	Source string    // exact source match
	Since  time.Time // events after this time
	Until  time.Time // events before this time
	Limit  int       // newest N after filtering
}

// Bus is the pub/sub hub. Handler subscriptions run inline on the
// publisher's goroutine; channel subscriptions receive on a buffered
// channel and lose events when the buffer is full.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(pattern string, handler Handler) (string, error)
	SubscribeChan(pattern string, buffer int) (<-chan Event, string, error)
	Unsubscribe(id string) error
	History(filter Filter) ([]Event, error)
	Close() error
}

// Event names published by the core. Extensions add their own under their
// registered namespaces.
const (
	// Agent session stream. Payload carries the child event verbatim.
	EventSSE = "sse"

	// Agent lifecycle.
	EventProcessStarted     = "agent.process_started"
	EventProcessEnded       = "agent.process_ended"
	EventProcessDied        = "agent.process_died"
	EventRequestToolResults = "agent.request_tool_results"

	// Conversation pipeline.
	EventConversationReady    = "conversation.ready"
	EventConversationQueued   = "conversation.queued"
	EventConversationArchived = "conversation.archived"
	EventConversationSkipped  = "conversation.skipped"
	EventFileIngested         = "ingest.file.completed"

	// Extension host.
	EventExtensionRegistered = "extension.registered"
	EventExtensionDied       = "extension.died"

	// Voice bridge.
	EventVoiceAudioChunk = "voice.audio_chunk"
	EventVoiceStreamEnd  = "voice.stream_end"
	EventVoiceError      = "voice.error"

	// Librarian worker wake-up.
	EventLibrarianWake = "librarian.wake"
)
