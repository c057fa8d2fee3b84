// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"sort"
	"sync"
	"time"
)

// HistoryConfig bounds event retention.
type HistoryConfig struct {
	MaxEvents int
	MaxAge    time.Duration
}

// History retains recently published events for the events.history method
// and for late subscribers that need to catch up.
type History struct {
	mu        sync.RWMutex
	events    []Event
	maxEvents int
	maxAge    time.Duration
}

// NewHistory creates a bounded history buffer.
func NewHistory(cfg HistoryConfig) *History {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	return &History{
		maxEvents: cfg.MaxEvents,
		maxAge:    cfg.MaxAge,
	}
}

// Add appends an event, evicting the oldest past the size bound.
func (h *History) Add(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, event)
	if len(h.events) > h.maxEvents {
		h.events = h.events[len(h.events)-h.maxEvents:]
	}
}

// Query returns retained events matching the filter, oldest first. With a
// limit, the newest N matches are returned.
func (h *History) Query(filter Filter) ([]Event, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]Event, 0)
	for _, event := range h.events {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result, nil
}

func matchesFilter(event Event, filter Filter) bool {
	if len(filter.Types) > 0 {
		matched := false
		for _, pattern := range filter.Types {
			if Match(event.Type, pattern) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if filter.Source != "" && event.Source != filter.Source {
		return false
	}
	if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && event.Timestamp.After(filter.Until) {
		return false
	}
	return true
}

// Prune drops events older than the max age.
func (h *History) Prune() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-h.maxAge)
	kept := h.events[:0]
	for _, event := range h.events {
		if event.Timestamp.After(cutoff) {
			kept = append(kept, event)
		}
	}
	h.events = kept
}

// Close releases retained events.
func (h *History) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
}
