// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"time"
)

// MaxCallDepth bounds chains of nested method calls. A call arriving with a
// depth beyond this fails with CallCycle.
const MaxCallDepth = 8

// Envelope carries per-request routing context. It flows from the inbound
// frame through every handler; nested calls derive a child envelope.
type Envelope struct {
	ConnectionID string
	Tags         map[string]string
	Source       string
	TraceID      string
	Depth        int
	DeadlineMs   int64
}

// Child derives the envelope for a nested call: depth increments, the rest
// flows through unchanged.
func (e Envelope) Child() Envelope {
	child := e
	child.Depth = e.Depth + 1
	return child
}

// Deadline reports the absolute deadline, if any. DeadlineMs is a Unix
// timestamp in milliseconds.
func (e Envelope) Deadline() (time.Time, bool) {
	if e.DeadlineMs <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(e.DeadlineMs), true
}

// Expired reports whether the deadline has already passed.
func (e Envelope) Expired(now time.Time) bool {
	deadline, ok := e.Deadline()
	return ok && !now.Before(deadline)
}

// Context applies the envelope deadline to ctx. The returned cancel must be
// called even when no deadline is set.
func (e Envelope) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := e.Deadline(); ok {
		return context.WithDeadline(ctx, deadline)
	}
	return context.WithCancel(ctx)
}

// CheckDepth validates the call-cycle guard for a nested call at this depth.
func (e Envelope) CheckDepth() error {
	if e.Depth > MaxCallDepth {
		return E(KindCallCycle, "call depth %d exceeds %d, possible cycle", e.Depth, MaxCallDepth)
	}
	return nil
}
