// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Subscribe registers event-name patterns with the gateway and returns a
// channel of matching events. Patterns support "*", exact names,
// "prefix.*", and "*.suffix".
//
// The channel is buffered; events beyond the buffer are dropped, matching
// the gateway's broadcast semantics. The channel closes when the
// connection ends. Multiple subscriptions share the connection and filter
// independently.
func (c *Client) Subscribe(ctx context.Context, patterns ...string) (<-chan Event, error) {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}

	if _, err := c.Call(ctx, "subscribe", map[string]any{"events": patterns}); err != nil {
		return nil, err
	}

	compiled := make([]pattern, len(patterns))
	for i, p := range patterns {
		compiled[i] = compilePattern(p)
	}

	sub := &subscription{patterns: compiled, ch: make(chan Event, eventBuffer)}

	c.mu.Lock()
	c.subs[uuid.New().String()] = sub
	c.mu.Unlock()

	return sub.ch, nil
}

// pattern is a compiled event-name glob: "*" matches everything,
// "prefix.*" matches by prefix, "*.suffix" by suffix, anything else
// exactly.
type pattern struct {
	exact  string
	prefix string
	suffix string
	all    bool
}

func compilePattern(p string) pattern {
	switch {
	case p == "*":
		return pattern{all: true}
	case strings.HasSuffix(p, ".*"):
		return pattern{prefix: strings.TrimSuffix(p, "*")}
	case strings.HasPrefix(p, "*."):
		return pattern{suffix: strings.TrimPrefix(p, "*")}
	default:
		return pattern{exact: p}
	}
}

func (p pattern) match(name string) bool {
	switch {
	case p.all:
		return true
	case p.prefix != "":
		return strings.HasPrefix(name, p.prefix)
	case p.suffix != "":
		return strings.HasSuffix(name, p.suffix)
	default:
		return name == p.exact
	}
}
