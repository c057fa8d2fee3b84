// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"errors"
	"strings"
)

// ErrEmptyPattern is returned when compiling an empty pattern.
var ErrEmptyPattern = errors.New("empty pattern")

type matchKind int

const (
	matchExact matchKind = iota
	matchAll
	matchPrefix // "agent.*"
	matchSuffix // "*.completed"
)

// Pattern is a compiled event-name glob. Supported forms: "*" matches
// everything, "agent.*" matches the segment prefix, "*.completed" matches
// the segment suffix, anything else matches exactly.
type Pattern struct {
	raw   string
	kind  matchKind
	token string
}

// Compile parses a glob into a Pattern.
func Compile(pattern string) (Pattern, error) {
	if pattern == "" {
		return Pattern{}, ErrEmptyPattern
	}
	p := Pattern{raw: pattern, kind: matchExact, token: pattern}
	switch {
	case pattern == "*":
		p.kind = matchAll
	case strings.HasSuffix(pattern, ".*"):
		p.kind = matchPrefix
		p.token = strings.TrimSuffix(pattern, "*") // keep the trailing dot
	case strings.HasPrefix(pattern, "*."):
		p.kind = matchSuffix
		p.token = strings.TrimPrefix(pattern, "*") // keep the leading dot
	}
	return p, nil
}

// Match reports whether the event name matches the pattern.
func (p Pattern) Match(name string) bool {
	if name == "" {
		return false
	}
	switch p.kind {
	case matchAll:
		return true
	case matchPrefix:
		return strings.HasPrefix(name, p.token)
	case matchSuffix:
		return strings.HasSuffix(name, p.token)
	default:
		return name == p.token
	}
}

// String returns the original glob.
func (p Pattern) String() string { return p.raw }

// Match is the uncompiled convenience form.
func Match(name, pattern string) bool {
	p, err := Compile(pattern)
	if err != nil {
		return false
	}
	return p.Match(name)
}
