// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"sync"
	"time"
)

const defaultQuietPeriod = 500 * time.Millisecond

// Debouncer coalesces bursts of per-path triggers into a single firing of
// the callback once the path has been quiet for the configured period. An
// agent appending a transcript line by line thus costs one ingestion pass
// per quiet period instead of one per write.
type Debouncer struct {
	quiet time.Duration
	fire  func(path string)

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// NewDebouncer returns a debouncer that calls fire(path) once path has
// seen no Trigger for the quiet period.
func NewDebouncer(quiet time.Duration, fire func(path string)) *Debouncer {
	if quiet <= 0 {
		quiet = defaultQuietPeriod
	}
	return &Debouncer{
		quiet:   quiet,
		fire:    fire,
		pending: make(map[string]*time.Timer),
	}
}

// Trigger records activity on path, resetting its quiet timer.
func (d *Debouncer) Trigger(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if t, ok := d.pending[path]; ok {
		t.Reset(d.quiet)
		return
	}
	d.pending[path] = time.AfterFunc(d.quiet, func() { d.expire(path) })
}

func (d *Debouncer) expire(path string) {
	d.mu.Lock()
	_, live := d.pending[path]
	delete(d.pending, path)
	stopped := d.stopped
	d.mu.Unlock()

	// A Stop racing the timer callback wins: the path was already
	// removed and must not fire.
	if live && !stopped {
		d.fire(path)
	}
}

// Pending reports how many paths are waiting out their quiet period.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop discards all pending paths without firing them. The debouncer
// accepts no further triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for path, t := range d.pending {
		t.Stop()
		delete(d.pending, path)
	}
}
