// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package watcher observes the external transcript log tree and drives
// the ingestion pipeline as files change.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Ingester is the pipeline surface the watcher drives.
type Ingester interface {
	Matches(path string) bool
	IngestFile(ctx context.Context, path string, force bool) error
}

// LogWatcher watches the transcript base directories recursively. File
// writes are debounced per path, then handed to a single dispatcher
// goroutine owning a FIFO with collapse-on-duplicate, so passes for the
// same file never interleave.
type LogWatcher struct {
	ingester  Ingester
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	baseDirs  []string

	mu      sync.Mutex
	order   []string
	queued  map[string]struct{}
	started bool
	closed  bool

	wake    chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewLogWatcher creates a watcher over the given base directories.
func NewLogWatcher(ingester Ingester, baseDirs []string, debounce time.Duration) (*LogWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &LogWatcher{
		ingester: ingester,
		watcher:  fsWatcher,
		baseDirs: baseDirs,
		queued:   make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	w.debouncer = NewDebouncer(debounce, w.enqueue)
	return w, nil
}

// Start registers the directory tree and launches the event and
// dispatcher goroutines. ctx bounds every ingestion pass the watcher
// initiates.
func (w *LogWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started || w.closed {
		w.mu.Unlock()
		return fmt.Errorf("watcher already started or closed")
	}
	w.started = true
	w.mu.Unlock()

	for _, base := range w.baseDirs {
		if err := w.addTree(base); err != nil {
			log.Printf("watcher: %s: %v", base, err)
		}
	}

	w.wg.Add(2)
	go w.processEvents()
	go w.dispatch(ctx)
	return nil
}

// Close stops the watcher and waits for in-flight work to finish.
func (w *LogWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.closeCh)
	w.debouncer.Stop()
	w.watcher.Close()
	w.wg.Wait()
	return nil
}

// addTree watches dir and every subdirectory. fsnotify has no recursive
// mode, so new directories are added as they appear.
func (w *LogWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			log.Printf("watcher: add %s: %v", path, err)
		}
		return nil
	})
}

func (w *LogWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: %v", err)
		}
	}
}

func (w *LogWatcher) handleEvent(event fsnotify.Event) {
	// Chmod fires when files are merely opened for execution; renames
	// and removals produce nothing to ingest.
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				log.Printf("watcher: add tree %s: %v", event.Name, err)
			}
			return
		}
	}

	if !w.ingester.Matches(event.Name) {
		return
	}

	w.debouncer.Trigger(event.Name)
}

// enqueue appends the path to the FIFO unless an identical pass is
// already pending. A path being processed right now is re-queued, since
// new bytes may have landed after the in-flight pass captured its size.
func (w *LogWatcher) enqueue(path string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if _, dup := w.queued[path]; !dup {
		w.queued[path] = struct{}{}
		w.order = append(w.order, path)
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *LogWatcher) dispatch(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		for {
			path, ok := w.next()
			if !ok {
				break
			}
			if err := w.ingester.IngestFile(ctx, path, false); err != nil {
				log.Printf("watcher: ingest %s: %v", path, err)
			}
		}
	}
}

// next pops the oldest pending path. The path leaves the dedupe set
// before the pass runs so later events re-queue it.
func (w *LogWatcher) next() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.order) == 0 {
		return "", false
	}
	path := w.order[0]
	w.order = w.order[1:]
	delete(w.queued, path)
	return path, true
}
