// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/events"
	"github.com/claudiahq/claudia/internal/store"
)

// Source label recorded on file states produced by the claude log parser.
const sourceClaude = "claude"

// Pipeline ingests transcript log files through the two-phase protocol:
// mark ingesting with the captured size, parse and commit the new bytes
// in one transaction, mark idle with the advanced offset. A pass that
// dies between the phases is rolled back by RecoverOnStartup.
type Pipeline struct {
	store  *store.Store
	parser Parser
	seg    Segmenter
	bus    events.Bus
	cfg    config.LogsConfig
	source string
}

// NewPipeline wires a pipeline against the store and bus.
func NewPipeline(st *store.Store, parser Parser, bus events.Bus, cfg config.LogsConfig) *Pipeline {
	return &Pipeline{
		store:  st,
		parser: parser,
		seg: Segmenter{
			Gap:        cfg.Gap(),
			MaxEntries: cfg.MaxEntries,
			MaxBytes:   cfg.MaxBytes,
		},
		bus:    bus,
		cfg:    cfg,
		source: sourceClaude,
	}
}

// Matches reports whether path is a transcript log this pipeline owns:
// right suffix, under one of the base directories, and inside the
// configured subtree when a pattern is set.
func (p *Pipeline) Matches(path string) bool {
	if !strings.HasSuffix(path, p.cfg.Suffix) {
		return false
	}
	for _, base := range p.cfg.BaseDirs {
		rel, err := filepath.Rel(base, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		if p.cfg.Pattern == "" {
			return true
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if parts[0] == p.cfg.Pattern {
			return true
		}
	}
	return false
}

// IngestFile runs one ingestion pass over path. With force, previously
// ingested entries for the file are dropped and the whole file is
// re-read. Truncated files (current size below the committed offset)
// are re-read the same way.
func (p *Pipeline) IngestFile(ctx context.Context, path string, force bool) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // removed between the event and the pass
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil
	}

	fileKey := FileKey(path, p.cfg.BaseDirs)
	size := info.Size()

	var offset int64
	drop := force
	fileState, err := p.store.GetFileState(ctx, fileKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	case !force:
		offset = fileState.LastProcessedOffset
		if size < offset {
			log.Printf("ingest: %s truncated (%d < %d), re-reading", fileKey, size, offset)
			drop = true
			offset = 0
		}
	}
	if size == offset && !drop {
		return nil
	}

	if err := p.store.MarkIngesting(ctx, fileKey, p.source, size, info.ModTime()); err != nil {
		return err
	}

	chunk, err := readRange(path, offset, size)
	if err != nil {
		return fmt.Errorf("read %s: %w", fileKey, err)
	}

	parsed := p.parser.Parse(chunk, path)
	entries := make([]store.Entry, 0, len(parsed))
	for _, pe := range parsed {
		sessionID := pe.SessionID
		if sessionID == "" {
			sessionID = SessionIDFromFile(fileKey)
		}
		entries = append(entries, store.Entry{
			SessionID:  sessionID,
			SourceFile: fileKey,
			Role:       pe.Role,
			Content:    pe.Content,
			ToolNames:  strings.Join(pe.ToolNames, ","),
			Timestamp:  pe.Timestamp,
			CWD:        pe.CWD,
		})
	}

	inserted, maxTS, err := p.store.CommitIngestPass(ctx, fileKey, entries, drop, p.seg.Seeds)
	if err != nil {
		return fmt.Errorf("commit %s: %w", fileKey, err)
	}
	if err := p.store.MarkIdle(ctx, fileKey, size, maxTS); err != nil {
		return err
	}

	if inserted > 0 {
		log.Printf("ingest: %s +%d entries (offset %d -> %d)", fileKey, inserted, offset, size)
		p.publish(ctx, events.EventFileIngested, map[string]any{
			"fileKey": fileKey,
			"entries": inserted,
		})
	}
	return nil
}

// ScanAll walks the base directories and ingests every matching file.
// Per-file failures are logged and the walk continues.
func (p *Pipeline) ScanAll(ctx context.Context) error {
	for _, base := range p.cfg.BaseDirs {
		root := base
		if p.cfg.Pattern != "" {
			root = filepath.Join(base, p.cfg.Pattern)
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable subtree, keep walking siblings
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !p.Matches(path) {
				return nil
			}
			if err := p.IngestFile(ctx, path, false); err != nil {
				log.Printf("ingest: %s: %v", path, err)
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// RecoverOnStartup rolls back passes interrupted by a crash: entries
// committed past each stuck file's high-water timestamp are deleted,
// conversations rebuilt, and the file reset to idle so the next pass
// re-reads the rolled-back bytes. Conversations stuck in processing go
// back to queued.
func (p *Pipeline) RecoverOnStartup(ctx context.Context) error {
	stuck, err := p.store.ListIngesting(ctx)
	if err != nil {
		return err
	}
	for _, fileState := range stuck {
		if err := p.store.RecoverFile(ctx, fileState, p.seg.Seeds); err != nil {
			return fmt.Errorf("recover %s: %w", fileState.FileKey, err)
		}
		log.Printf("ingest: recovered %s from interrupted pass", fileState.FileKey)
	}

	n, err := p.store.ResetProcessingToQueued(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("ingest: requeued %d conversation(s) stuck in processing", n)
	}
	return nil
}

// PromoteLoop periodically promotes conversations whose last message is
// older than the idle gap from active to ready. Blocks until ctx is done.
func (p *Pipeline) PromoteLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.PromoteReady(ctx, p.cfg.Gap(), time.Now())
			if err != nil {
				log.Printf("ingest: promote: %v", err)
				continue
			}
			if n > 0 {
				p.publish(ctx, events.EventConversationReady, map[string]any{"count": n})
			}
		}
	}
}

func (p *Pipeline) publish(ctx context.Context, eventType string, payload map[string]any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, events.Event{Type: eventType, Source: "ingest", Payload: payload}); err != nil {
		log.Printf("ingest: publish %s: %v", eventType, err)
	}
}

func readRange(path string, offset, size int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}
	return io.ReadAll(io.LimitReader(f, size-offset))
}
