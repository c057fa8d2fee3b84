// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/claudiahq/claudia/internal/store"
)

// Segmenter splits a file's entries into conversation seeds bounded by
// idle gaps and size limits.
type Segmenter struct {
	Gap        time.Duration
	MaxEntries int
	MaxBytes   int
}

// Seeds segments entries (already in timestamp order) into conversation
// seeds. A new segment opens when the gap to the previous entry exceeds
// Gap, or when adding the entry would push the segment past MaxEntries
// or MaxBytes. Hitting a bound exactly does not split.
func (s Segmenter) Seeds(entries []store.Entry) []store.Seed {
	if len(entries) == 0 {
		return nil
	}

	var seeds []store.Seed
	cur := store.Seed{
		SessionID:      entries[0].SessionID,
		FirstMessageAt: entries[0].Timestamp,
		LastMessageAt:  entries[0].Timestamp,
		EntryCount:     1,
	}
	curBytes := len(entries[0].Content)

	for _, e := range entries[1:] {
		switch {
		case e.Timestamp.Sub(cur.LastMessageAt) > s.Gap,
			s.MaxEntries > 0 && cur.EntryCount+1 > s.MaxEntries,
			s.MaxBytes > 0 && curBytes+len(e.Content) > s.MaxBytes:
			seeds = append(seeds, cur)
			cur = store.Seed{
				SessionID:      e.SessionID,
				FirstMessageAt: e.Timestamp,
				EntryCount:     0,
			}
			curBytes = 0
		}
		cur.LastMessageAt = e.Timestamp
		cur.EntryCount++
		curBytes += len(e.Content)
	}

	return append(seeds, cur)
}

// FileKey maps an absolute path to its key relative to the base
// directory that contains it. Keys are slash-separated regardless of
// platform so they remain stable in the store.
func FileKey(path string, baseDirs []string) string {
	for _, base := range baseDirs {
		if rel, err := filepath.Rel(base, path); err == nil &&
			rel != "." && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(path)
}

var (
	uuidRe        = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	stampedUUIDRe = regexp.MustCompile(`^\d+_([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)
)

// SessionIDFromFile derives an external session id from a file key.
// Recognized filename forms: a bare UUID, or `<timestamp>_<UUID>`.
// Anything else falls back to the filename base.
func SessionIDFromFile(fileKey string) string {
	base := filepath.Base(fileKey)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if uuidRe.MatchString(base) {
		return base
	}
	if m := stampedUUIDRe.FindStringSubmatch(base); m != nil {
		return m[1]
	}
	return base
}
