// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
)

// journalAppend writes one event to the session's on-disk journal. The
// file is opened lazily so sessions that never speak cost nothing.
func (s *Session) journalAppend(evt map[string]any) {
	if s.journalPath == "" {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	s.journalMu.Lock()
	defer s.journalMu.Unlock()

	if s.journalFile == nil {
		if err := os.MkdirAll(filepath.Dir(s.journalPath), 0o755); err != nil {
			log.Printf("agent [%s]: create journal dir: %v", s.id, err)
			return
		}
		f, err := os.OpenFile(s.journalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Printf("agent [%s]: open journal: %v", s.id, err)
			return
		}
		s.journalFile = f
	}
	if _, err := s.journalFile.Write(append(data, '\n')); err != nil {
		log.Printf("agent [%s]: write journal: %v", s.id, err)
	}
}

func (s *Session) closeJournal() {
	s.journalMu.Lock()
	defer s.journalMu.Unlock()
	if s.journalFile != nil {
		s.journalFile.Close()
		s.journalFile = nil
	}
}

// tailJournal returns up to limit events from the end of a journal
// file, oldest first. A limit <= 0 returns everything.
func tailJournal(path string, limit int) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt map[string]any
		if err := json.Unmarshal(line, &evt); err != nil {
			continue // tolerate a torn tail line
		}
		entries = append(entries, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
