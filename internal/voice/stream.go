// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"context"
	"encoding/base64"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/claudiahq/claudia/internal/events"
)

const (
	// sentenceBacklog bounds queued sentences per utterance.
	sentenceBacklog = 64

	// retryPause separates the two synthesis attempts for a sentence.
	retryPause = 250 * time.Millisecond
)

// Token returns the routing token clients claim to receive a session's
// voice events.
func Token(sessionID string) string {
	return "voice:" + sessionID
}

// Stream is one utterance: a FIFO of cleaned sentences serviced by a
// single worker that synthesizes each sentence and forwards the audio.
type Stream struct {
	id        string
	sessionID string
	synth     Synthesizer
	bus       events.Bus
	baseCtx   context.Context

	sampleRate int
	audioDir   string

	mu         sync.Mutex
	chunker    Chunker
	queue      chan string
	closed     bool
	aborted    bool
	seq        int
	headerSent bool
	pcm        []byte

	workerDone chan struct{}
	endOnce    sync.Once
}

func newStream(ctx context.Context, id, sessionID string, synth Synthesizer, bus events.Bus, sampleRate int, audioDir string) *Stream {
	st := &Stream{
		id:         id,
		sessionID:  sessionID,
		synth:      synth,
		bus:        bus,
		baseCtx:    ctx,
		sampleRate: sampleRate,
		audioDir:   audioDir,
		queue:      make(chan string, sentenceBacklog),
		workerDone: make(chan struct{}),
	}
	go st.worker()
	return st
}

// Feed pushes streamed text through the chunker and queues any
// completed sentences.
func (st *Stream) Feed(text string) {
	st.mu.Lock()
	sentences := st.chunker.Feed(text)
	st.mu.Unlock()
	for _, sentence := range sentences {
		st.enqueue(sentence)
	}
}

func (st *Stream) enqueue(sentence string) {
	cleaned := Clean(sentence)
	if cleaned == "" {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	select {
	case st.queue <- cleaned:
	default:
		log.Printf("voice [%s]: sentence queue full, dropping", st.id)
	}
}

// End flushes trailing text, drains the queue, and emits stream_end.
// Safe to call more than once and concurrently with Abort.
func (st *Stream) End() {
	st.mu.Lock()
	rest := st.chunker.Flush()
	st.mu.Unlock()
	if rest != "" {
		st.enqueue(rest)
	}
	st.closeQueue()
	<-st.workerDone
	st.finish()
}

// Abort discards queued sentences and emits stream_end with the
// aborted flag.
func (st *Stream) Abort() {
	st.mu.Lock()
	st.aborted = true
	st.mu.Unlock()
	st.closeQueue()
	<-st.workerDone
	st.finish()
}

func (st *Stream) closeQueue() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.closed = true
		close(st.queue)
	}
}

func (st *Stream) isAborted() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.aborted
}

func (st *Stream) worker() {
	defer close(st.workerDone)
	for sentence := range st.queue {
		if st.isAborted() {
			continue
		}
		chunks, err := st.synthesize(sentence)
		if err != nil {
			log.Printf("voice [%s]: synthesis failed twice: %v", st.id, err)
			st.publish(events.EventVoiceError, map[string]any{
				"sessionId": st.sessionID,
				"streamId":  st.id,
				"error":     err.Error(),
			})
			continue
		}
		for _, pcm := range chunks {
			st.forward(pcm)
		}
	}
}

// synthesize runs one sentence with a single retry.
func (st *Stream) synthesize(sentence string) ([][]byte, error) {
	chunks, err := st.synth.Synthesize(st.baseCtx, sentence)
	if err == nil {
		return chunks, nil
	}
	select {
	case <-time.After(retryPause):
	case <-st.baseCtx.Done():
		return nil, err
	}
	return st.synth.Synthesize(st.baseCtx, sentence)
}

// forward emits one audio chunk. The first chunk of the utterance gets
// a live RIFF header so the client can play it as WAV immediately.
func (st *Stream) forward(pcm []byte) {
	st.mu.Lock()
	seq := st.seq
	st.seq++
	first := !st.headerSent
	st.headerSent = true
	st.pcm = append(st.pcm, pcm...)
	st.mu.Unlock()

	data := pcm
	if first {
		data = append(streamWAVHeader(st.sampleRate, 1), pcm...)
	}
	st.publish(events.EventVoiceAudioChunk, map[string]any{
		"sessionId": st.sessionID,
		"streamId":  st.id,
		"seq":       seq,
		"data":      base64.StdEncoding.EncodeToString(data),
		"final":     false,
	})
}

// finish emits the terminal chunk and stream_end exactly once, then
// persists the utterance.
func (st *Stream) finish() {
	st.endOnce.Do(func() {
		st.mu.Lock()
		aborted := st.aborted
		seq := st.seq
		pcm := st.pcm
		st.mu.Unlock()

		if seq > 0 {
			st.publish(events.EventVoiceAudioChunk, map[string]any{
				"sessionId": st.sessionID,
				"streamId":  st.id,
				"seq":       seq,
				"data":      "",
				"final":     true,
			})
		}
		st.publish(events.EventVoiceStreamEnd, map[string]any{
			"sessionId": st.sessionID,
			"streamId":  st.id,
			"aborted":   aborted,
		})
		st.save(pcm)
	})
}

// save writes the full utterance as audio/<sessionId>/<streamId>.wav.
func (st *Stream) save(pcm []byte) {
	if st.audioDir == "" || len(pcm) == 0 {
		return
	}
	dir := filepath.Join(st.audioDir, st.sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("voice [%s]: mkdir %s: %v", st.id, dir, err)
		return
	}
	path := filepath.Join(dir, st.id+".wav")
	if err := os.WriteFile(path, encodeWAV(pcm, st.sampleRate, 1), 0o644); err != nil {
		log.Printf("voice [%s]: write %s: %v", st.id, path, err)
	}
}

func (st *Stream) publish(name string, payload map[string]any) {
	if st.bus == nil {
		return
	}
	err := st.bus.Publish(st.baseCtx, events.Event{
		Type:         name,
		Source:       "voice",
		ConnectionID: Token(st.sessionID),
		Payload:      payload,
	})
	if err != nil {
		log.Printf("voice [%s]: publish %s: %v", st.id, name, err)
	}
}
