// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/events"
)

// Bridge watches the session stream and speaks assistant text. Each
// text block becomes one utterance; deltas feed its chunker and
// message_stop drains it.
type Bridge struct {
	cfg      config.VoiceConfig
	synth    Synthesizer
	bus      events.Bus
	audioDir string
	baseCtx  context.Context

	subID string
	wg    sync.WaitGroup

	mu      sync.Mutex
	streams map[string]*Stream // session id -> open utterance
}

func NewBridge(ctx context.Context, cfg config.VoiceConfig, bus events.Bus, audioDir string) *Bridge {
	return &Bridge{
		cfg:      cfg,
		synth:    NewStreamSynth(cfg),
		bus:      bus,
		audioDir: audioDir,
		baseCtx:  ctx,
		streams:  make(map[string]*Stream),
	}
}

// SetSynthesizer swaps the vendor client. Tests install fakes here.
func (b *Bridge) SetSynthesizer(s Synthesizer) { b.synth = s }

// Start subscribes to the session stream. A disabled bridge is a no-op.
func (b *Bridge) Start() error {
	if !b.cfg.Enabled {
		log.Printf("voice: disabled")
		return nil
	}
	ch, subID, err := b.bus.SubscribeChan(events.EventSSE, 512)
	if err != nil {
		return fmt.Errorf("voice: subscribe: %w", err)
	}
	b.subID = subID
	b.wg.Add(1)
	go b.loop(ch)
	log.Printf("voice: bridge started (endpoint %s)", b.cfg.Endpoint)
	return nil
}

// Close stops the bridge and aborts open utterances.
func (b *Bridge) Close() {
	if b.subID != "" {
		b.bus.Unsubscribe(b.subID)
	}

	b.mu.Lock()
	open := make([]*Stream, 0, len(b.streams))
	for _, st := range b.streams {
		open = append(open, st)
	}
	b.streams = make(map[string]*Stream)
	b.mu.Unlock()
	for _, st := range open {
		st.Abort()
	}
	b.wg.Wait()
}

func (b *Bridge) loop(ch <-chan events.Event) {
	defer b.wg.Done()
	for evt := range ch {
		b.handle(evt)
	}
}

func (b *Bridge) handle(evt events.Event) {
	sessionID, _ := evt.Payload["sessionId"].(string)
	inner, _ := evt.Payload["event"].(map[string]any)
	if sessionID == "" || inner == nil {
		return
	}
	typ, _ := inner["type"].(string)

	switch typ {
	case "content_block_start":
		block, _ := inner["content_block"].(map[string]any)
		if blockType, _ := block["type"].(string); blockType != "text" {
			return
		}
		b.open(sessionID)

	case "content_block_delta":
		delta, _ := inner["delta"].(map[string]any)
		if deltaType, _ := delta["type"].(string); deltaType != "text_delta" {
			return
		}
		text, _ := delta["text"].(string)
		if text == "" {
			return
		}
		if st := b.current(sessionID); st != nil {
			st.Feed(text)
		}

	case "message_stop":
		// Drain in the background; the stream stays registered so a
		// following abort can still discard its queue.
		if st := b.current(sessionID); st != nil {
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				st.End()
			}()
		}

	case "turn_stop":
		reason, _ := inner["stop_reason"].(string)
		st := b.take(sessionID)
		if st == nil {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if reason == "abort" || reason == "error" {
				st.Abort()
			} else {
				st.End()
			}
		}()
	}
}

// open starts a fresh utterance for the session, draining any previous
// one.
func (b *Bridge) open(sessionID string) {
	st := newStream(b.baseCtx, uuid.New().String(), sessionID, b.synth, b.bus, b.sampleRate(), b.audioDir)

	b.mu.Lock()
	prev := b.streams[sessionID]
	b.streams[sessionID] = st
	b.mu.Unlock()

	if prev != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			prev.End()
		}()
	}
}

func (b *Bridge) current(sessionID string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[sessionID]
}

func (b *Bridge) take(sessionID string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.streams[sessionID]
	delete(b.streams, sessionID)
	return st
}

func (b *Bridge) sampleRate() int {
	if b.cfg.SampleRate > 0 {
		return b.cfg.SampleRate
	}
	return 22050
}
