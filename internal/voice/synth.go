// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/claudiahq/claudia/internal/config"
)

// doneFallback bounds the wait for the vendor's final-chunk signal
// after the flush frame goes out.
const doneFallback = 10 * time.Second

// Synthesizer turns one sentence into PCM chunks.
type Synthesizer interface {
	Synthesize(ctx context.Context, sentence string) ([][]byte, error)
}

// StreamSynth speaks the vendor's streaming WebSocket protocol: a BOS
// frame carrying voice settings and the api key, one text frame, then a
// flush frame; audio arrives as base64 PCM until the final marker.
type StreamSynth struct {
	cfg config.VoiceConfig
}

func NewStreamSynth(cfg config.VoiceConfig) *StreamSynth {
	return &StreamSynth{cfg: cfg}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// bosFrame opens a synthesis stream.
type bosFrame struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	APIKey        string         `json:"xi_api_key,omitempty"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

type textFrame struct {
	Text string `json:"text"`
}

type audioFrame struct {
	Audio   string `json:"audio"` // base64 PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// endpoint substitutes the configured voice into the URL. A {voice}
// placeholder is replaced; otherwise the URL is used as-is.
func (s *StreamSynth) endpoint() string {
	return strings.ReplaceAll(s.cfg.Endpoint, "{voice}", s.cfg.Voice)
}

// Synthesize runs one sentence through a dedicated connection and
// returns the PCM chunks in arrival order. After the flush frame it
// waits at most doneFallback for the final marker and returns whatever
// audio arrived.
func (s *StreamSynth) Synthesize(ctx context.Context, sentence string) ([][]byte, error) {
	conn, _, err := websocket.Dial(ctx, s.endpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("voice: dial %s: %w", s.endpoint(), err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	write := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return conn.Write(ctx, websocket.MessageText, data)
	}

	// The vendor requires a non-empty first text value.
	bos := bosFrame{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		APIKey:        s.cfg.APIKey,
		OutputFormat:  s.cfg.OutputFormat,
	}
	if err := write(bos); err != nil {
		return nil, fmt.Errorf("voice: send bos: %w", err)
	}
	if err := write(textFrame{Text: sentence + " "}); err != nil {
		return nil, fmt.Errorf("voice: send text: %w", err)
	}
	// An empty text frame flushes and ends the stream.
	if err := write(textFrame{}); err != nil {
		return nil, fmt.Errorf("voice: send flush: %w", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, doneFallback)
	defer cancel()

	var chunks [][]byte
	for {
		_, data, err := conn.Read(readCtx)
		if err != nil {
			// The fallback window elapsed or the vendor hung up.
			// Audio already received still plays.
			if len(chunks) > 0 {
				return chunks, nil
			}
			return nil, fmt.Errorf("voice: read audio: %w", err)
		}

		var frame audioFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err == nil && len(pcm) > 0 {
				chunks = append(chunks, pcm)
			}
		}
		if frame.IsFinal {
			return chunks, nil
		}
	}
}
