// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package voice turns streaming session text into audio. A sentence
// chunker segments text deltas, a cleaner strips markup the synthesizer
// would read aloud, and a per-utterance stream forwards synthesized
// chunks to the originating client.
package voice

import (
	"regexp"
	"strings"
)

// boundary marks the end of a sentence: terminal punctuation followed
// by whitespace, or a paragraph break.
var boundary = regexp.MustCompile(`[.!?]+\s|\n\s*\n`)

// Chunker accumulates streamed text and yields completed sentences.
// Feeding the same text in any split produces the same sentences.
type Chunker struct {
	buf strings.Builder
}

// Feed appends text and returns the sentences completed by it, in
// order. Incomplete trailing text stays buffered.
func (c *Chunker) Feed(text string) []string {
	if text == "" {
		return nil
	}
	c.buf.WriteString(text)

	pending := c.buf.String()
	locs := boundary.FindAllStringIndex(pending, -1)
	if len(locs) == 0 {
		return nil
	}

	var sentences []string
	start := 0
	for _, loc := range locs {
		sentence := strings.TrimSpace(pending[start:loc[1]])
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = loc[1]
	}

	c.buf.Reset()
	c.buf.WriteString(pending[start:])
	return sentences
}

// Flush returns whatever is buffered, trimmed, and resets the chunker.
// An empty string means nothing was pending.
func (c *Chunker) Flush() string {
	rest := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return rest
}

var (
	fencedCode   = regexp.MustCompile("(?s)```.*?```")
	danglingCode = regexp.MustCompile("(?s)```.*$")
	inlineCode   = regexp.MustCompile("`[^`]*`")
	mdLink       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdHeader     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdEmphasis   = regexp.MustCompile(`[*_]{1,3}([^*_]+)[*_]{1,3}`)
	listLine     = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+.*$`)
	urlToken     = regexp.MustCompile(`https?://\S+`)
	pathToken    = regexp.MustCompile(`(?:^|\s)(?:~|\.{0,2})/[^\s]+`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Clean strips markup a synthesizer would otherwise read aloud: code,
// markdown syntax, URLs, file paths, list lines, and emoji. The result
// is single-line with collapsed whitespace.
func Clean(sentence string) string {
	s := fencedCode.ReplaceAllString(sentence, " ")
	s = danglingCode.ReplaceAllString(s, " ")
	s = inlineCode.ReplaceAllString(s, " ")
	s = listLine.ReplaceAllString(s, " ")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdHeader.ReplaceAllString(s, "")
	s = mdEmphasis.ReplaceAllString(s, "$1")
	s = urlToken.ReplaceAllString(s, " ")
	s = pathToken.ReplaceAllString(s, " ")
	s = stripEmoji(s)
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func stripEmoji(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isEmoji(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF: // pictographs, transport, supplemental
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r == 0xFE0F || r == 0x200D: // variation selector, ZWJ
		return true
	case r >= 0x2B00 && r <= 0x2BFF: // arrows and stars
		return true
	}
	return false
}
