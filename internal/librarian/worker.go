// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package librarian drains the conversation queue: each queued
// conversation is replayed into a dedicated agent session that distills
// it into library notes, which are then committed to the library
// repository. One worker runs per deployment; the processing status row
// doubles as its lock.
package librarian

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/events"
	"github.com/claudiahq/claudia/internal/store"
	"github.com/claudiahq/claudia/pkg/client"
)

const defaultSystemPrompt = `You are the librarian for this machine's coding sessions. You maintain a
long-term memory library in the current directory: plain markdown notes
about projects, decisions, fixes, and user preferences.

Read the conversation transcript below. Record anything worth keeping by
creating or updating notes in the library, then reply with exactly one
final line:

  SUMMARY: <one sentence describing what you recorded>

or, when the conversation contains nothing worth keeping:

  SKIP: <short reason>`

// Store is the slice of the conversation store the worker touches.
type Store interface {
	CountProcessing(ctx context.Context) (int, error)
	ClaimOldestQueued(ctx context.Context) (*store.Conversation, error)
	ListEntriesBetween(ctx context.Context, fileKey string, from, to time.Time) ([]store.Entry, error)
	RecentArchived(ctx context.Context, fileKey string, n int) ([]store.Conversation, error)
	MarkConversationArchived(ctx context.Context, id, summary, filesWritten string) error
	MarkConversationSkipped(ctx context.Context, id, reason string) error
	RequeueConversation(ctx context.Context, id string) error
}

// Gateway is the slice of the RPC client the worker uses for its agent
// sessions.
type Gateway interface {
	GetOrCreateWorkspace(ctx context.Context, cwd string) (*client.Workspace, error)
	CreateSession(ctx context.Context, workspaceID, title string) (*client.Session, error)
	PromptIn(ctx context.Context, sessionID, content, cwd string) error
	CloseSession(ctx context.Context, sessionID string) error
	Subscribe(ctx context.Context, patterns ...string) (<-chan client.Event, error)
}

// Worker polls the queue and processes one conversation at a time.
type Worker struct {
	store Store
	gw    Gateway
	arch  Archiver
	cfg   config.LibrarianConfig

	interval     time.Duration
	replyTimeout time.Duration

	sseCh    chan client.Event
	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker wires a worker against an opened store, a dialed gateway
// client, and the library archiver. Call Start to begin polling.
func NewWorker(st Store, gw Gateway, arch Archiver, cfg config.LibrarianConfig) *Worker {
	return &Worker{
		store:        st,
		gw:           gw,
		arch:         arch,
		cfg:          cfg,
		interval:     cfg.IntervalDuration(),
		replyTimeout: cfg.ReplyTimeoutDuration(),
		sseCh:        make(chan client.Event, 256),
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// Start subscribes to the gateway stream and begins the polling loop.
func (w *Worker) Start(ctx context.Context) error {
	evts, err := w.gw.Subscribe(ctx, events.EventSSE, events.EventLibrarianWake)
	if err != nil {
		return fmt.Errorf("librarian: subscribe: %w", err)
	}

	w.wg.Add(2)
	go w.pump(evts)
	go w.run(ctx)
	return nil
}

// Stop signals the worker and waits for the current job to let go. Safe
// to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Wake cancels the current idle sleep. Coalesces when one is pending.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// pump fans the shared subscription out: wake signals cut sleeps short,
// session stream events feed the reply watcher. Stream events are
// dropped when no job is draining them. Exits on stop without waiting
// for the client to close the subscription.
func (w *Worker) pump(evts <-chan client.Event) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case evt, ok := <-evts:
			if !ok {
				close(w.sseCh)
				return
			}
			switch evt.Name {
			case events.EventLibrarianWake:
				w.Wake()
			case events.EventSSE:
				select {
				case w.sseCh <- evt:
				default:
				}
			}
		}
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	log.Printf("librarian: worker started (interval %s, library %s)", w.interval, w.cfg.LibraryDir)

	for {
		select {
		case <-w.stopCh:
			log.Printf("librarian: worker stopped")
			return
		case <-ctx.Done():
			log.Printf("librarian: context canceled, worker stopped")
			return
		default:
			w.poll(ctx)
		}
	}
}

// poll claims and processes one conversation, or sleeps when there is
// nothing to do. A processing row left by another (or crashed) worker
// parks this one until the row is recovered.
func (w *Worker) poll(ctx context.Context) {
	busy, err := w.store.CountProcessing(ctx)
	if err != nil {
		log.Printf("librarian: count processing: %v", err)
		w.sleep(time.Second)
		return
	}
	if busy > 0 {
		w.sleep(w.interval)
		return
	}

	conv, err := w.store.ClaimOldestQueued(ctx)
	if errors.Is(err, store.ErrNotFound) {
		w.sleep(w.interval)
		return
	}
	if err != nil {
		log.Printf("librarian: claim: %v", err)
		w.sleep(time.Second)
		return
	}

	if err := w.process(ctx, conv); err != nil {
		log.Printf("librarian: conversation %s: %v; requeued", conv.ID, err)
		if rqErr := w.store.RequeueConversation(context.Background(), conv.ID); rqErr != nil {
			log.Printf("librarian: requeue %s: %v", conv.ID, rqErr)
		}
		w.sleep(time.Second)
	}
}

// process runs one claimed conversation to a terminal status. A returned
// error means the conversation is still marked processing and the caller
// must requeue it.
func (w *Worker) process(ctx context.Context, conv *store.Conversation) error {
	entries, err := w.store.ListEntriesBetween(ctx, conv.SourceFile, conv.FirstMessageAt, conv.LastMessageAt)
	if err != nil {
		return fmt.Errorf("load entries: %w", err)
	}

	if len(entries) == 0 {
		log.Printf("librarian: conversation %s skipped: no entries found", conv.ID)
		return w.store.MarkConversationSkipped(ctx, conv.ID, "no entries found")
	}
	if len(entries) < w.cfg.MinEntries {
		reason := fmt.Sprintf("too few entries (%d < %d)", len(entries), w.cfg.MinEntries)
		log.Printf("librarian: conversation %s skipped: %s", conv.ID, reason)
		return w.store.MarkConversationSkipped(ctx, conv.ID, reason)
	}

	transcript := formatTranscript(entries)
	if len(transcript) > w.cfg.MaxTranscriptBytes {
		reason := fmt.Sprintf("transcript too large (%d bytes, ceiling %d)", len(transcript), w.cfg.MaxTranscriptBytes)
		log.Printf("librarian: conversation %s skipped: %s", conv.ID, reason)
		return w.store.MarkConversationSkipped(ctx, conv.ID, reason)
	}

	recent, err := w.store.RecentArchived(ctx, conv.SourceFile, w.cfg.ContextConversations)
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}

	systemPrompt := w.cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	prompt := buildPrompt(systemPrompt, transcript, recent)

	reply, err := w.runSession(ctx, conv.ID, prompt)
	if err != nil {
		return err
	}

	v := parseReply(reply)
	if v.Skip {
		log.Printf("librarian: conversation %s skipped by agent: %s", conv.ID, v.Reason)
		return w.store.MarkConversationSkipped(ctx, conv.ID, v.Reason)
	}

	files, err := w.arch.Commit(ctx, conv.ID, v.Summary)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	log.Printf("librarian: conversation %s archived (%d files): %s", conv.ID, len(files), v.Summary)
	return w.store.MarkConversationArchived(ctx, conv.ID, v.Summary, strings.Join(files, "\n"))
}

// runSession opens a fresh agent session in the library workspace, sends
// the prompt, and waits for the reply. The session is always closed,
// reply or not.
func (w *Worker) runSession(ctx context.Context, conversationID, prompt string) (string, error) {
	ws, err := w.gw.GetOrCreateWorkspace(ctx, w.cfg.Workspace)
	if err != nil {
		return "", fmt.Errorf("library workspace: %w", err)
	}

	sess, err := w.gw.CreateSession(ctx, ws.ID, "librarian: "+conversationID)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer func() {
		if err := w.gw.CloseSession(context.Background(), sess.ID); err != nil {
			log.Printf("librarian: close session %s: %v", sess.ID, err)
		}
	}()

	if err := w.gw.PromptIn(ctx, sess.ID, prompt, ws.CWD); err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}

	reply, err := w.awaitReply(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", errors.New("empty reply")
	}
	return reply, nil
}

// awaitReply watches the session stream for this session's turn to
// finish. The result event's text wins; accumulated deltas stand in when
// the result carries none.
func (w *Worker) awaitReply(ctx context.Context, sessionID string) (string, error) {
	timer := time.NewTimer(w.replyTimeout)
	defer timer.Stop()

	var deltas strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-w.stopCh:
			return "", errors.New("worker stopped")
		case <-timer.C:
			return "", fmt.Errorf("no reply within %s", w.replyTimeout)
		case evt, ok := <-w.sseCh:
			if !ok {
				return "", errors.New("event stream closed")
			}
			if gjson.GetBytes(evt.Payload, "sessionId").Str != sessionID {
				continue
			}
			inner := gjson.GetBytes(evt.Payload, "event")
			switch inner.Get("type").Str {
			case "content_block_delta":
				if delta := inner.Get("delta"); delta.Get("type").Str == "text_delta" {
					deltas.WriteString(delta.Get("text").Str)
				}
			case "result":
				if text := inner.Get("result").Str; text != "" {
					return text, nil
				}
			case "turn_stop":
				if inner.Get("stop_reason").Str == "error" {
					return "", errors.New("agent turn failed")
				}
				return deltas.String(), nil
			}
		}
	}
}

// sleep waits for d, a wake signal, or stop, whichever comes first.
func (w *Worker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stopCh:
	case <-timer.C:
	case <-w.wakeCh:
	}
}
