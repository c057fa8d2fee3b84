// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/claudiahq/claudia/internal/events"
	"github.com/claudiahq/claudia/internal/rpc"
)

// Session states reported in SessionInfo.
const (
	StateStarted = "started"
	StateClosed  = "closed"
)

// Interactive tools are arbitrated by the manager instead of reaching
// the client raw. The template is the auto-reply sent after message_stop;
// AskUserQuestion has none and is forwarded upstream instead.
var interactiveTools = map[string]string{
	"EnterPlanMode":   "Entered plan mode. Present a plan before making changes.",
	"ExitPlanMode":    "Plan approved. Proceed with the implementation.",
	"AskUserQuestion": "",
}

const toolAskUserQuestion = "AskUserQuestion"

// toolCall tracks one open interactive tool_use block while its input
// arrives as JSON deltas.
type toolCall struct {
	id    string
	name  string
	input string
}

// Session wraps one child agent process. The child is started lazily on
// the first prompt and owned solely by its reader goroutine; a
// generation counter keeps an abandoned reader from clobbering the
// state of its replacement.
type Session struct {
	mu      sync.Mutex
	stdinMu sync.Mutex // serializes stdin writes

	id             string
	externalID     string // child CLI conversation id, captured from its events
	cwd            string
	model          string
	systemPrompt   string
	effort         string
	thinking       bool
	permissionMode string
	command        string
	extraArgs      []string
	createdAt      time.Time

	closed       bool
	prompting    bool
	started      bool
	processGen   int
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	cancel       context.CancelFunc
	stopWriter   chan struct{}
	sendCh       chan []byte
	lastActivity time.Time
	lastNotified time.Time

	// Turn tracking for interrupt synthesis and tool arbitration.
	messageOpen  bool
	openBlocks   map[int]string    // index -> block type
	openTools    map[int]*toolCall // index -> interactive call being accumulated
	pendingTools []*toolCall

	journalPath string
	journalMu   sync.Mutex
	journalFile *os.File

	bus     events.Bus
	baseCtx context.Context
	notify  func(*Session, time.Time)
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ExternalID returns the child CLI conversation id, empty until the
// child reports one.
func (s *Session) ExternalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externalID
}

// Prompting reports whether a turn is in flight.
func (s *Session) Prompting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompting
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) reopen() {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
}

func (s *Session) info(staleWindow time.Duration) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := StateStarted
	if s.closed {
		state = StateClosed
	}
	return SessionInfo{
		ID:             s.id,
		ExternalID:     s.externalID,
		CWD:            s.cwd,
		Model:          s.model,
		PermissionMode: s.permissionMode,
		State:          state,
		Prompting:      s.prompting,
		ProcessRunning: s.started,
		Stale:          !s.closed && staleWindow > 0 && time.Since(s.lastActivity) > staleWindow,
		LastActivity:   s.lastActivity,
		CreatedAt:      s.createdAt,
	}
}

// Prompt enqueues a user turn. The reply arrives on the event bus;
// multiple turns share the long-lived child.
func (s *Session) Prompt(ctx context.Context, content string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return rpc.E(rpc.KindSessionClosed, "session %s is closed", s.id)
	}
	s.prompting = true
	s.mu.Unlock()

	if err := s.ensureProcess(); err != nil {
		s.mu.Lock()
		s.prompting = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	sid := s.externalID
	s.mu.Unlock()

	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": []map[string]any{{"type": "text", "text": content}},
		},
	}
	if sid != "" {
		msg["session_id"] = sid
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}

	select {
	case s.sendCh <- data:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.prompting = false
		s.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return rpc.Wrap(rpc.KindDeadlineExceeded, ctx.Err())
		}
		return rpc.Wrap(rpc.KindCanceled, ctx.Err())
	}
}

// SendToolResult answers an outstanding tool_use block. Returns false
// when no child is running to receive it.
func (s *Session) SendToolResult(toolUseID, content string, isError bool) bool {
	s.mu.Lock()
	running := s.started
	s.mu.Unlock()
	if !running {
		return false
	}

	type toolResultBlock struct {
		Type      string `json:"type"`
		ToolUseID string `json:"tool_use_id"`
		Content   string `json:"content"`
		IsError   bool   `json:"is_error"`
	}
	msg := struct {
		Type    string `json:"type"`
		Message struct {
			Role    string            `json:"role"`
			Content []toolResultBlock `json:"content"`
		} `json:"message"`
	}{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = []toolResultBlock{{
		Type:      "tool_result",
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case s.sendCh <- data:
		return true
	default:
		log.Printf("agent [%s]: send queue full, dropping tool result %s", s.id, toolUseID)
		return false
	}
}

// SetPermissionMode records the mode and switches the running child via
// a control message. A stopped child picks the mode up on next start.
func (s *Session) SetPermissionMode(mode string) {
	s.mu.Lock()
	s.permissionMode = mode
	running := s.started
	s.mu.Unlock()
	if !running {
		return
	}

	data, err := json.Marshal(map[string]any{
		"type":       "control_request",
		"request_id": uuid.New().String(),
		"request":    map[string]any{"subtype": "set_permission_mode", "mode": mode},
	})
	if err != nil {
		return
	}
	select {
	case s.sendCh <- data:
	default:
		log.Printf("agent [%s]: send queue full, dropping permission mode change", s.id)
	}
}

// Interrupt aborts the in-flight turn: the child is signaled, then stop
// events are synthesized for every open block and the enclosing message
// so clients observe a well-formed stream, ending with an abort
// turn_stop.
func (s *Session) Interrupt() {
	s.mu.Lock()
	wasPrompting := s.prompting
	s.prompting = false
	wasRunning := s.started
	stops := s.drainOpenLocked()
	s.killLocked()
	s.mu.Unlock()

	for _, evt := range stops {
		s.emit(evt)
	}
	if wasPrompting {
		s.emit(map[string]any{"type": "turn_stop", "stop_reason": "abort"})
	}
	if wasRunning {
		s.lifecycle(events.EventProcessEnded)
	}
}

// Close stops the process and marks the session closed. The record
// remains; a later prompt with a cwd resumes it.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	wasPrompting := s.prompting
	s.prompting = false
	wasRunning := s.started
	stops := s.drainOpenLocked()
	s.killLocked()
	s.closed = true
	s.mu.Unlock()

	for _, evt := range stops {
		s.emit(evt)
	}
	if wasPrompting {
		s.emit(map[string]any{"type": "turn_stop", "stop_reason": "abort"})
	}
	if wasRunning {
		s.lifecycle(events.EventProcessEnded)
	}
	s.closeJournal()
}

// Reset kills the process and discards the external conversation link
// so the next prompt starts fresh.
func (s *Session) Reset() {
	s.mu.Lock()
	wasRunning := s.started
	s.prompting = false
	s.externalID = ""
	s.drainOpenLocked()
	s.killLocked()
	s.mu.Unlock()

	if wasRunning {
		s.lifecycle(events.EventProcessEnded)
	}
}

// ensureProcess starts the child if it is not already running.
func (s *Session) ensureProcess() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	gen := s.processGen + 1
	s.processGen = gen
	command := s.command
	cwd := s.cwd
	resume := s.externalID
	args := s.buildArgsLocked()
	thinking := s.thinking
	s.mu.Unlock()

	cmdCtx, cancel := context.WithCancel(s.baseCtx)
	cmd := exec.CommandContext(cmdCtx, command, args...)
	cmd.Dir = cwd
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if !thinking {
		cmd.Env = append(os.Environ(), "MAX_THINKING_TOKENS=0")
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return rpc.External(fmt.Errorf("failed to start %s: %w", command, err))
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdinPipe
	s.cancel = cancel
	s.stopWriter = stop
	s.started = true
	s.mu.Unlock()

	go s.readLoop(stdoutPipe, cmd, gen)
	go s.writeLoop(stdinPipe, stop)

	if resume != "" {
		log.Printf("agent [%s]: resuming conversation %s", s.id, resume)
	}
	s.lifecycle(events.EventProcessStarted)
	return nil
}

func (s *Session) buildArgsLocked() []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
	if s.model != "" {
		args = append(args, "--model", s.model)
	}
	if s.permissionMode != "" {
		args = append(args, "--permission-mode", s.permissionMode)
	}
	if s.systemPrompt != "" {
		args = append(args, "--append-system-prompt", s.systemPrompt)
	}
	if s.effort != "" {
		args = append(args, "--effort", s.effort)
	}
	if s.externalID != "" {
		args = append(args, "--resume", s.externalID)
	}
	return append(args, s.extraArgs...)
}

// killLocked abandons the current process generation and signals its
// process group. Must be called with s.mu held.
func (s *Session) killLocked() {
	if !s.started {
		return
	}
	s.processGen++ // the old reader no longer owns this session
	if s.cmd != nil && s.cmd.Process != nil {
		syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.stopWriter != nil {
		close(s.stopWriter)
	}
	s.started = false
	s.stdin = nil
	s.cmd = nil
	s.cancel = nil
	s.stopWriter = nil
}

// writeLoop feeds queued stdin messages to one process generation.
func (s *Session) writeLoop(stdin io.WriteCloser, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg := <-s.sendCh:
			s.stdinMu.Lock()
			_, err := stdin.Write(append(msg, '\n'))
			s.stdinMu.Unlock()
			if err != nil {
				log.Printf("agent [%s]: stdin write: %v", s.id, err)
				return
			}
		}
	}
}

// readLoop reads NDJSON events from the child continuously. Only the
// reader whose generation is still current may clean up session state.
func (s *Session) readLoop(stdout io.Reader, cmd *exec.Cmd, gen int) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.mu.Lock()
		stale := s.processGen != gen
		s.mu.Unlock()
		if stale {
			break
		}

		s.handleLine(line)
	}

	waitErr := cmd.Wait()

	s.mu.Lock()
	if s.processGen != gen {
		// A deliberate kill or a newer process already took over.
		s.mu.Unlock()
		return
	}
	wasPrompting := s.prompting
	s.prompting = false
	s.started = false
	s.stdin = nil
	s.cmd = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.stopWriter != nil {
		close(s.stopWriter)
		s.stopWriter = nil
	}
	stops := s.drainOpenLocked()
	s.mu.Unlock()

	for _, evt := range stops {
		s.emit(evt)
	}
	if wasPrompting {
		s.emit(map[string]any{"type": "turn_stop", "stop_reason": "error"})
	}

	if waitErr == nil && !wasPrompting {
		s.lifecycle(events.EventProcessEnded)
	} else {
		log.Printf("agent [%s]: process died: %v", s.id, waitErr)
		s.lifecycle(events.EventProcessDied)
	}
}

// handleLine projects one child NDJSON line: track turn state, then
// republish. stream_event wrappers are unwrapped so subscribers see the
// flat message/block vocabulary.
func (s *Session) handleLine(line []byte) {
	s.stampActivity()

	if sid := gjson.GetBytes(line, "session_id").Str; sid != "" {
		s.mu.Lock()
		s.externalID = sid
		s.mu.Unlock()
	}

	var evt map[string]any
	if err := json.Unmarshal(line, &evt); err != nil {
		log.Printf("agent [%s]: bad NDJSON from child: %v", s.id, err)
		return
	}

	switch gjson.GetBytes(line, "type").Str {
	case "stream_event":
		inner := gjson.GetBytes(line, "event")
		s.trackStream(inner)
		if innerEvt, ok := evt["event"].(map[string]any); ok {
			s.emit(innerEvt)
		}
		if inner.Get("type").Str == "message_stop" {
			s.resolvePendingTools()
		}
	case "result":
		s.finishTurn(gjson.GetBytes(line, "is_error").Bool(), evt)
	default:
		s.emit(evt)
	}
}

// trackStream maintains the open-block set and interactive tool calls.
func (s *Session) trackStream(inner gjson.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := int(inner.Get("index").Int())
	switch inner.Get("type").Str {
	case "message_start":
		s.messageOpen = true

	case "message_stop":
		s.messageOpen = false

	case "content_block_start":
		if s.openBlocks == nil {
			s.openBlocks = make(map[int]string)
		}
		blockType := inner.Get("content_block.type").Str
		s.openBlocks[index] = blockType
		if blockType == "tool_use" {
			name := inner.Get("content_block.name").Str
			if _, interactive := interactiveTools[name]; interactive {
				if s.openTools == nil {
					s.openTools = make(map[int]*toolCall)
				}
				s.openTools[index] = &toolCall{
					id:   inner.Get("content_block.id").Str,
					name: name,
				}
			}
		}

	case "content_block_delta":
		if tc := s.openTools[index]; tc != nil {
			if inner.Get("delta.type").Str == "input_json_delta" {
				tc.input += inner.Get("delta.partial_json").Str
			}
		}

	case "content_block_stop":
		delete(s.openBlocks, index)
		if tc := s.openTools[index]; tc != nil {
			delete(s.openTools, index)
			s.pendingTools = append(s.pendingTools, tc)
		}
	}
}

// resolvePendingTools runs after message_stop: auto-reply interactive
// tools from their templates; forward AskUserQuestion upstream.
func (s *Session) resolvePendingTools() {
	s.mu.Lock()
	pending := s.pendingTools
	s.pendingTools = nil
	s.mu.Unlock()

	for _, tc := range pending {
		if tc.name == toolAskUserQuestion {
			s.publish(events.EventRequestToolResults, map[string]any{
				"sessionId": s.id,
				"toolUseId": tc.id,
				"name":      tc.name,
				"input":     tc.input,
			})
			continue
		}
		template := interactiveTools[tc.name]
		if !s.SendToolResult(tc.id, template, false) {
			log.Printf("agent [%s]: failed to auto-reply %s for %s", s.id, tc.name, tc.id)
		}
	}
}

// finishTurn handles the child's result event: republish it, close the
// turn, and terminate the stream with a turn_stop.
func (s *Session) finishTurn(isError bool, evt map[string]any) {
	s.mu.Lock()
	s.prompting = false
	s.messageOpen = false
	s.openBlocks = nil
	s.openTools = nil
	s.pendingTools = nil
	s.mu.Unlock()

	s.emit(evt)

	stopReason := "end_turn"
	if isError {
		stopReason = "error"
	}
	s.emit(map[string]any{"type": "turn_stop", "stop_reason": stopReason})
}

// drainOpenLocked synthesizes stop events for whatever is still open,
// lowest block index first, then the message. Must be called with s.mu
// held; turn state is cleared.
func (s *Session) drainOpenLocked() []map[string]any {
	var stops []map[string]any

	indexes := make([]int, 0, len(s.openBlocks))
	for idx := range s.openBlocks {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		stops = append(stops, map[string]any{"type": "content_block_stop", "index": idx})
	}
	if s.messageOpen {
		stops = append(stops, map[string]any{"type": "message_stop"})
	}

	s.openBlocks = nil
	s.openTools = nil
	s.pendingTools = nil
	s.messageOpen = false
	return stops
}

// emit journals an event and republishes it on the bus.
func (s *Session) emit(evt map[string]any) {
	s.journalAppend(evt)
	s.publish(events.EventSSE, map[string]any{"sessionId": s.id, "event": evt})
}

func (s *Session) lifecycle(eventType string) {
	s.publish(eventType, map[string]any{"sessionId": s.id})
}

func (s *Session) publish(eventType string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(s.baseCtx, events.Event{
		Type:    eventType,
		Source:  "agent",
		Payload: payload,
	}); err != nil {
		log.Printf("agent [%s]: publish %s: %v", s.id, eventType, err)
	}
}

func (s *Session) stampActivity() {
	now := time.Now()
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
	if s.notify != nil {
		s.notify(s, now)
	}
}
