// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package exthost supervises out-of-process extensions. Each extension
// is a subprocess speaking line-delimited JSON frames on stdin/stdout;
// the host keeps it registered, restarts it with backoff when it dies,
// and routes calls in both directions.
package exthost

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
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/rpc"
)

// Extension states. A host reports "handling" while registered with
// requests in flight.
const (
	StateSpawning   = "spawning"
	StateRegistered = "registered"
	StateHandling   = "handling"
	StateDead       = "dead"
)

const (
	// registerTimeout bounds how long a freshly spawned process may stay
	// silent before the host recycles it.
	registerTimeout = 10 * time.Second

	// healthyRunThreshold resets the restart backoff: a process that
	// survived this long counts as a recovery, not a crash loop.
	healthyRunThreshold = 30 * time.Second
)

// CallFunc dispatches an extension-originated call into the core.
type CallFunc func(ctx context.Context, method string, params json.RawMessage, env rpc.Envelope) (json.RawMessage, error)

// EventFunc receives extension-originated events for bus fan-out.
type EventFunc func(event string, payload json.RawMessage, env rpc.Envelope)

// HostHooks connects a host to its surroundings. All fields are optional.
type HostHooks struct {
	OnCall     CallFunc
	OnEvent    EventFunc
	OnRegister func(h *Host, info *rpc.ExtensionInfo)
	OnExit     func(h *Host, err error)
}

// Status is the JSON-friendly view of one extension host.
type Status struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	State    string   `json:"state"`
	Methods  []string `json:"methods,omitempty"`
	Restarts int      `json:"restarts"`
}

// Host owns one extension subprocess. The run loop spawns, reads until
// exit, fails pending requests, and respawns with exponential backoff.
type Host struct {
	cfg   config.ExtensionConfig
	hooks HostHooks

	mu         sync.Mutex
	state      string
	info       *rpc.ExtensionInfo
	schemas    map[string]*jsonschema.Schema
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	pending    map[string]chan rpc.Frame
	registered chan struct{}
	restarts   int
	closed     bool

	stdinMu sync.Mutex
	baseCtx context.Context
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewHost prepares a host. Call Start to launch the process.
func NewHost(ctx context.Context, cfg config.ExtensionConfig, hooks HostHooks) *Host {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Host{
		cfg:        cfg,
		hooks:      hooks,
		state:      StateDead,
		pending:    make(map[string]chan rpc.Frame),
		registered: make(chan struct{}),
		baseCtx:    ctx,
		stopCh:     make(chan struct{}),
	}
}

// ID returns the configured extension id.
func (h *Host) ID() string { return h.cfg.ID }

// Start launches the supervision loop.
func (h *Host) Start() {
	h.wg.Add(1)
	go h.run()
}

// Close stops the supervision loop and kills the current process.
// Pending requests fail with ExtensionDied.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	cmd := h.cmd
	h.mu.Unlock()

	close(h.stopCh)
	killProcess(cmd)
	h.wg.Wait()
}

// Extension returns the registration info, nil before first register.
func (h *Host) Extension() *rpc.ExtensionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// Status reports the current state for introspection.
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Status{ID: h.cfg.ID, Name: h.cfg.Name, State: h.state, Restarts: h.restarts}
	if h.info != nil {
		st.Name = h.info.Name
		for _, m := range h.info.Methods {
			st.Methods = append(st.Methods, m.Name)
		}
	}
	if h.state == StateRegistered && len(h.pending) > 0 {
		st.State = StateHandling
	}
	return st
}

// ValidateInput checks params against the method's registered input
// schema. Methods without a schema accept anything.
func (h *Host) ValidateInput(method string, params json.RawMessage) error {
	h.mu.Lock()
	schema := h.schemas[method]
	h.mu.Unlock()
	if schema == nil {
		return nil
	}

	var value any
	if len(params) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(params, &value); err != nil {
		return rpc.E(rpc.KindInvalidParams, "params are not valid JSON: %v", err)
	}
	if err := schema.Validate(value); err != nil {
		return rpc.E(rpc.KindInvalidParams, "params rejected by %s schema: %v", method, err)
	}
	return nil
}

// Request sends a req frame and waits for the matching res. Callers get
// ExtensionRegisterFailed when the process never registers, and
// ExtensionDied when it exits with the request in flight.
func (h *Host) Request(ctx context.Context, method string, params json.RawMessage, env rpc.Envelope) (json.RawMessage, error) {
	if err := h.awaitRegistered(ctx); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	ch := make(chan rpc.Frame, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, rpc.E(rpc.KindExtensionDied, "extension %s is shut down", h.cfg.ID)
	}
	h.pending[id] = ch
	h.mu.Unlock()
	defer h.dropPending(id)

	frame := rpc.Frame{Type: rpc.TypeRequest, ID: id, Method: method, Params: params}
	frame.ApplyEnvelope(env)
	if err := h.send(frame); err != nil {
		return nil, rpc.Wrap(rpc.KindExtensionDied, err)
	}

	select {
	case res := <-ch:
		if res.Error != nil {
			return nil, res.Error
		}
		if !res.OK {
			return nil, rpc.E(rpc.KindExternalFailure, "extension %s sent a malformed response", h.cfg.ID)
		}
		return res.Payload, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, rpc.E(rpc.KindDeadlineExceeded, "call to %s.%s timed out", h.cfg.ID, method)
		}
		return nil, rpc.Wrap(rpc.KindCanceled, ctx.Err())
	case <-h.stopCh:
		return nil, rpc.E(rpc.KindExtensionDied, "extension %s is shutting down", h.cfg.ID)
	}
}

// SendEvent pushes a broadcast event frame. Fire and forget.
func (h *Host) SendEvent(event string, payload json.RawMessage, env rpc.Envelope) error {
	frame := rpc.Frame{Type: rpc.TypeEvent, Event: event, Payload: payload}
	frame.ApplyEnvelope(env)
	return h.send(frame)
}

// DeliverSource hands a source-routed event to the extension as a
// __sourceResponse request and waits for its acknowledgement.
func (h *Host) DeliverSource(ctx context.Context, source string, event any) error {
	params, err := json.Marshal(map[string]any{"source": source, "event": event})
	if err != nil {
		return fmt.Errorf("marshal source event: %w", err)
	}
	_, err = h.Request(ctx, "__sourceResponse", params, rpc.Envelope{Source: source})
	return err
}

// SubscribesTo reports whether the registered extension asked for this
// event name.
func (h *Host) SubscribesTo(match func(pattern, name string) bool, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.info == nil {
		return false
	}
	for _, pattern := range h.info.Events {
		if match(pattern, name) {
			return true
		}
	}
	return false
}

// RoutesSource reports whether the extension registered this source
// routing token.
func (h *Host) RoutesSource(source string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.info == nil || source == "" {
		return false
	}
	for _, route := range h.info.SourceRoutes {
		if route == source {
			return true
		}
	}
	return false
}

func (h *Host) awaitRegistered(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return rpc.E(rpc.KindExtensionDied, "extension %s is shut down", h.cfg.ID)
	}
	if h.state == StateRegistered {
		h.mu.Unlock()
		return nil
	}
	regCh := h.registered
	h.mu.Unlock()

	select {
	case <-regCh:
		return nil
	case <-time.After(registerTimeout):
		return rpc.E(rpc.KindExtensionRegisterFailed, "extension %s did not register", h.cfg.ID)
	case <-ctx.Done():
		return rpc.Wrap(rpc.KindCanceled, ctx.Err())
	case <-h.stopCh:
		return rpc.E(rpc.KindExtensionDied, "extension %s is shutting down", h.cfg.ID)
	}
}

// run is the supervision loop: spawn, read until exit, back off, repeat.
func (h *Host) run() {
	defer h.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = h.cfg.MaxBackoffDuration()
	bo.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := h.runOnce()
		if h.isStopped() {
			return
		}
		if time.Since(started) >= healthyRunThreshold {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		log.Printf("exthost [%s]: process exited: %v, restarting in %s", h.cfg.ID, err, wait.Round(time.Millisecond))
		select {
		case <-time.After(wait):
		case <-h.stopCh:
			return
		case <-h.baseCtx.Done():
			return
		}

		h.mu.Lock()
		h.restarts++
		h.mu.Unlock()
	}
}

func (h *Host) isStopped() bool {
	select {
	case <-h.stopCh:
		return true
	default:
	}
	return h.baseCtx.Err() != nil
}

// runOnce spawns the process and reads frames until it exits.
func (h *Host) runOnce() error {
	procCtx, cancel := context.WithCancel(h.baseCtx)
	defer cancel()

	args := append(append([]string{}, h.cfg.Args...), h.cfg.Path)
	cmd := exec.CommandContext(procCtx, h.cfg.Command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = h.buildEnv()

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", h.cfg.Command, err)
	}

	h.mu.Lock()
	h.state = StateSpawning
	h.cmd = cmd
	h.stdin = stdinPipe
	// Replace the registration channel only once a prior registration has
	// closed it; waiters from before the spawn hold the current channel.
	select {
	case <-h.registered:
		h.registered = make(chan struct{})
	default:
	}
	regCh := h.registered
	h.mu.Unlock()

	go h.drainStderr(stderrPipe)
	go h.registerWatchdog(regCh, procCtx, cmd)

	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		h.handleFrame(line)
	}

	waitErr := cmd.Wait()

	h.mu.Lock()
	h.state = StateDead
	h.cmd = nil
	h.stdin = nil
	h.mu.Unlock()

	h.failPending(rpc.E(rpc.KindExtensionDied, "extension %s died", h.cfg.ID))
	if h.hooks.OnExit != nil {
		h.hooks.OnExit(h, waitErr)
	}
	return waitErr
}

func (h *Host) buildEnv() []string {
	env := os.Environ()
	for k, v := range h.cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "CLAUDIA_EXTENSION_ID="+h.cfg.ID)
	if h.cfg.Config != nil {
		if data, err := json.Marshal(h.cfg.Config); err == nil {
			env = append(env, "CLAUDIA_EXTENSION_CONFIG="+string(data))
		}
	}
	return env
}

func (h *Host) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Printf("exthost [%s] stderr: %s", h.cfg.ID, scanner.Text())
	}
}

// registerWatchdog recycles a process that stays silent past the
// registration deadline.
func (h *Host) registerWatchdog(regCh <-chan struct{}, procCtx context.Context, cmd *exec.Cmd) {
	select {
	case <-regCh:
	case <-procCtx.Done():
	case <-time.After(registerTimeout):
		log.Printf("exthost [%s]: no register frame within %s, recycling", h.cfg.ID, registerTimeout)
		killProcess(cmd)
	}
}

// handleFrame dispatches one stdout line by frame type. Anything before
// register (other than register itself) is dropped.
func (h *Host) handleFrame(line []byte) {
	var frame rpc.Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		log.Printf("exthost [%s]: bad frame: %v", h.cfg.ID, err)
		return
	}

	if frame.Type != rpc.TypeRegister && !h.isRegistered() {
		log.Printf("exthost [%s]: dropping %q frame before register", h.cfg.ID, frame.Type)
		return
	}

	switch frame.Type {
	case rpc.TypeRegister:
		h.handleRegister(frame.Extension)
	case rpc.TypeEvent:
		if h.hooks.OnEvent != nil {
			h.hooks.OnEvent(frame.Event, frame.Payload, frame.Envelope())
		}
	case rpc.TypeResponse:
		h.deliverResponse(frame)
	case rpc.TypeCall:
		go h.handleCall(frame)
	default:
		log.Printf("exthost [%s]: unknown frame type %q", h.cfg.ID, frame.Type)
	}
}

func (h *Host) isRegistered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == StateRegistered
}

// handleRegister compiles method schemas and flips the host to
// registered. A duplicate register replaces prior state.
func (h *Host) handleRegister(info *rpc.ExtensionInfo) {
	if info == nil {
		log.Printf("exthost [%s]: register frame without extension body", h.cfg.ID)
		return
	}
	if info.ID != "" && info.ID != h.cfg.ID {
		log.Printf("exthost [%s]: register reports id %q, keeping configured id", h.cfg.ID, info.ID)
		info.ID = h.cfg.ID
	}
	if info.ID == "" {
		info.ID = h.cfg.ID
	}

	schemas, err := compileSchemas(h.cfg.ID, info.Methods)
	if err != nil {
		log.Printf("exthost [%s]: register failed: %v, recycling", h.cfg.ID, err)
		h.mu.Lock()
		cmd := h.cmd
		h.mu.Unlock()
		killProcess(cmd)
		return
	}

	h.mu.Lock()
	wasRegistered := h.state == StateRegistered
	h.info = info
	h.schemas = schemas
	h.state = StateRegistered
	regCh := h.registered
	h.mu.Unlock()

	if !wasRegistered {
		close(regCh)
	}
	if h.hooks.OnRegister != nil {
		h.hooks.OnRegister(h, info)
	}
	log.Printf("exthost [%s]: registered %d methods", h.cfg.ID, len(info.Methods))
}

func compileSchemas(extID string, methods []rpc.MethodInfo) (map[string]*jsonschema.Schema, error) {
	schemas := make(map[string]*jsonschema.Schema)
	for _, m := range methods {
		if len(m.InputSchema) == 0 {
			continue
		}
		var doc any
		if err := json.Unmarshal(m.InputSchema, &doc); err != nil {
			return nil, rpc.E(rpc.KindExtensionRegisterFailed, "method %s: schema is not valid JSON: %v", m.Name, err)
		}
		c := jsonschema.NewCompiler()
		url := fmt.Sprintf("ext://%s/%s.json", extID, m.Name)
		if err := c.AddResource(url, doc); err != nil {
			return nil, rpc.E(rpc.KindExtensionRegisterFailed, "method %s: %v", m.Name, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, rpc.E(rpc.KindExtensionRegisterFailed, "method %s: schema does not compile: %v", m.Name, err)
		}
		schemas[m.Name] = schema
	}
	return schemas, nil
}

func (h *Host) deliverResponse(frame rpc.Frame) {
	h.mu.Lock()
	ch := h.pending[frame.ID]
	delete(h.pending, frame.ID)
	h.mu.Unlock()
	if ch == nil {
		log.Printf("exthost [%s]: response for unknown request %s", h.cfg.ID, frame.ID)
		return
	}
	ch <- frame
}

// handleCall services an extension-originated call and replies with a
// call_res frame. The call runs one level deeper than the request the
// extension is servicing, so the cycle guard counts every hop.
func (h *Host) handleCall(frame rpc.Frame) {
	env := frame.Envelope().Child()
	reply := func(payload json.RawMessage, err error) {
		res := rpc.NewCallResult(frame.ID, payload, err)
		if sendErr := h.send(res); sendErr != nil {
			log.Printf("exthost [%s]: call_res %s: %v", h.cfg.ID, frame.ID, sendErr)
		}
	}

	if err := env.CheckDepth(); err != nil {
		reply(nil, err)
		return
	}
	if env.Expired(time.Now()) {
		reply(nil, rpc.E(rpc.KindDeadlineExceeded, "deadline passed before dispatch of %s", frame.Method))
		return
	}
	if h.hooks.OnCall == nil {
		reply(nil, rpc.E(rpc.KindNotSupported, "no call dispatcher attached"))
		return
	}

	ctx, cancel := env.Context(h.baseCtx)
	defer cancel()
	payload, err := h.hooks.OnCall(ctx, frame.Method, frame.Params, env)
	reply(payload, err)
}

func (h *Host) failPending(failure *rpc.Error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[string]chan rpc.Frame)
	h.mu.Unlock()

	for id, ch := range pending {
		ch <- rpc.Frame{Type: rpc.TypeResponse, ID: id, Error: failure}
	}
}

func (h *Host) dropPending(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

func (h *Host) send(frame rpc.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	h.mu.Lock()
	stdin := h.stdin
	h.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("extension %s has no running process", h.cfg.ID)
	}

	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	_, err = stdin.Write(append(data, '\n'))
	return err
}

func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}
