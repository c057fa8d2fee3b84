// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/claudiahq/claudia/internal/config"
)

const tmuxCommandTimeout = 5 * time.Second

// tmuxExecutor abstracts tmux invocation so runner tests can fake it.
type tmuxExecutor interface {
	HasSession(ctx context.Context, session string) bool
	NewSession(ctx context.Context, session, windowName, shell string) error
	SetOption(ctx context.Context, session, name, value string) error
	HasWindow(ctx context.Context, session, window string) bool
	NewWindow(ctx context.Context, session, window, workdir string, env map[string]string, command []string) error
	KillWindow(ctx context.Context, session, window string) error
	SendKeys(ctx context.Context, target, keys string) error
	PanePID(ctx context.Context, target string) (int, error)
	CapturePane(ctx context.Context, target string, lines int) ([]string, error)
}

// realTmux shells out to the tmux binary.
type realTmux struct{}

func (realTmux) HasSession(ctx context.Context, session string) bool {
	cmd := exec.CommandContext(ctx, "tmux", "has-session", "-t", session)
	return cmd.Run() == nil
}

func (realTmux) NewSession(ctx context.Context, session, windowName, shell string) error {
	args := []string{"new-session", "-d", "-s", session}
	if windowName != "" {
		args = append(args, "-n", windowName)
	}
	if shell != "" {
		args = append(args, shell)
	}

	cmd := exec.CommandContext(ctx, "tmux", args...)
	// Ensure we're not inside another tmux session
	cmd.Env = filterTMUXEnv(os.Environ())

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tmux new-session failed: %s: %v", stderr.String(), err)
	}
	return nil
}

func (realTmux) SetOption(ctx context.Context, session, name, value string) error {
	cmd := exec.CommandContext(ctx, "tmux", "set-option", "-t", session, name, value)
	return cmd.Run()
}

func (realTmux) HasWindow(ctx context.Context, session, window string) bool {
	cmd := exec.CommandContext(ctx, "tmux", "list-windows", "-t", session, "-F", "#{window_name}")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(output), "\n") {
		if strings.TrimSpace(line) == window {
			return true
		}
	}
	return false
}

func (realTmux) NewWindow(ctx context.Context, session, window, workdir string, env map[string]string, command []string) error {
	args := []string{"new-window", "-d", "-t", session, "-n", window}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, command...)

	cmd := exec.CommandContext(ctx, "tmux", args...)
	cmd.Env = filterTMUXEnv(os.Environ())

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tmux new-window failed: %s: %v", stderr.String(), err)
	}
	return nil
}

func (realTmux) KillWindow(ctx context.Context, session, window string) error {
	cmd := exec.CommandContext(ctx, "tmux", "kill-window", "-t", session+":"+window)
	return cmd.Run()
}

func (realTmux) SendKeys(ctx context.Context, target, keys string) error {
	cmd := exec.CommandContext(ctx, "tmux", "send-keys", "-t", target, keys)
	return cmd.Run()
}

func (realTmux) PanePID(ctx context.Context, target string) (int, error) {
	cmd := exec.CommandContext(ctx, "tmux", "display-message", "-t", target, "-p", "#{pane_pid}")
	output, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(output)))
}

func (realTmux) CapturePane(ctx context.Context, target string, lines int) ([]string, error) {
	cmd := exec.CommandContext(ctx, "tmux", "capture-pane", "-p", "-t", target, "-S", "-"+strconv.Itoa(lines))
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	raw := strings.Split(strings.TrimRight(string(output), "\n"), "\n")
	if len(raw) > lines {
		raw = raw[len(raw)-lines:]
	}
	return raw, nil
}

// filterTMUXEnv filters out the TMUX environment variable.
func filterTMUXEnv(env []string) []string {
	result := make([]string, 0, len(env))
	for _, e := range env {
		if !strings.HasPrefix(e, "TMUX=") {
			result = append(result, e)
		}
	}
	return result
}

// tmuxRunner hosts a service inside a window of a shared tmux session. The
// window runs the service command directly (no wrapping shell), so the
// window lives exactly as long as the service and window existence is the
// liveness signal. The exit code of a tmux-hosted service is unknowable,
// so an unexpected exit reports -1.
type tmuxRunner struct {
	cfg     config.SupervisedConfig
	tmuxCfg config.TmuxConfig
	session string
	tmux    tmuxExecutor

	mu            sync.RWMutex
	state         ProcessState
	pid           int
	exitCode      int
	startedAt     time.Time
	stoppedAt     time.Time
	stopRequested bool
	attached      bool
	isRunning     bool

	onExit   func(int)
	waitDone chan struct{}
}

func newTmuxRunner(cfg config.SupervisedConfig, tmuxCfg config.TmuxConfig, exec tmuxExecutor) *tmuxRunner {
	session := tmuxCfg.Session
	if session == "" {
		session = "claudia"
	}
	return &tmuxRunner{
		cfg:     cfg,
		tmuxCfg: tmuxCfg,
		session: session,
		tmux:    exec,
		state:   StatusStopped,
	}
}

func (r *tmuxRunner) target() string {
	return r.session + ":" + r.cfg.Name
}

// Start creates the service window, creating the shared session first when
// needed.
func (r *tmuxRunner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return fmt.Errorf("service already running")
	}
	if r.cfg.Command == "" {
		return fmt.Errorf("service %s: empty command", r.cfg.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), tmuxCommandTimeout)
	defer cancel()

	if !r.tmux.HasSession(ctx, r.session) {
		if err := r.tmux.NewSession(ctx, r.session, "shell", r.tmuxCfg.Shell); err != nil {
			return err
		}
		if r.tmuxCfg.HistoryLimit > 0 {
			r.tmux.SetOption(ctx, r.session, "history-limit", strconv.Itoa(r.tmuxCfg.HistoryLimit))
		}
	}
	if r.tmux.HasWindow(ctx, r.session, r.cfg.Name) {
		return fmt.Errorf("tmux window %s already exists", r.target())
	}

	command := append([]string{r.cfg.Command}, r.cfg.Args...)
	if err := r.tmux.NewWindow(ctx, r.session, r.cfg.Name, r.cfg.WorkDir, r.cfg.Env, command); err != nil {
		return err
	}

	// Best effort: the window may already be gone if the command exited
	// immediately; the watcher reports that as a crash.
	pid, err := r.tmux.PanePID(ctx, r.target())
	if err != nil {
		pid = 0
	}

	r.pid = pid
	r.exitCode = 0
	r.startedAt = time.Now()
	r.isRunning = true
	r.attached = false
	r.state = StatusRunning
	r.waitDone = make(chan struct{})

	go r.watch()

	return nil
}

// Attach adopts an existing service window left behind by a previous
// supervisor run. Returns false when the window does not exist.
func (r *tmuxRunner) Attach() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxCommandTimeout)
	defer cancel()

	if !r.tmux.HasSession(ctx, r.session) || !r.tmux.HasWindow(ctx, r.session, r.cfg.Name) {
		return false, nil
	}
	pid, err := r.tmux.PanePID(ctx, r.target())
	if err != nil {
		pid = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return false, fmt.Errorf("service already running")
	}

	r.pid = pid
	r.exitCode = 0
	r.startedAt = time.Now()
	r.isRunning = true
	r.attached = true
	r.state = StatusRunning
	r.waitDone = make(chan struct{})

	go r.watch()

	return true, nil
}

// Stop interrupts the service (C-c to the pane), then kills the window
// after the stop timeout.
func (r *tmuxRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.state = StatusStopping
	r.stopRequested = true
	waitDone := r.waitDone
	r.mu.Unlock()

	sctx, cancel := context.WithTimeout(context.Background(), tmuxCommandTimeout)
	r.tmux.SendKeys(sctx, r.target(), "C-c")
	cancel()

	select {
	case <-waitDone:
		// Window closed
	case <-time.After(defaultStopTimeout):
		r.killWindow()
		<-waitDone
	case <-ctx.Done():
		r.killWindow()
		<-waitDone
	}

	return nil
}

func (r *tmuxRunner) killWindow() {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxCommandTimeout)
	defer cancel()
	r.tmux.KillWindow(ctx, r.session, r.cfg.Name)
}

// Status returns the current service status.
func (r *tmuxRunner) Status() ServiceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return ServiceStatus{
		Name:      r.cfg.Name,
		State:     r.state,
		PID:       r.pid,
		ExitCode:  r.exitCode,
		StartedAt: r.startedAt,
		StoppedAt: r.stoppedAt,
		Attached:  r.attached,
	}
}

// Running reports whether the service is currently running.
func (r *tmuxRunner) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isRunning
}

// Logs returns the last n lines of the pane, scrollback included.
func (r *tmuxRunner) Logs(n int) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxCommandTimeout)
	defer cancel()

	if !r.tmux.HasWindow(ctx, r.session, r.cfg.Name) {
		return nil, fmt.Errorf("no tmux window for service %s", r.cfg.Name)
	}
	return r.tmux.CapturePane(ctx, r.target(), n)
}

// OnExit sets a callback for when the service exits. The callback is not
// invoked when the exit was requested via Stop.
func (r *tmuxRunner) OnExit(fn func(int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExit = fn
}

// watch polls the window until it disappears.
func (r *tmuxRunner) watch() {
	ticker := time.NewTicker(attachPollInterval)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), tmuxCommandTimeout)
		alive := r.tmux.HasWindow(ctx, r.session, r.cfg.Name)
		cancel()
		if !alive {
			break
		}
	}

	r.mu.Lock()
	r.isRunning = false
	r.stoppedAt = time.Now()
	wasStopRequested := r.stopRequested

	if wasStopRequested {
		r.state = StatusStopped
		r.exitCode = 0
	} else {
		r.state = StatusCrashed
		r.exitCode = -1
	}

	exitCode := r.exitCode
	onExit := r.onExit
	waitDone := r.waitDone
	r.pid = 0
	r.stopRequested = false
	r.attached = false
	r.mu.Unlock()

	close(waitDone)

	if onExit != nil && !wasStopRequested {
		onExit(exitCode)
	}
}
