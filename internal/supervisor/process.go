// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/claudiahq/claudia/internal/config"
)

const defaultStopTimeout = 10 * time.Second

// attachPollInterval is how often adopted processes and tmux windows are
// polled for liveness. A variable so tests can shorten it.
var attachPollInterval = 2 * time.Second

// Process manages a single supervised child process. Children are started
// in their own process group and are not tied to the supervisor's lifetime:
// they inherit the log file descriptor directly (no pipe through the
// supervisor), so when the supervisor exits they keep running and logging,
// and a later supervisor instance re-adopts them via Attach.
type Process struct {
	cfg     config.SupervisedConfig
	logw    *os.File // shared O_APPEND handle; also inherited by the child
	logPath string
	pidFile string

	mu            sync.RWMutex
	cmd           *exec.Cmd
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

// NewProcess creates a new process for the given service config. Output
// (stdout and stderr) is appended to logw, which must be opened O_APPEND.
func NewProcess(cfg config.SupervisedConfig, logw *os.File, logPath, pidFile string) *Process {
	return &Process{
		cfg:     cfg,
		logw:    logw,
		logPath: logPath,
		pidFile: pidFile,
		state:   StatusStopped,
	}
}

// Start starts the process as a child of the supervisor.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return fmt.Errorf("process already running")
	}

	if p.cfg.Command == "" {
		err := fmt.Errorf("service %s: empty command", p.cfg.Name)
		p.logf("Error: %v", err)
		return err
	}

	// Plain exec.Command, not CommandContext: the child must outlive the
	// supervisor so a restarted supervisor can re-attach to it.
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.WorkDir

	// New process group so Stop can signal children too, and so the
	// group survives the supervisor's own exit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cmd.Env = os.Environ()
	for k, v := range p.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// The child inherits the log file descriptor. Routing output through
	// the supervisor would close the pipe when the supervisor dies and
	// SIGPIPE the detached child on its next write.
	cmd.Stdout = p.logw
	cmd.Stderr = p.logw

	p.logf("Starting: %s %v (workdir: %s)", p.cfg.Command, p.cfg.Args, p.cfg.WorkDir)

	p.state = StatusStarting
	if err := cmd.Start(); err != nil {
		p.state = StatusStopped
		p.logf("Failed to start: %v", err)
		return fmt.Errorf("start process: %w", err)
	}

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.exitCode = 0
	p.isRunning = true
	p.attached = false
	p.state = StatusRunning
	p.waitDone = make(chan struct{})

	p.writePidFile(p.pid)

	go p.waitForExit()

	return nil
}

// Attach looks for a live instance left behind by a previous supervisor
// run (via the pid file) and adopts it. Returns false when no live
// instance was found. The exit code of an adopted process is unknowable
// (it is not our child), so an unexpected exit reports -1.
func (p *Process) Attach() (bool, error) {
	pid := readPidFile(p.pidFile)
	if pid <= 0 {
		return false, nil
	}

	proc, err := ps.FindProcess(pid)
	if err != nil || proc == nil {
		os.Remove(p.pidFile)
		return false, nil
	}
	if !executableMatches(proc.Executable(), p.cfg.Command) {
		// The pid was recycled by an unrelated process
		os.Remove(p.pidFile)
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return false, fmt.Errorf("process already running")
	}

	p.cmd = nil
	p.pid = pid
	p.exitCode = 0
	p.startedAt = time.Now()
	p.isRunning = true
	p.attached = true
	p.state = StatusRunning
	p.waitDone = make(chan struct{})

	p.logf("Attached to running process (pid %d)", pid)

	go p.watchAttached(pid)

	return true, nil
}

// Stop stops the process gracefully: SIGTERM to the process group, then
// SIGKILL after the stop timeout.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}

	p.state = StatusStopping
	p.stopRequested = true
	pid := p.pid
	waitDone := p.waitDone
	p.mu.Unlock()

	if pid <= 0 {
		return nil
	}

	// Signal the process group (negative PID) so children die too. The
	// group leader's pgid equals its pid because Start used Setpgid.
	syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-waitDone:
		// Process exited
	case <-time.After(defaultStopTimeout):
		syscall.Kill(-pid, syscall.SIGKILL)
		<-waitDone
	case <-ctx.Done():
		syscall.Kill(-pid, syscall.SIGKILL)
		<-waitDone
	}

	return nil
}

// Status returns the current process status.
func (p *Process) Status() ServiceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return ServiceStatus{
		Name:      p.cfg.Name,
		State:     p.state,
		PID:       p.pid,
		ExitCode:  p.exitCode,
		StartedAt: p.startedAt,
		StoppedAt: p.stoppedAt,
		Attached:  p.attached,
	}
}

// Running reports whether the process is currently running.
func (p *Process) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isRunning
}

// Logs returns the last n lines of the service log file.
func (p *Process) Logs(n int) ([]string, error) {
	return tailLines(p.logPath, n)
}

// OnExit sets a callback for when the process exits. The callback is not
// invoked when the exit was requested via Stop.
func (p *Process) OnExit(fn func(int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = fn
}

func (p *Process) waitForExit() {
	cmd := p.cmd
	err := cmd.Wait()

	p.mu.Lock()
	p.isRunning = false
	p.stoppedAt = time.Now()

	if err != nil {
		p.logf("Process exited with error: %v", err)
	} else {
		p.logf("Process exited cleanly")
	}
	wasStopRequested := p.stopRequested

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = exitErr.ExitCode()
			// A requested stop is a clean stop, not a crash
			if wasStopRequested {
				p.state = StatusStopped
			} else if p.exitCode != 0 {
				p.state = StatusCrashed
			} else {
				p.state = StatusStopped
			}
		} else {
			if wasStopRequested {
				p.state = StatusStopped
				p.exitCode = 0
			} else {
				p.state = StatusCrashed
				p.exitCode = -1
			}
		}
	} else {
		p.exitCode = 0
		p.state = StatusStopped
	}

	p.finishExit(wasStopRequested)
}

// watchAttached polls an adopted process until it disappears. A non-child
// cannot be waited on, so liveness comes from the process table.
func (p *Process) watchAttached(pid int) {
	ticker := time.NewTicker(attachPollInterval)
	defer ticker.Stop()

	for range ticker.C {
		proc, err := ps.FindProcess(pid)
		if err != nil || proc == nil {
			break
		}
	}

	p.mu.Lock()
	p.isRunning = false
	p.stoppedAt = time.Now()
	wasStopRequested := p.stopRequested

	if wasStopRequested {
		p.state = StatusStopped
		p.exitCode = 0
		p.logf("Attached process stopped (pid %d)", pid)
	} else {
		p.state = StatusCrashed
		p.exitCode = -1
		p.logf("Attached process disappeared (pid %d)", pid)
	}

	p.finishExit(wasStopRequested)
}

// finishExit completes the exit bookkeeping. Called with p.mu held;
// releases it.
func (p *Process) finishExit(wasStopRequested bool) {
	exitCode := p.exitCode
	onExit := p.onExit
	waitDone := p.waitDone
	p.cmd = nil
	p.pid = 0
	p.stopRequested = false
	p.attached = false
	p.mu.Unlock()

	p.removePidFile()

	close(waitDone)

	if onExit != nil && !wasStopRequested {
		onExit(exitCode)
	}
}

func (p *Process) writePidFile(pid int) {
	if p.pidFile == "" {
		return
	}
	if err := os.WriteFile(p.pidFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		p.logf("Failed to write pid file: %v", err)
	}
}

func (p *Process) removePidFile() {
	if p.pidFile == "" {
		return
	}
	os.Remove(p.pidFile)
}

func (p *Process) logf(format string, args ...interface{}) {
	if p.logw == nil {
		return
	}
	fmt.Fprintf(p.logw, "[claudia] "+format+"\n", args...)
}

// readPidFile returns the pid recorded in path, or 0 when absent or
// malformed.
func readPidFile(path string) int {
	if path == "" {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// executableMatches reports whether a process table executable name could
// belong to the configured command. On Linux the name comes from comm and
// is truncated to 15 characters. Interpreter-run commands (a script whose
// process shows as the interpreter) will not match and are treated as a
// stale pid, which costs a fresh start rather than adopting a stranger.
func executableMatches(exe, command string) bool {
	base := filepath.Base(command)
	if exe == base {
		return true
	}
	return len(exe) == 15 && strings.HasPrefix(base, exe)
}
