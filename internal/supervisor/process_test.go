// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudiahq/claudia/internal/config"
)

// shortPoll shrinks the liveness poll interval so watchdog-based tests
// finish quickly.
func shortPoll(t *testing.T) {
	t.Helper()
	old := attachPollInterval
	attachPollInterval = 20 * time.Millisecond
	t.Cleanup(func() { attachPollInterval = old })
}

func newTestProcess(t *testing.T, cfg config.SupervisedConfig) (*Process, string, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, cfg.Name+".log")
	pidFile := filepath.Join(dir, cfg.Name+".pid")

	logFile, err := openLogFile(logPath)
	require.NoError(t, err)
	t.Cleanup(func() { logFile.Close() })

	return NewProcess(cfg, logFile, logPath, pidFile), logPath, pidFile
}

func TestProcess_Start(t *testing.T) {
	cfg := config.SupervisedConfig{
		Name:    "test-service",
		Command: "echo",
		Args:    []string{"hello"},
		WorkDir: "/tmp",
	}

	proc, logPath, _ := newTestProcess(t, cfg)

	err := proc.Start()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !proc.Running() }, time.Second, 10*time.Millisecond)

	status := proc.Status()
	assert.Equal(t, StatusStopped, status.State)
	assert.Equal(t, 0, status.ExitCode)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[claudia] Starting: echo")
	assert.Contains(t, string(data), "hello")
}

func TestProcess_StartAlreadyRunning(t *testing.T) {
	cfg := config.SupervisedConfig{
		Name:    "test-service",
		Command: "sleep",
		Args:    []string{"10"},
	}

	proc, _, _ := newTestProcess(t, cfg)
	defer proc.Stop(context.Background())

	err := proc.Start()
	require.NoError(t, err)

	err = proc.Start()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestProcess_StartEmptyCommand(t *testing.T) {
	proc, _, _ := newTestProcess(t, config.SupervisedConfig{Name: "empty"})

	err := proc.Start()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "empty command")
}

func TestProcess_Stop(t *testing.T) {
	cfg := config.SupervisedConfig{
		Name:    "test-service",
		Command: "sleep",
		Args:    []string{"60"},
	}

	proc, _, _ := newTestProcess(t, cfg)

	err := proc.Start()
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	err = proc.Stop(context.Background())
	require.NoError(t, err)

	status := proc.Status()
	assert.Equal(t, StatusStopped, status.State)
}

func TestProcess_StopNotRunning(t *testing.T) {
	proc, _, _ := newTestProcess(t, config.SupervisedConfig{Name: "idle", Command: "echo"})

	// Stop without starting should be fine (idempotent)
	err := proc.Stop(context.Background())
	assert.NoError(t, err)
}

func TestProcess_CrashReportsExitCode(t *testing.T) {
	cfg := config.SupervisedConfig{
		Name:    "crasher",
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	}

	proc, _, _ := newTestProcess(t, cfg)

	var gotCode atomic.Int64
	var calls atomic.Int64
	proc.OnExit(func(code int) {
		gotCode.Store(int64(code))
		calls.Add(1)
	})

	require.NoError(t, proc.Start())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(3), gotCode.Load())
	status := proc.Status()
	assert.Equal(t, StatusCrashed, status.State)
	assert.Equal(t, 3, status.ExitCode)
}

func TestProcess_OnExitSkippedOnRequestedStop(t *testing.T) {
	cfg := config.SupervisedConfig{
		Name:    "stopper",
		Command: "sleep",
		Args:    []string{"60"},
	}

	proc, _, _ := newTestProcess(t, cfg)

	var calls atomic.Int64
	proc.OnExit(func(int) { calls.Add(1) })

	require.NoError(t, proc.Start())
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, proc.Stop(context.Background()))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, StatusStopped, proc.Status().State)
}

func TestProcess_PidFile(t *testing.T) {
	cfg := config.SupervisedConfig{
		Name:    "pidded",
		Command: "sleep",
		Args:    []string{"60"},
	}

	proc, _, pidFile := newTestProcess(t, cfg)

	require.NoError(t, proc.Start())
	defer proc.Stop(context.Background())

	status := proc.Status()
	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.Equal(t, status.PID, pid)

	require.NoError(t, proc.Stop(context.Background()))

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestProcess_AttachNoPidFile(t *testing.T) {
	proc, _, _ := newTestProcess(t, config.SupervisedConfig{Name: "orphanless", Command: "sleep"})

	attached, err := proc.Attach()
	require.NoError(t, err)
	assert.False(t, attached)
}

func TestProcess_AttachRejectsRecycledPid(t *testing.T) {
	// Our own pid is alive but runs the test binary, not the configured
	// command, so the pid file must be treated as stale.
	cfg := config.SupervisedConfig{Name: "stale", Command: "/usr/bin/some-service"}
	proc, _, pidFile := newTestProcess(t, cfg)

	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))

	attached, err := proc.Attach()
	require.NoError(t, err)
	assert.False(t, attached)

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "stale pid file should be removed")
}

func TestProcess_AttachAdoptsRunningProcess(t *testing.T) {
	shortPoll(t)

	// Simulate a service left behind by a previous supervisor run. Reap it
	// in the background: the watchdog only sees the exit once the zombie
	// is gone from the process table.
	external := exec.Command("sleep", "60")
	external.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, external.Start())
	reaped := make(chan struct{})
	go func() {
		external.Wait()
		close(reaped)
	}()
	t.Cleanup(func() {
		syscall.Kill(-external.Process.Pid, syscall.SIGKILL)
		<-reaped
	})

	cfg := config.SupervisedConfig{Name: "adopted", Command: "sleep"}
	proc, _, pidFile := newTestProcess(t, cfg)
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(external.Process.Pid)), 0o644))

	attached, err := proc.Attach()
	require.NoError(t, err)
	require.True(t, attached)

	status := proc.Status()
	assert.Equal(t, StatusRunning, status.State)
	assert.Equal(t, external.Process.Pid, status.PID)
	assert.True(t, status.Attached)

	// Stop signals the adopted group and the watchdog notices the exit
	require.NoError(t, proc.Stop(context.Background()))
	assert.Equal(t, StatusStopped, proc.Status().State)
}

func TestProcess_AttachedDisappearanceIsCrash(t *testing.T) {
	shortPoll(t)

	external := exec.Command("sleep", "60")
	external.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, external.Start())

	cfg := config.SupervisedConfig{Name: "vanisher", Command: "sleep"}
	proc, _, pidFile := newTestProcess(t, cfg)
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(external.Process.Pid)), 0o644))

	var calls atomic.Int64
	proc.OnExit(func(int) { calls.Add(1) })

	attached, err := proc.Attach()
	require.NoError(t, err)
	require.True(t, attached)

	// Kill behind the supervisor's back
	syscall.Kill(-external.Process.Pid, syscall.SIGKILL)
	external.Wait()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)

	status := proc.Status()
	assert.Equal(t, StatusCrashed, status.State)
	assert.Equal(t, -1, status.ExitCode)
}

func TestReadPidFile(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, 0, readPidFile(""))
	assert.Equal(t, 0, readPidFile(filepath.Join(dir, "missing.pid")))

	garbage := filepath.Join(dir, "garbage.pid")
	require.NoError(t, os.WriteFile(garbage, []byte("not-a-pid"), 0o644))
	assert.Equal(t, 0, readPidFile(garbage))

	valid := filepath.Join(dir, "valid.pid")
	require.NoError(t, os.WriteFile(valid, []byte(" 1234\n"), 0o644))
	assert.Equal(t, 1234, readPidFile(valid))
}

func TestExecutableMatches(t *testing.T) {
	tests := []struct {
		exe     string
		command string
		want    bool
	}{
		{"sleep", "sleep", true},
		{"sleep", "/bin/sleep", true},
		{"node", "/usr/local/bin/my-server.js", false},
		{"very-long-servi", "/opt/bin/very-long-service-name", true}, // comm truncation
		{"short", "/bin/other", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, executableMatches(tt.exe, tt.command), "%s vs %s", tt.exe, tt.command)
	}
}
