// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudiahq/claudia/internal/config"
)

func newTestManager(t *testing.T, services ...config.SupervisedConfig) *Manager {
	t.Helper()

	mgr, err := NewManager(config.SupervisorConfig{Services: services}, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		mgr.StopAll(context.Background())
		mgr.Close()
	})
	return mgr
}

func TestManager_New(t *testing.T) {
	mgr := newTestManager(t,
		config.SupervisedConfig{Name: "api", Command: "echo", Args: []string{"api"}},
		config.SupervisedConfig{Name: "worker", Command: "echo", Args: []string{"worker"}},
	)

	list := mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "api", list[0].Name)
	assert.Equal(t, "worker", list[1].Name)
	assert.Equal(t, []string{"api", "worker"}, mgr.Names())
}

func TestManager_StartStop(t *testing.T) {
	mgr := newTestManager(t,
		config.SupervisedConfig{Name: "svc", Command: "sleep", Args: []string{"60"}},
	)

	require.NoError(t, mgr.Start(context.Background(), "svc"))

	status, err := mgr.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status.State)
	assert.NotZero(t, status.PID)

	require.NoError(t, mgr.Stop(context.Background(), "svc"))

	status, err = mgr.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status.State)
}

func TestManager_Start_NotFound(t *testing.T) {
	mgr := newTestManager(t)

	err := mgr.Start(context.Background(), "nonexistent")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestManager_Status_NotFound(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.Status("nonexistent")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestManager_Logs(t *testing.T) {
	mgr := newTestManager(t,
		config.SupervisedConfig{Name: "talker", Command: "echo", Args: []string{"important output"}},
	)

	require.NoError(t, mgr.Start(context.Background(), "talker"))

	require.Eventually(t, func() bool {
		lines, err := mgr.Logs("talker", 50)
		if err != nil {
			return false
		}
		return strings.Contains(strings.Join(lines, "\n"), "important output")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestManager_CrashRestartHonorsLimit(t *testing.T) {
	mgr := newTestManager(t, config.SupervisedConfig{
		Name:         "crasher",
		Command:      "sh",
		Args:         []string{"-c", "exit 1"},
		MaxRestarts:  3,
		RestartDelay: "10ms",
		MaxBackoff:   "50ms",
	})

	require.NoError(t, mgr.Start(context.Background(), "crasher"))

	require.Eventually(t, func() bool {
		status, err := mgr.Status("crasher")
		return err == nil && status.RestartCount == 3 && status.State == StatusCrashed
	}, 5*time.Second, 20*time.Millisecond)

	// The limit holds: no further attempts
	time.Sleep(200 * time.Millisecond)
	status, err := mgr.Status("crasher")
	require.NoError(t, err)
	assert.Equal(t, 3, status.RestartCount)
	assert.Equal(t, StatusCrashed, status.State)
}

func TestManager_ManualRestartResetsBackoff(t *testing.T) {
	mgr := newTestManager(t, config.SupervisedConfig{
		Name:         "svc",
		Command:      "sleep",
		Args:         []string{"60"},
		RestartDelay: "10ms",
	})

	require.NoError(t, mgr.Start(context.Background(), "svc"))

	mgr.mu.Lock()
	mgr.services["svc"].restartCount = 5
	mgr.mu.Unlock()

	require.NoError(t, mgr.Restart(context.Background(), "svc", RestartManual))

	status, err := mgr.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, 0, status.RestartCount)
	assert.Equal(t, StatusRunning, status.State)
}

func TestManager_StartAll(t *testing.T) {
	mgr := newTestManager(t,
		config.SupervisedConfig{Name: "one", Command: "echo", Args: []string{"one"}},
		config.SupervisedConfig{Name: "two", Command: "echo", Args: []string{"two"}},
	)

	require.NoError(t, mgr.StartAll(context.Background()))

	require.Eventually(t, func() bool {
		for _, name := range []string{"one", "two"} {
			lines, err := mgr.Logs(name, 10)
			if err != nil || !strings.Contains(strings.Join(lines, "\n"), name) {
				return false
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestManager_StartAllReattaches(t *testing.T) {
	shortPoll(t)

	logsDir := t.TempDir()

	// A service instance from a previous supervisor run
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

	pidFile := filepath.Join(logsDir, "lingering.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(external.Process.Pid)), 0o644))

	mgr, err := NewManager(config.SupervisorConfig{
		Services: []config.SupervisedConfig{{Name: "lingering", Command: "sleep", Args: []string{"60"}}},
	}, logsDir)
	require.NoError(t, err)
	t.Cleanup(func() {
		mgr.StopAll(context.Background())
		mgr.Close()
	})

	require.NoError(t, mgr.StartAll(context.Background()))

	status, err := mgr.Status("lingering")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status.State)
	assert.True(t, status.Attached)
	assert.Equal(t, external.Process.Pid, status.PID)
}

func TestManager_TmuxTarget(t *testing.T) {
	mgr := newTestManager(t, config.SupervisedConfig{Name: "svc", Command: "echo"})
	assert.Empty(t, mgr.TmuxTarget("svc"))

	tmuxMgr, err := NewManager(config.SupervisorConfig{
		Tmux:     config.TmuxConfig{Enabled: true, Session: "dev"},
		Services: []config.SupervisedConfig{{Name: "svc", Command: "echo"}},
	}, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(tmuxMgr.Close)

	assert.Equal(t, "dev:svc", tmuxMgr.TmuxTarget("svc"))
}

func TestNewBackoff(t *testing.T) {
	sc := config.SupervisedConfig{RestartDelay: "100ms", MaxBackoff: "1s"}
	b := newBackoff(sc)

	// The first delay starts near the configured initial interval
	// (the backoff library randomizes within ±50%)
	first := b.NextBackOff()
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)
	assert.LessOrEqual(t, first, 150*time.Millisecond)

	// Delays grow but stay near the cap
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.NextBackOff()
	}
	assert.LessOrEqual(t, last, 1500*time.Millisecond)

	b.Reset()
	again := b.NextBackOff()
	assert.LessOrEqual(t, again, 150*time.Millisecond)
}

func TestCheckHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer unhealthy.Close()

	client := &http.Client{Timeout: time.Second}
	assert.True(t, checkHealth(client, healthy.URL))
	assert.False(t, checkHealth(client, unhealthy.URL))

	unhealthy.Close()
	assert.False(t, checkHealth(client, unhealthy.URL))
}
