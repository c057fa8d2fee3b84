// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package supervisor keeps the platform's long-running development
// services alive: it starts them detached, restarts them with exponential
// backoff when they crash or fail health checks, rotates their log files,
// and re-adopts instances left running by a previous supervisor. A small
// web dashboard exposes status, logs, restarts, and terminal attach.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/claudiahq/claudia/internal/config"
)

const (
	healthInterval  = 5 * time.Second
	healthTimeout   = 2 * time.Second
	healthFailLimit = 3
	rotateInterval  = 30 * time.Second
)

// runner abstracts how a service is hosted: direct child process or tmux
// window.
type runner interface {
	Start() error
	Attach() (bool, error)
	Stop(ctx context.Context) error
	Status() ServiceStatus
	Running() bool
	Logs(n int) ([]string, error)
	OnExit(fn func(int))
}

// Manager supervises the configured services.
type Manager struct {
	cfg     config.SupervisorConfig
	logsDir string

	mu       sync.RWMutex
	services map[string]*managedService
	order    []string
	monitors bool
	closed   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type managedService struct {
	config       config.SupervisedConfig
	runner       runner
	logFile      *os.File // nil in tmux mode
	logPath      string   // empty in tmux mode
	backoff      *backoff.ExponentialBackOff
	restartCount int
	restartTimer *time.Timer // pending auto-restart timer
	healthy      *bool
}

// NewManager creates a manager for the given supervisor config. Log and
// pid files live under logsDir.
func NewManager(cfg config.SupervisorConfig, logsDir string) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		logsDir:  logsDir,
		services: make(map[string]*managedService),
		stopCh:   make(chan struct{}),
	}

	for _, sc := range cfg.Services {
		svc := &managedService{config: sc, backoff: newBackoff(sc)}
		if cfg.Tmux.Enabled {
			svc.runner = newTmuxRunner(sc, cfg.Tmux, realTmux{})
		} else {
			logPath := filepath.Join(logsDir, sc.Name+".log")
			logFile, err := openLogFile(logPath)
			if err != nil {
				m.closeLogs()
				return nil, fmt.Errorf("open log for %s: %w", sc.Name, err)
			}
			svc.logFile = logFile
			svc.logPath = logPath
			svc.runner = NewProcess(sc, logFile, logPath, filepath.Join(logsDir, sc.Name+".pid"))
		}
		m.services[sc.Name] = svc
		m.order = append(m.order, sc.Name)
	}

	return m, nil
}

func newBackoff(sc config.SupervisedConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sc.RestartDelayDuration()
	b.MaxInterval = sc.MaxBackoffDuration()
	b.MaxElapsedTime = 0 // the restart limit caps attempts, not elapsed time
	b.Reset()
	return b
}

// StartAll adopts or starts every configured service and begins health and
// log-rotation monitoring.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var errs []error
	for _, name := range names {
		m.mu.RLock()
		svc := m.services[name]
		m.mu.RUnlock()

		svc.runner.OnExit(func(exitCode int) {
			m.handleExit(name, exitCode)
		})

		attached, err := svc.runner.Attach()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if attached {
			log.Printf("supervisor: service %s re-attached (pid %d)", name, svc.runner.Status().PID)
			continue
		}

		if err := m.Start(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	m.startMonitors()

	if len(errs) > 0 {
		return fmt.Errorf("failed to start %d service(s): %v", len(errs), errs[0])
	}
	return nil
}

// Start starts a service by name. Starting a running service is a no-op.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}

	if svc.runner.Running() {
		m.mu.Unlock()
		return nil
	}

	// Cancel any pending auto-restart timer
	if svc.restartTimer != nil {
		svc.restartTimer.Stop()
		svc.restartTimer = nil
	}
	r := svc.runner
	m.mu.Unlock()

	r.OnExit(func(exitCode int) {
		m.handleExit(name, exitCode)
	})

	if err := r.Start(); err != nil {
		log.Printf("supervisor: service %s failed to start: %v", name, err)
		return err
	}

	log.Printf("supervisor: service %s started (pid %d)", name, r.Status().PID)
	return nil
}

// Stop stops a service by name.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}

	if svc.restartTimer != nil {
		svc.restartTimer.Stop()
		svc.restartTimer = nil
	}
	r := svc.runner
	m.mu.Unlock()

	return r.Stop(ctx)
}

// Restart restarts a service. A manual restart resets the backoff state so
// the operator is not made to wait out an accumulated delay.
func (m *Manager) Restart(ctx context.Context, name string, trigger RestartTrigger) error {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	if trigger == RestartManual {
		svc.restartCount = 0
		svc.backoff.Reset()
	}
	m.mu.Unlock()

	log.Printf("supervisor: restarting service %s (%s)", name, trigger)

	if err := m.Stop(ctx, name); err != nil {
		return err
	}
	return m.Start(ctx, name)
}

// StopAll stops all running services in parallel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	var names []string
	for name, svc := range m.services {
		if svc.runner.Running() {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, name := range names {
		n := name
		g.Go(func() error {
			if err := m.Stop(ctx, n); err != nil {
				return fmt.Errorf("%s: %w", n, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Status returns the status of a service.
func (m *Manager) Status(name string) (ServiceStatus, error) {
	m.mu.RLock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.RUnlock()
		return ServiceStatus{}, fmt.Errorf("service %q not found", name)
	}
	restartCount := svc.restartCount
	healthy := svc.healthy
	r := svc.runner
	m.mu.RUnlock()

	status := r.Status()
	status.RestartCount = restartCount
	status.Healthy = healthy
	return status, nil
}

// List returns the status of every service in config order.
func (m *Manager) List() []ServiceStatus {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	result := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		if status, err := m.Status(name); err == nil {
			result = append(result, status)
		}
	}
	return result
}

// Names returns the configured service names in config order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Logs returns the last lines of a service's output.
func (m *Manager) Logs(name string, lines int) ([]string, error) {
	m.mu.RLock()
	svc, ok := m.services[name]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("service %q not found", name)
	}
	return svc.runner.Logs(lines)
}

// TmuxTarget returns the tmux target of a service's window, or "" when
// tmux hosting is disabled.
func (m *Manager) TmuxTarget(name string) string {
	if !m.cfg.Tmux.Enabled {
		return ""
	}
	session := m.cfg.Tmux.Session
	if session == "" {
		session = "claudia"
	}
	return session + ":" + name
}

// Close stops restart timers and monitoring goroutines and releases log
// file handles. Supervised processes keep running; a later supervisor
// instance re-adopts them via their pid files or tmux windows.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, svc := range m.services {
		if svc.restartTimer != nil {
			svc.restartTimer.Stop()
			svc.restartTimer = nil
		}
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	m.closeLogs()
	m.mu.Unlock()
}

func (m *Manager) closeLogs() {
	for _, svc := range m.services {
		if svc.logFile != nil {
			svc.logFile.Close()
			svc.logFile = nil
		}
	}
}

// handleExit schedules a backoff restart after an unexpected exit. It is
// also re-entered by the restart timer when a start attempt itself fails,
// so a missing binary keeps retrying with growing delays until the limit.
func (m *Manager) handleExit(name string, exitCode int) {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}

	if svc.config.MaxRestarts > 0 && svc.restartCount >= svc.config.MaxRestarts {
		limit := svc.config.MaxRestarts
		m.mu.Unlock()
		log.Printf("supervisor: service %s exited (code %d); restart limit %d reached, giving up", name, exitCode, limit)
		return
	}

	svc.restartCount++
	attempt := svc.restartCount
	delay := svc.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = svc.config.MaxBackoffDuration()
	}

	if svc.restartTimer != nil {
		svc.restartTimer.Stop()
	}
	svc.restartTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		s, exists := m.services[name]
		if exists {
			s.restartTimer = nil
		}
		closed := m.closed
		m.mu.Unlock()
		if !exists || closed {
			return
		}
		if err := m.Start(context.Background(), name); err != nil {
			m.handleExit(name, -1)
		}
	})
	m.mu.Unlock()

	log.Printf("supervisor: service %s exited (code %d); restarting in %s (attempt %d)",
		name, exitCode, delay.Round(time.Millisecond), attempt)
}

// startMonitors launches the health check and log rotation goroutines.
// Idempotent.
func (m *Manager) startMonitors() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.monitors || m.closed {
		return
	}
	m.monitors = true

	for name, svc := range m.services {
		if svc.config.HealthURL != "" {
			m.wg.Add(1)
			go m.healthLoop(name, svc.config.HealthURL)
		}
	}

	m.wg.Add(1)
	go m.rotateLoop()
}

// healthLoop polls a service health endpoint and restarts the service
// after healthFailLimit consecutive failures.
func (m *Manager) healthLoop(name, url string) {
	defer m.wg.Done()

	client := &http.Client{Timeout: healthTimeout}
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		svc, ok := m.services[name]
		m.mu.RUnlock()
		if !ok {
			return
		}
		if !svc.runner.Running() {
			failures = 0
			m.setHealthy(name, nil)
			continue
		}

		if checkHealth(client, url) {
			failures = 0
			healthy := true
			m.setHealthy(name, &healthy)
			continue
		}

		failures++
		healthy := false
		m.setHealthy(name, &healthy)

		if failures >= healthFailLimit {
			failures = 0
			log.Printf("supervisor: service %s failed %d health checks, restarting", name, healthFailLimit)
			if err := m.Restart(context.Background(), name, RestartUnhealthy); err != nil {
				log.Printf("supervisor: restart %s: %v", name, err)
			}
		}
	}
}

func checkHealth(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (m *Manager) setHealthy(name string, v *bool) {
	m.mu.Lock()
	if svc, ok := m.services[name]; ok {
		svc.healthy = v
	}
	m.mu.Unlock()
}

// rotateLoop periodically rotates direct-mode service log files.
func (m *Manager) rotateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(rotateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		paths := make([]string, 0, len(m.services))
		for _, svc := range m.services {
			if svc.logPath != "" {
				paths = append(paths, svc.logPath)
			}
		}
		m.mu.RUnlock()

		for _, path := range paths {
			if err := rotateIfNeeded(path, maxLogSize, logBackups); err != nil {
				log.Printf("supervisor: rotate %s: %v", path, err)
			}
		}
	}
}
