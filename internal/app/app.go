// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the gateway process together: configuration, the
// embedded store, the event bus, agent sessions, extension hosts, the
// ingestion pipeline, the transcript watcher, the voice bridge, and
// the WebSocket server.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/claudiahq/claudia/internal/agent"
	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/events"
	"github.com/claudiahq/claudia/internal/exthost"
	"github.com/claudiahq/claudia/internal/gateway"
	"github.com/claudiahq/claudia/internal/ingest"
	"github.com/claudiahq/claudia/internal/store"
	"github.com/claudiahq/claudia/internal/voice"
	"github.com/claudiahq/claudia/internal/watcher"
)

// shutdownGrace bounds how long Shutdown waits for components to drain.
const shutdownGrace = 10 * time.Second

// App is the gateway process container.
type App struct {
	mu sync.RWMutex

	version string
	config  *config.Config

	// baseCtx spans Initialize to Shutdown; canceling it stops the
	// background ingestion loops.
	baseCtx context.Context
	cancel  context.CancelFunc

	store       *store.Store
	bus         events.Bus
	agents      *agent.Manager
	extensions  *exthost.Manager
	dispatcher  *gateway.Dispatcher
	pipeline    *ingest.Pipeline
	logWatcher  *watcher.LogWatcher
	voiceBridge *voice.Bridge
	server      *gateway.Server

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options holds configuration options for the app.
type Options struct {
	ConfigPath string
	Host       string
	Port       int
	DataDir    string
	Version    string
}

// New loads configuration and creates the App.
func New(opts Options) (*App, error) {
	app := &App{
		version: opts.Version,
		done:    make(chan struct{}),
	}

	loader := config.NewLoader()
	cfg, err := loader.LoadWithDefaults(context.Background(), opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.config = cfg

	// Command-line overrides
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
	}
	if opts.DataDir != "" {
		cfg.Data.Dir = config.ExpandPath(opts.DataDir)
	}

	app.bus = events.NewMemoryBus(events.MemoryBusConfig{})

	return app, nil
}

// Config exposes the effective configuration after overrides.
func (app *App) Config() *config.Config {
	return app.config
}

// Initialize sets up all components.
func (app *App) Initialize(ctx context.Context) error {
	cfg := app.config

	app.baseCtx, app.cancel = context.WithCancel(context.Background())

	for _, dir := range []string{cfg.Data.Dir, cfg.Data.SessionsDir(), cfg.Data.AudioDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	st, err := store.Open(cfg.Data.StorePath())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	app.store = st
	log.Printf("Opened store: %s", cfg.Data.StorePath())

	// Agent session manager; session activity stamps flow into the store.
	app.agents = agent.NewManager(app.baseCtx, cfg.Agent, app.bus, cfg.Data.SessionsDir())
	app.agents.OnActivity = func(sessionID string, at time.Time) {
		if err := st.TouchSessionActivity(app.baseCtx, sessionID, at); err != nil {
			log.Printf("Warning: failed to record session activity: %v", err)
		}
	}

	// Extension hosts and method dispatch are wired both ways:
	// extension-qualified methods resolve through the manager, and
	// extension-originated calls come back through the dispatcher.
	app.extensions = exthost.NewManager(app.baseCtx, cfg.Extensions, app.bus)
	app.dispatcher = gateway.NewDispatcher(app.extensions)
	if err := gateway.RegisterCore(app.dispatcher, gateway.CoreDeps{
		Store:      app.store,
		Agent:      app.agents,
		Extensions: app.extensions,
		Bus:        app.bus,
		QueueBatch: cfg.Librarian.BatchSize,
	}); err != nil {
		return fmt.Errorf("failed to register core methods: %w", err)
	}
	app.extensions.SetCallFunc(app.dispatcher.DispatchRaw)

	// Ingestion over the external transcript tree
	app.pipeline = ingest.NewPipeline(app.store, ingest.ClaudeParser{}, app.bus, cfg.Logs)
	if len(cfg.Logs.BaseDirs) > 0 {
		lw, err := watcher.NewLogWatcher(app.pipeline, cfg.Logs.BaseDirs, cfg.Logs.DebounceDuration())
		if err != nil {
			log.Printf("Warning: failed to create log watcher: %v", err)
		} else {
			app.logWatcher = lw
		}
	} else {
		log.Printf("No log base directories configured, ingestion watcher disabled")
	}

	app.voiceBridge = voice.NewBridge(app.baseCtx, cfg.Voice, app.bus, cfg.Data.AudioDir())

	app.server = gateway.NewServer(app.baseCtx, cfg.Server, app.dispatcher, app.bus, app.version)

	return nil
}

// Start starts all components.
func (app *App) Start(ctx context.Context) error {
	// Recovery must run before anything can touch the affected rows.
	if err := app.pipeline.RecoverOnStartup(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted ingestion: %w", err)
	}

	if err := app.extensions.Start(); err != nil {
		return fmt.Errorf("failed to start extensions: %w", err)
	}

	if app.logWatcher != nil {
		if err := app.logWatcher.Start(app.baseCtx); err != nil {
			log.Printf("Warning: failed to start log watcher: %v", err)
		}
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.pipeline.PromoteLoop(app.baseCtx)
	}()

	// Initial scan catches transcript writes from while the gateway was
	// down. Runs after the watcher so nothing falls in the gap.
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.pipeline.ScanAll(app.baseCtx); err != nil {
			log.Printf("Warning: initial transcript scan failed: %v", err)
		}
	}()

	if err := app.voiceBridge.Start(); err != nil {
		log.Printf("Warning: failed to start voice bridge: %v", err)
	}

	// Start gateway server in background
	go func() {
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Gateway server error: %v", err)
		}
	}()

	return nil
}

// Run starts the app and blocks until shutdown.
func (app *App) Run(ctx context.Context) error {
	if err := app.Initialize(ctx); err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		return err
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case <-ctx.Done():
		log.Printf("Context cancelled, shutting down...")
	case <-app.done:
		log.Printf("Shutdown requested...")
	}

	return app.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components in reverse start order.
func (app *App) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	// Stop accepting connections first
	if app.server != nil {
		if err := app.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down gateway server: %v", err)
		}
	}

	if app.voiceBridge != nil {
		app.voiceBridge.Close()
	}

	if app.logWatcher != nil {
		if err := app.logWatcher.Close(); err != nil {
			log.Printf("Error closing log watcher: %v", err)
		}
	}

	if app.extensions != nil {
		app.extensions.Close()
	}

	if app.agents != nil {
		app.agents.CloseAll()
	}

	// Stop the promote and scan loops
	if app.cancel != nil {
		app.cancel()
	}
	app.wg.Wait()

	if app.bus != nil {
		app.bus.Close()
	}

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}

	log.Println("Shutdown complete")
	return nil
}

// Stop signals the app to shut down. Safe to call multiple times.
func (app *App) Stop() {
	app.stopOnce.Do(func() {
		close(app.done)
	})
}
