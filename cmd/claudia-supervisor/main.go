// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/supervisor"
	"github.com/claudiahq/claudia/internal/version"
)

func main() {
	var (
		configPath  string
		port        int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.IntVar(&port, "port", 0, "Dashboard port (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("claudia-supervisor %s\n", version.String())
		os.Exit(0)
	}

	if configPath == "" {
		loader := config.NewLoader()
		found, err := loader.FindConfig()
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		configPath = found
	}

	log.Printf("Using config: %s", configPath)

	loader := config.NewLoader()
	cfg, err := loader.LoadWithDefaults(context.Background(), configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if port > 0 {
		cfg.Supervisor.Port = port
	}

	mgr, err := supervisor.NewManager(cfg.Supervisor, cfg.Data.LogsDir())
	if err != nil {
		log.Fatalf("Failed to create supervisor: %v", err)
	}

	ctx := context.Background()
	if err := mgr.StartAll(ctx); err != nil {
		// The dashboard still serves; failed services show there and can
		// be restarted by hand.
		log.Printf("Warning: %v", err)
	}

	dashboard := supervisor.NewDashboard(mgr)
	addr := cfg.Supervisor.Host + ":" + strconv.Itoa(cfg.Supervisor.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: dashboard.Router(),
	}

	go func() {
		log.Printf("supervisor: dashboard on http://%s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Dashboard server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dashboard.Shutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down dashboard: %v", err)
	}

	// Supervised services are left running on purpose: the next
	// supervisor instance re-adopts them from their pid files. Stop them
	// from the dashboard before exiting when a full teardown is wanted.
	mgr.Close()
	log.Println("Shutdown complete")
}
