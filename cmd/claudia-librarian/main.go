// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/librarian"
	"github.com/claudiahq/claudia/internal/store"
	"github.com/claudiahq/claudia/internal/version"
	"github.com/claudiahq/claudia/pkg/client"
)

func main() {
	var (
		configPath  string
		gatewayURL  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&gatewayURL, "gateway", "", "Gateway WebSocket URL (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("claudia-librarian %s\n", version.String())
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
	if gatewayURL != "" {
		cfg.Librarian.Gateway = gatewayURL
	}

	ctx := context.Background()

	// The library repository receives the notes the agent writes.
	arch := librarian.NewGitArchiver(cfg.Librarian.LibraryDir)
	if err := arch.EnsureRepo(ctx); err != nil {
		log.Fatalf("Failed to prepare library repository: %v", err)
	}
	log.Printf("Library repository: %s", cfg.Librarian.LibraryDir)

	// The worker shares the gateway's store; sqlite WAL mode serializes
	// the two processes.
	st, err := store.Open(cfg.Data.StorePath())
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	cl, err := client.Dial(ctx, cfg.Librarian.Gateway)
	if err != nil {
		log.Fatalf("Failed to connect to gateway at %s: %v", cfg.Librarian.Gateway, err)
	}
	defer cl.Close()
	log.Printf("Connected to gateway: %s", cfg.Librarian.Gateway)

	worker := librarian.NewWorker(st, cl, arch, cfg.Librarian)
	if err := worker.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down...", sig)

	worker.Stop()
	log.Println("Shutdown complete")
}
