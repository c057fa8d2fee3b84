// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/claudiahq/claudia/internal/app"
	"github.com/claudiahq/claudia/internal/config"
	"github.com/claudiahq/claudia/internal/version"
)

func main() {
	// Check for subcommands before flag parsing
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Parse flags
	var (
		configPath  string
		host        string
		port        int
		dataDir     string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "Gateway host (overrides config)")
	flag.IntVar(&port, "port", 0, "Gateway port (overrides config)")
	flag.StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("claudia %s\n", version.String())
		os.Exit(0)
	}

	// Find config file if not specified
	if configPath == "" {
		loader := config.NewLoader()
		found, err := loader.FindConfig()
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		configPath = found
	}

	log.Printf("Using config: %s", configPath)

	// Create and run app
	application, err := app.New(app.Options{
		ConfigPath: configPath,
		Host:       host,
		Port:       port,
		DataDir:    dataDir,
		Version:    version.String(),
	})
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	ctx := context.Background()
	if err := application.Run(ctx); err != nil {
		log.Fatalf("App error: %v", err)
	}
}

// runInit handles the "claudia init" command
func runInit() error {
	// Parse init-specific flags
	initFlags := flag.NewFlagSet("init", flag.ExitOnError)
	showHelp := initFlags.Bool("help", false, "Show help for init command")
	initFlags.BoolVar(showHelp, "h", false, "Show help for init command")
	initFlags.Parse(os.Args[2:])

	if *showHelp {
		fmt.Println(`Usage: claudia init [options]

Create a new claudia.hjson configuration file in the current directory.

This command walks you through setting up a Claudia configuration with
interactive prompts. The generated file is fully commented to help you
understand and customize all available options.

Options:
  -h, -help    Show this help message

The command will ask about:
  - Project name (defaults to current directory name)
  - Gateway port (defaults to 8200)
  - Data directory (defaults to ~/.claudia)
  - Agent transcript directory to ingest
  - Whether to enable spoken replies (voice)
  - Whether the supervisor should manage the gateway and librarian

Examples:
  claudia init              Create config with interactive prompts
  cd myproject && claudia init

After running init:
  1. Review and edit claudia.hjson as needed
  2. Run: claudia
  3. Connect a client to: ws://localhost:8200/ws`)
		return nil
	}

	configFile := "claudia.hjson"

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("%s already exists; remove it first or use a different directory", configFile)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Claudia Configuration Setup")
	fmt.Println("============================")
	fmt.Println()
	fmt.Println("This will create a claudia.hjson configuration file in the current directory.")
	fmt.Println("Press Enter to accept defaults shown in [brackets].")
	fmt.Println()

	// Get current directory name as default project name
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	defaultName := filepath.Base(cwd)

	// Question 1: Project name
	projectName := prompt(reader, "Project name", defaultName)

	// Question 2: Gateway port
	portStr := prompt(reader, "Gateway port", "8200")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 8200
	}

	// Question 3: Data directory
	dataDir := prompt(reader, "Data directory", "~/.claudia")

	// Question 4: Transcript directory
	fmt.Println()
	fmt.Println("Claudia ingests the session transcripts your agent CLI writes on disk.")
	transcriptDir := prompt(reader, "Agent transcript directory", "~/.claude")

	// Question 5: Voice
	fmt.Println()
	voiceAnswer := prompt(reader, "Enable spoken replies via a streaming TTS vendor? (y/n)", "n")
	voiceEnabled := strings.ToLower(voiceAnswer) == "y"

	// Question 6: Supervisor
	fmt.Println()
	fmt.Println("The supervisor (claudia-supervisor) keeps the gateway and librarian")
	fmt.Println("running, restarts them on crashes, and serves a status dashboard.")
	superAnswer := prompt(reader, "Generate supervisor entries for both processes? (y/n)", "y")
	superEnabled := strings.ToLower(superAnswer) == "y"

	// Generate the config file
	configContent := generateConfig(projectName, port, dataDir, transcriptDir, voiceEnabled, superEnabled)

	// Write the file
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Println()
	fmt.Printf("Created %s\n", configFile)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and edit claudia.hjson as needed")
	if superEnabled {
		fmt.Println("  2. Run: claudia-supervisor")
		fmt.Println("  3. Open the dashboard: http://localhost:8210")
	} else {
		fmt.Println("  2. Run: claudia")
		fmt.Println("  3. Connect a client to: ws://localhost:" + strconv.Itoa(port) + "/ws")
	}
	fmt.Println()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

// escapeHJSONValue escapes a string for safe inclusion in an HJSON double-quoted value.
func escapeHJSONValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func generateConfig(projectName string, port int, dataDir, transcriptDir string, voiceEnabled, superEnabled bool) string {
	var sb strings.Builder

	sb.WriteString(`{
  // =============================================================================
  // Claudia Configuration
  // =============================================================================
  //
  // This is an HJSON file (JSON with comments and relaxed syntax).
  // All three claudia binaries (claudia, claudia-librarian,
  // claudia-supervisor) read this one file.

  // ---------------------------------------------------------------------------
  // Project Metadata
  // ---------------------------------------------------------------------------
  project: {
    // Display name for this deployment
    name: "`)
	sb.WriteString(escapeHJSONValue(projectName))
	sb.WriteString(`"
  }

  // ---------------------------------------------------------------------------
  // Gateway Server
  // ---------------------------------------------------------------------------
  server: {
    // Host to bind to (use "0.0.0.0" to allow remote access)
    host: "127.0.0.1"

    // WebSocket RPC port (clients connect to ws://host:port/ws)
    port: `)
	sb.WriteString(strconv.Itoa(port))
	sb.WriteString(`

    // For HTTPS/WSS, uncomment and set paths to your certificates:
    // tls_cert: "~/.claudia/cert.pem"
    // tls_key: "~/.claudia/key.pem"

    // Or fetch certificates from the local tailscale daemon:
    // tls_tailscale: true
  }

  // ---------------------------------------------------------------------------
  // Data Directory
  // ---------------------------------------------------------------------------
  //
  // Holds the embedded store, per-session journals, saved audio, service
  // logs, and (by default) the library repository.
  data: {
    dir: "`)
	sb.WriteString(escapeHJSONValue(dataDir))
	sb.WriteString(`"
  }

  // ---------------------------------------------------------------------------
  // Transcript Ingestion
  // ---------------------------------------------------------------------------
  //
  // Claudia watches the agent CLI's transcript tree and ingests finished
  // conversations into the store, where the librarian picks them up.
  logs: {
    // Roots of the transcript tree
    base_dirs: ["`)
	sb.WriteString(escapeHJSONValue(transcriptDir))
	sb.WriteString(`"]

    // Subtree name treated as a log source
    pattern: "projects"

    // Idle gap that closes a conversation
    gap_minutes: 10

    // Conversation bounds: longer conversations split at the nearest
    // user turn
    max_entries: 200
    max_bytes: 81920

    // Watcher debounce and readiness promotion poll
    debounce: "500ms"
    poll_interval: "1m"
  }

  // ---------------------------------------------------------------------------
  // Agent Sessions
  // ---------------------------------------------------------------------------
  //
  // Each gateway session runs the agent CLI as a child process in
  // streaming mode.
  agent: {
    command: "claude"

    // Extra arguments appended to every launch
    // args: ["--verbose"]

    // model: "opus"
    // effort: "high"
    // thinking: true

    // Tool permission mode: default, plan, acceptEdits, bypassPermissions
    permission_mode: "default"

    // Window without events before a session reports stale
    stale_after: "5m"
  }

  // ---------------------------------------------------------------------------
  // Extensions
  // ---------------------------------------------------------------------------
  //
  // Out-of-process extensions register methods on the gateway and receive
  // events over a line-delimited JSON protocol on stdin/stdout.
  //
  // extensions: [
  //   {
  //     id: "notes"
  //     name: "Notes"
  //     command: "node"
  //     path: "./extensions/notes/index.js"
  //     env: {
  //       NOTES_DIR: "~/notes"
  //     }
  //     // Passed to the extension on launch:
  //     config: {}
  //     // Restart backoff cap after crashes:
  //     max_backoff: "30s"
  //   }
  // ]

  // ---------------------------------------------------------------------------
  // Librarian
  // ---------------------------------------------------------------------------
  //
  // The librarian (claudia-librarian) drains the conversation queue:
  // each conversation is replayed into a fresh agent session that
  // distills it into library notes, committed to a git repository.
  librarian: {
    // Idle sleep between queue polls
    interval: "30s"

    // Conversations with fewer entries are skipped
    min_entries: 2

    // Formatted transcript ceiling; larger conversations are skipped
    max_transcript_bytes: 102400

    // Recent archived conversations included as context
    context_conversations: 2

    // Per-conversation agent reply timeout
    reply_timeout: "5m"

    // Where the library repository lives (default: <data.dir>/library)
    // library_dir: "~/.claudia/library"

    // Gateway URL (default: derived from server.host/port)
    // gateway: "ws://127.0.0.1:`)
	sb.WriteString(strconv.Itoa(port))
	sb.WriteString(`/ws"
  }

  // ---------------------------------------------------------------------------
  // Voice
  // ---------------------------------------------------------------------------
  //
  // When enabled, assistant replies stream to a TTS vendor and play back
  // as they synthesize. Utterances are also saved under <data.dir>/audio.
  voice: {
    enabled: `)
	sb.WriteString(strconv.FormatBool(voiceEnabled))
	sb.WriteString(`
`)
	if voiceEnabled {
		sb.WriteString(`
    // Vendor streaming WebSocket endpoint and credentials
    endpoint: "wss://api.example.com/v1/stream"
    api_key: ""
    voice: "default"
    output_format: "pcm_22050"
    sample_rate: 22050
`)
	} else {
		sb.WriteString(`
    // To enable, set the vendor endpoint and credentials:
    // endpoint: "wss://api.example.com/v1/stream"
    // api_key: ""
    // voice: "default"
    // output_format: "pcm_22050"
    // sample_rate: 22050
`)
	}
	sb.WriteString(`  }

  // ---------------------------------------------------------------------------
  // Supervisor
  // ---------------------------------------------------------------------------
  //
  // claudia-supervisor starts and watches these services, restarts them
  // with backoff when they crash, rotates their logs, and serves a
  // dashboard. Supervised processes survive supervisor restarts; a new
  // supervisor re-adopts them from their pid files.
  supervisor: {
    host: "127.0.0.1"
    port: 8210

`)
	if superEnabled {
		sb.WriteString(`    services: [
      {
        name: "gateway"
        command: "claudia"
        health_url: "http://127.0.0.1:`)
		sb.WriteString(strconv.Itoa(port))
		sb.WriteString(`/status"
      }
      {
        name: "librarian"
        command: "claudia-librarian"
      }
    ]
`)
	} else {
		sb.WriteString(`    // services: [
    //   {
    //     name: "gateway"
    //     command: "claudia"
    //     health_url: "http://127.0.0.1:`)
		sb.WriteString(strconv.Itoa(port))
		sb.WriteString(`/status"
    //     // max_restarts: 0        // 0 means unlimited
    //     // restart_delay: "1s"
    //     // max_backoff: "30s"
    //   }
    //   {
    //     name: "librarian"
    //     command: "claudia-librarian"
    //   }
    // ]
`)
	}
	sb.WriteString(`
    // Host services inside tmux windows instead of detached processes.
    // Windows are then attachable from the dashboard terminal.
    // tmux: {
    //   enabled: true
    //   session: "claudia"
    //   history_limit: 50000
    // }
  }
}
`)

	return sb.String()
}
