// Package main provides the CLI entry point for Jarvis, a local AI
// operations assistant: a memory store, an LLM router over a gateway and
// a local backend, a tool registry exposed over stdio/WebSocket, an NLP
// parser, an agent supervisor, and a peer mesh, all wired together here.
//
// # Basic usage
//
// Serve the tool registry over stdio for an MCP-style client:
//
//	jarvis mcp server --transport stdio
//
// One-shot completion:
//
//	jarvis ask "why is the docker daemon unhealthy?"
//
// Parse free text and run the resulting tool:
//
//	jarvis do "install docker"
//
// # Environment variables
//
//   - JARVIS_DATA_DIR: directory for memory.db, audit.log, mesh identity
//   - JARVIS_GATEWAY_BASE_URL / JARVIS_GATEWAY_API_KEY: upstream gateway
//   - JARVIS_LOCAL_BASE_URL: local inference backend
//   - JARVIS_INTENT_MODELS: "intent=model,intent=model" overrides
//   - JARVIS_METRICS_ADDR: Prometheus bind address
//   - JARVIS_MESH_IDENTITY_KEY / JARVIS_MESH_LISTEN_ADDR / JARVIS_MESH_MULTICAST_ADDR
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "jarvis:", err)
		os.Exit(exitCodeFor(err))
	}
}

// buildRootCmd assembles the command tree. Separated from main so tests
// can exercise it without calling os.Exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jarvis",
		Short: "Jarvis - local AI operations assistant",
		Long: `Jarvis routes operator requests to a local or gateway LLM backend,
executes sysadmin tools (system status, package management, docker/VM
diagnosis) under an audited execution host, and coordinates with peer
Jarvis nodes over an authenticated mesh.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	rootCmd.AddCommand(
		buildMCPCmd(),
		buildAskCmd(),
		buildDoCmd(),
		buildAgentCmd(),
		buildMetricsCmd(),
	)
	return rootCmd
}
