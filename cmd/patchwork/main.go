// Package main provides the CLI entry point for the Patchwork coding agent.
//
// Patchwork runs a local daemon that drives an LLM-backed agent loop over
// the current repository: model completions, policy-gated tool execution,
// and an append-only per-session event log.
//
// # Basic Usage
//
// Start the daemon:
//
//	patchwork serve
//
// Run a prompt against the current directory:
//
//	patchwork run "add a README"
//
// Tail a session's events:
//
//	patchwork events <sessionId> --follow
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: API key for Claude models
//   - OPENAI_API_KEY: API key for GPT models
//   - PATCHWORK_MODEL: Override the configured model
//   - PATCHWORK_ATTACH_URL: Point the CLI at an already-running daemon
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "patchwork",
		Short: "Patchwork - local coding agent daemon",
		Long: `Patchwork drives an LLM-backed coding agent over the current repository,
with permission-gated tool execution and a durable per-session event log.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
		buildEventsCmd(),
		buildStatusCmd(),
		buildLogsCmd(),
		buildSessionsCmd(),
		buildLoginCmd(),
	)
	return rootCmd
}
