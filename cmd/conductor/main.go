// Package main provides the CLI entry point for conductor, the run-engine
// worker process: it claims runs off the durable queues, drives them
// through the iteration loop, writes memory, and dispatches triggers.
//
// # Basic usage
//
//	conductor worker --config conductor.yaml
//	conductor migrate up
//	conductor migrate status
//
// # Environment variables
//
// Configuration can be supplied entirely through the environment; see
// internal/config for the full list. The most commonly set are:
//
//   - CONDUCTOR_DATABASE_URL: Postgres DSN (unset runs against in-memory stores)
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: LLM provider credentials
//   - CONDUCTOR_ENCRYPTION_KEY: 32-byte hex key for memory-writer API keys
//   - CONDUCTOR_LOG_LEVEL: debug|info|warn|error
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
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can exercise it without os.Exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "conductor - run-engine worker for coordinator/subagent/subsubagent runs",
		Long: `conductor claims runs from its durable queues and drives each through
the iteration loop: assemble a request from the run's transcript, call
the configured LLM provider, parse the one-command-per-turn reply,
apply it, and repeat until the run suspends or finishes.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildWorkerCmd(),
		buildMigrateCmd(),
		buildOnceCmd(),
	)

	return rootCmd
}
