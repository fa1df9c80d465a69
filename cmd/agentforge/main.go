// Package main provides the CLI entry point for agentforge, the
// agent-orchestration runtime: it decomposes a task across specialist
// packs and drives each through a tool-calling loop against an external
// LLM until a run finishes, fails, or is interrupted and resumed.
//
// # Basic usage
//
//	agentforge submit "Create hello.txt with content Hello" --config agentforge.yaml
//	agentforge status <run-id>
//	agentforge resume <run-id>
//	agentforge list
//	agentforge search "authentication"
//
// # Environment variables
//
//   - AGENTFORGE_CONFIG: path to the YAML config file (unset: no file is read and the built-in defaults are used)
//   - ANTHROPIC_API_KEY: Anthropic API key for the local chat client
//   - OPENAI_API_KEY: OpenAI API key for the cloud escalation client
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentforge",
		Short: "agentforge - agent orchestration runtime",
		Long: `agentforge decomposes a natural-language task into sub-tasks, recruits
one or more specialist packs, and drives each through a tool-calling
loop against an external LLM until it signals completion.

Every run is persisted as a content-addressed directory with an
append-only event log and a crash-safe checkpoint that enables
resumption after an interruption.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	cmd.AddCommand(
		buildSubmitCmd(),
		buildStatusCmd(),
		buildResumeCmd(),
		buildListCmd(),
		buildSearchCmd(),
		buildStreamCmd(),
	)
	return cmd
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("AGENTFORGE_CONFIG"); env != "" {
		return env
	}
	return ""
}
