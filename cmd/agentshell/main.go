// Package main is the agentshell CLI: an event-driven LLM agent runtime
// serving turn execution over HTTP.
//
// Start the server:
//
//	agentshell serve --config agentshell.yaml
//
// Check a configuration file without starting:
//
//	agentshell validate --config agentshell.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentshell/agentshell/internal/config"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentshell",
		Short: "agentshell - event-driven LLM agent runtime",
		Long: `agentshell executes user turns through an explicit plan-then-execute
pipeline: a planner decomposes each request into LLM, tool, and memory
steps, and a step processor runs them in order with per-step retries.

Supported providers: OpenAI, Anthropic, Groq`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentshell runtime server",
		Long: `Start the runtime server: load configuration, construct the provider
adapters, load personality packs, wire the event bus, and serve the HTTP
API. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  agentshell serve

  # Start with custom config and debug logging
  agentshell serve --config /etc/agentshell/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agentshell.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: provider=%s listen=%s personalities=%s\n",
				cfg.General.CurrentProvider, cfg.Server.ListenAddr, cfg.Personalities.Directory)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agentshell.yaml",
		"Path to YAML configuration file")
	return cmd
}
