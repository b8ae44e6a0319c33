// Package main provides the CLI entry point for the Relay conversational
// agent runtime.
//
// Relay connects messaging platforms (Telegram, Discord) to LLM providers
// (Anthropic, OpenAI) behind a single durable agent: per-conversation
// transcripts, a write-confirmation gate for dangerous tools, and a
// persistent cron engine for scheduled agent work.
//
// # Basic Usage
//
// Start the runtime:
//
//	relay serve --config relay.yaml
//
// # Environment Variables
//
// The configuration file is expanded with the environment, so keys like
// ANTHROPIC_API_KEY, OPENAI_API_KEY, TELEGRAM_BOT_TOKEN, and
// DISCORD_BOT_TOKEN can be referenced as ${VAR} in relay.yaml.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
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

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - durable multi-channel conversational agent",
		Long: `Relay runs one agent across messaging channels with durable state.

Supported channels: Telegram, Discord
Supported LLM providers: Anthropic (Claude), OpenAI (GPT)
Built-in tools: echo, clock, remind`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
