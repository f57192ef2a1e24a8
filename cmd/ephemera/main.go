// Package main provides the CLI entry point for ephemera, a Discord bot that
// creates access-controlled voice channels on request and deletes them once
// they have been empty for the configured idle timeout.
//
// # Basic Usage
//
// Start the bot:
//
//	ephemera serve --config ephemera.yaml
//
// Create the schema without starting the bot:
//
//	ephemera migrate
//
// Inspect tracked channels:
//
//	ephemera resources list
//
// # Environment Variables
//
//   - EPHEMERA_CONFIG: Path to configuration file (default: ephemera.yaml)
//   - DISCORD_BOT_TOKEN: Discord bot token, overriding discord.bot_token
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
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
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ephemera",
		Short: "ephemera - ephemeral Discord voice channels",
		Long: `ephemera creates voice channels through the /createvc slash command,
tracks who is connected to them and deletes them after they sit empty.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildResourcesCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
