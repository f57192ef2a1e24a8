package main

import (
	"github.com/spf13/cobra"
)

func addConfigFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "config", "c", "",
		"Path to YAML configuration file (default $EPHEMERA_CONFIG or ephemera.yaml)")
}

// buildServeCmd creates the "serve" command that runs the bot.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bot",
		Long: `Start the bot.

The server will:
1. Load configuration from the specified file (or ephemera.yaml)
2. Open the database and create the schema if needed
3. Connect to the Discord gateway and register /createvc
4. Recount every tracked channel, then reclaim idle ones on a timer
5. Serve Prometheus metrics on observability.metrics_addr

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  ephemera serve

  # Start with custom config and debug logging
  ephemera serve --config /etc/ephemera/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildMigrateCmd creates the "migrate" command.
func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the resource table and indexes",
		Long: `Create the ephemeral_resources table and its idle-scan index.

serve runs the same statements on startup; this command is for preparing a
database ahead of deployment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

// buildResourcesCmd creates the "resources" command group.
func buildResourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Inspect tracked voice channels",
	}
	cmd.AddCommand(buildResourcesListCmd())
	return cmd
}

func buildResourcesListCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked channels with occupancy and idle time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResourcesList(cmd, configPath, asJSON)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}

	var configPath string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	addConfigFlag(validateCmd, &configPath)

	cmd.AddCommand(schemaCmd, validateCmd)
	return cmd
}
