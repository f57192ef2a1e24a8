package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/ephemera/internal/config"
	"github.com/haasonsaas/ephemera/internal/lifecycle"
	"github.com/haasonsaas/ephemera/internal/observability"
	"github.com/haasonsaas/ephemera/internal/storage"
)

func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
}

// settingsFromConfig maps the file configuration onto the manager's settings.
func settingsFromConfig(cfg *config.Config) lifecycle.Settings {
	return lifecycle.Settings{
		IdleTimeout:          cfg.Voice.IdleTimeout,
		DriftCheckMultiplier: cfg.Voice.DriftCheckMultiplier,
		ModeratorRoles:       cfg.Moderation.ModeratorRoles,
		ModeratorUsers:       cfg.Moderation.ModeratorUsers,
		MandatoryRoles:       cfg.Moderation.MandatoryRoles,
		NoPermissionMessage:  cfg.Moderation.NoPermissionMessage,
		NamePrefix:           cfg.Voice.NamePrefix,
		NameSuffix:           cfg.Voice.NameSuffix,
		DeletionReason:       cfg.Voice.DeletionReason,
	}
}

// openStore opens the configured database and creates the schema.
func openStore(ctx context.Context, cfg *config.Config) (*storage.SQLStore, error) {
	dialect := storage.Dialect(cfg.Database.Driver)
	sqlCfg := storage.DefaultSQLConfig(dialect, cfg.Database.URL)
	if dialect == storage.DialectPostgres {
		if cfg.Database.MaxConnections > 0 {
			sqlCfg.MaxOpenConns = cfg.Database.MaxConnections
			sqlCfg.MaxIdleConns = min(sqlCfg.MaxIdleConns, cfg.Database.MaxConnections)
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			sqlCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
	}

	store, err := storage.OpenSQLStore(sqlCfg)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func loadForCommand(configPath string) (*config.Config, error) {
	return config.Load(config.ResolvePath(configPath))
}

func runMigrate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadForCommand(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Schema ready (%s)\n", cfg.Database.Driver)
	return nil
}

type resourceView struct {
	ID             string    `json:"resource_id"`
	GuildID        string    `json:"guild_id"`
	Occupancy      int       `json:"occupancy"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IdleSeconds    int64     `json:"idle_seconds"`
}

func runResourcesList(cmd *cobra.Command, configPath string, asJSON bool) error {
	cfg, err := loadForCommand(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	resources, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	return writeResources(cmd, resources, time.Now(), asJSON)
}

func writeResources(cmd *cobra.Command, resources []storage.Resource, now time.Time, asJSON bool) error {
	out := cmd.OutOrStdout()
	views := make([]resourceView, 0, len(resources))
	for _, res := range resources {
		views = append(views, resourceView{
			ID:             res.ID,
			GuildID:        res.GuildID,
			Occupancy:      res.Occupancy,
			LastActivityAt: res.LastActivityAt.UTC(),
			IdleSeconds:    int64(res.IdleFor(now).Seconds()),
		})
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	if len(views) == 0 {
		fmt.Fprintln(out, "No tracked channels.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tGUILD\tOCCUPANCY\tLAST ACTIVITY\tIDLE")
	for _, v := range views {
		idle := "-"
		if v.Occupancy == 0 {
			idle = (time.Duration(v.IdleSeconds) * time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", v.ID, v.GuildID, v.Occupancy, v.LastActivityAt.Format(time.RFC3339), idle)
	}
	return tw.Flush()
}

func runConfigSchema(cmd *cobra.Command) error {
	doc, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(doc))
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid (version %d)\n", path, cfg.Version)
	if err := cfg.RequireDiscord(); err != nil {
		fmt.Fprintf(out, "warning: serve will refuse to start: %v\n", err)
	}
	return nil
}
