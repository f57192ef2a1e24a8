// Package config loads the ephemera configuration file.
//
// YAML is the primary format; files ending in .json or .json5 are parsed as
// JSON5. ${VAR} references are expanded from the environment before parsing,
// and a file may pull in others with $include. Unknown fields are rejected.
package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
)

const (
	// EnvConfigPath names the config file when --config is not given.
	EnvConfigPath = "EPHEMERA_CONFIG"
	// EnvBotToken overrides discord.bot_token.
	EnvBotToken = "DISCORD_BOT_TOKEN"
	// DefaultPath is used when neither flag nor environment names a file.
	DefaultPath = "ephemera.yaml"
)

// Config is the main configuration structure for ephemera. It is loaded once
// at startup and treated as immutable afterwards.
type Config struct {
	Version       int                 `yaml:"version"`
	Logging       LoggingConfig       `yaml:"logging"`
	Discord       DiscordConfig       `yaml:"discord"`
	Voice         VoiceConfig         `yaml:"voice"`
	Moderation    ModerationConfig    `yaml:"moderation"`
	Database      DatabaseConfig      `yaml:"database"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" jsonschema:"enum=json,enum=text"`
}

// DiscordConfig holds gateway credentials and REST pacing.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	AppID    string `yaml:"app_id"`
	// GuildID scopes slash command registration. Empty registers globally.
	GuildID string `yaml:"guild_id"`
	// RateLimit is the sustained REST request rate per second.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// ConnectAttempts bounds gateway connection retries at startup.
	ConnectAttempts int `yaml:"connect_attempts"`
}

// VoiceConfig controls ephemeral channel creation and reclamation.
type VoiceConfig struct {
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	DriftCheckMultiplier int           `yaml:"drift_check_multiplier"`
	CategoryID           string        `yaml:"category_id"`
	NamePrefix           string        `yaml:"name_prefix"`
	NameSuffix           string        `yaml:"name_suffix"`
	DeletionReason       string        `yaml:"deletion_reason"`
}

// ModerationConfig lists who may create channels and who moderates them.
type ModerationConfig struct {
	ModeratorRoles      []string `yaml:"moderator_roles"`
	ModeratorUsers      []string `yaml:"moderator_users"`
	MandatoryRoles      []string `yaml:"mandatory_roles"`
	NoPermissionMessage string   `yaml:"no_permission_message"`
	RulesLink           string   `yaml:"rules_link"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver          string        `yaml:"driver" jsonschema:"enum=sqlite,enum=postgres"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr is the listen address of the Prometheus endpoint. Empty disables it.
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate" jsonschema:"minimum=0,maximum=1"`
	Insecure     bool    `yaml:"insecure"`
}

// ResolvePath picks the config path from the flag value, then
// EPHEMERA_CONFIG, then DefaultPath.
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads, validates and defaults the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	_, hasVersion := raw["version"]

	if err := ValidateRaw(raw); err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if hasVersion {
		if err := ValidateVersion(cfg.Version); err != nil {
			return nil, err
		}
	} else {
		cfg.Version = CurrentVersion
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv(EnvBotToken)); token != "" {
		cfg.Discord.BotToken = token
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Discord.RateLimit == 0 {
		cfg.Discord.RateLimit = 5
	}
	if cfg.Discord.RateBurst == 0 {
		cfg.Discord.RateBurst = 10
	}
	if cfg.Discord.ConnectAttempts == 0 {
		cfg.Discord.ConnectAttempts = 5
	}
	if cfg.Voice.IdleTimeout == 0 {
		cfg.Voice.IdleTimeout = 300 * time.Second
	}
	if cfg.Voice.DriftCheckMultiplier == 0 {
		cfg.Voice.DriftCheckMultiplier = 4
	}
	if cfg.Moderation.NoPermissionMessage == "" {
		cfg.Moderation.NoPermissionMessage = "You do not have permission to create voice channels."
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.URL == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.URL = "ephemera.db"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Observability.MetricsAddr == "" {
		cfg.Observability.MetricsAddr = ":9090"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "ephemera"
	}
}

var snowflakePattern = regexp.MustCompile(`^\d{1,20}$`)

// Validate reports every structural problem in the configuration at once.
func (c *Config) Validate() error {
	var issues []string

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}

	if c.Discord.RateLimit < 0 {
		issues = append(issues, "discord.rate_limit must be positive")
	}
	if c.Discord.RateBurst < 0 {
		issues = append(issues, "discord.rate_burst must be positive")
	}
	for field, id := range map[string]string{
		"discord.app_id":    c.Discord.AppID,
		"discord.guild_id":  c.Discord.GuildID,
		"voice.category_id": c.Voice.CategoryID,
	} {
		if id != "" && !snowflakePattern.MatchString(id) {
			issues = append(issues, fmt.Sprintf("%s %q is not a Discord id", field, id))
		}
	}

	if c.Voice.IdleTimeout < time.Second {
		issues = append(issues, "voice.idle_timeout must be at least 1s")
	}
	if c.Voice.DriftCheckMultiplier < 1 {
		issues = append(issues, "voice.drift_check_multiplier must be at least 1")
	}

	for field, ids := range map[string][]string{
		"moderation.moderator_roles": c.Moderation.ModeratorRoles,
		"moderation.moderator_users": c.Moderation.ModeratorUsers,
		"moderation.mandatory_roles": c.Moderation.MandatoryRoles,
	} {
		for _, id := range ids {
			if !snowflakePattern.MatchString(id) {
				issues = append(issues, fmt.Sprintf("%s entry %q is not a Discord id", field, id))
			}
		}
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		issues = append(issues, fmt.Sprintf("database.driver %q must be sqlite or postgres", c.Database.Driver))
	}
	if c.Database.URL == "" {
		issues = append(issues, "database.url is required")
	}
	if c.Database.MaxConnections < 0 {
		issues = append(issues, "database.max_connections must not be negative")
	}

	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		// Map iteration above is unordered.
		slices.Sort(issues)
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(issues, "\n  - "))
	}
	return nil
}

// RequireDiscord checks the fields needed to connect to the gateway.
func (c *Config) RequireDiscord() error {
	if strings.TrimSpace(c.Discord.BotToken) == "" {
		return fmt.Errorf("discord.bot_token is required (or set %s)", EnvBotToken)
	}
	if strings.TrimSpace(c.Discord.AppID) == "" {
		return fmt.Errorf("discord.app_id is required")
	}
	return nil
}
