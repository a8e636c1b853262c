package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "ronin.db")

	// Agent loop defaults. The cadences mirror how a careful human works
	// the marketplace: check listings every few minutes, messages more
	// often, act in small unhurried passes.
	v.SetDefault("agent.poll_interval_seconds", 300)
	v.SetDefault("agent.tick_interval_seconds", 30)
	v.SetDefault("agent.message_poll_seconds", 30)
	v.SetDefault("agent.concurrency", 1)
	v.SetDefault("agent.max_retries", 3)
	v.SetDefault("agent.daily_apply_quota", 10)
	v.SetDefault("agent.auto_confirm_hours", 72)
	v.SetDefault("agent.retention_days", 90)

	// Pacing defaults
	v.SetDefault("pace.min_action_delay_seconds", 2)
	v.SetDefault("pace.max_action_delay_seconds", 8)
	v.SetDefault("pace.backoff_base_seconds", 300) // 5 minutes, doubles per consecutive failure
	v.SetDefault("pace.backoff_max_seconds", 3600) // 1 hour ceiling
	v.SetDefault("pace.requests_per_minute", 10)   // Prevents bot detection

	// Matcher defaults
	v.SetDefault("match.min_budget", 500) // JPY
	v.SetDefault("match.max_budget", 0)
	v.SetDefault("match.max_duration_hours", 0)
	v.SetDefault("match.threshold", 0.7)
	v.SetDefault("match.keyword_weight", 0.4)
	v.SetDefault("match.budget_weight", 0.3)
	v.SetDefault("match.client_weight", 0.3)

	// Marketplace defaults
	v.SetDefault("marketplace.base_url", "https://app.shufti.jp")
	v.SetDefault("marketplace.session_path", userFilePath("session.json"))
	v.SetDefault("marketplace.timeout_seconds", 30)

	// Proposal defaults
	v.SetDefault("proposal.templates_path", "")
	v.SetDefault("proposal.bid_ratio", 1.0)

	// Workspace defaults
	v.SetDefault("workspace.root", userFilePath("workspace"))
	v.SetDefault("workspace.render_command", "")
	v.SetDefault("workspace.keep_days", 14)

	// Profile defaults
	v.SetDefault("profile.path", userFilePath("profile.toml"))

	// Server configuration defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// Marketplace credentials never belong in config files
	v.BindEnv("marketplace.email", "RONIN_MARKETPLACE_EMAIL")
	v.BindEnv("marketplace.password", "RONIN_MARKETPLACE_PASSWORD")

	// Database path
	v.BindEnv("database.path", "RONIN_DATABASE_PATH")
}

// userFilePath returns a path under ~/.ronin, or a relative fallback when
// the home directory cannot be resolved
func userFilePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".ronin", name)
}

// GetServerPort returns the configured status server port
// Returns server.port from config, or DefaultServerPort (879) if not configured
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil || *c.Server.Port == 0 {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "ronin.db" // Fallback default
	}
	return c.Database.Path
}

// PollInterval returns the discovery sweep cadence as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Agent.PollIntervalSeconds) * time.Second
}

// TickInterval returns the action pass cadence as a duration
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Agent.TickIntervalSeconds) * time.Second
}

// MessagePollInterval returns the inbound poll cadence as a duration
func (c *Config) MessagePollInterval() time.Duration {
	return time.Duration(c.Agent.MessagePollSeconds) * time.Second
}

// AutoConfirmWindow returns the delivered-to-closed timeout as a duration
func (c *Config) AutoConfirmWindow() time.Duration {
	return time.Duration(c.Agent.AutoConfirmHours) * time.Hour
}

// MinActionDelay returns the floor of the randomized inter-action delay
func (c *Config) MinActionDelay() time.Duration {
	return time.Duration(c.Pace.MinActionDelaySeconds) * time.Second
}

// MaxActionDelay returns the ceiling of the randomized inter-action delay
func (c *Config) MaxActionDelay() time.Duration {
	return time.Duration(c.Pace.MaxActionDelaySeconds) * time.Second
}

// BackoffBase returns the first retry delay
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Pace.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the backoff ceiling
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Pace.BackoffMaxSeconds) * time.Second
}

// MarketplaceTimeout returns the per-request HTTP timeout
func (c *Config) MarketplaceTimeout() time.Duration {
	return time.Duration(c.Marketplace.TimeoutSeconds) * time.Second
}
