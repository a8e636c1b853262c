package config

// Config represents the core RONIN configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Pace        PaceConfig        `mapstructure:"pace"`
	Match       MatchConfig       `mapstructure:"match"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Proposal    ProposalConfig    `mapstructure:"proposal"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Profile     ProfileConfig     `mapstructure:"profile"`
	Server      ServerConfig      `mapstructure:"server"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AgentConfig configures the job lifecycle orchestrator
type AgentConfig struct {
	// Cadences for the background loops
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"` // Marketplace discovery sweep (default: 300)
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"` // Lifecycle action pass (default: 30)
	MessagePollSeconds  int `mapstructure:"message_poll_seconds"`  // Inbound message poll (default: 30)

	// Concurrency ceiling for simultaneous job actions within one pass.
	// Default 1: the agent behaves like a single careful operator.
	Concurrency int `mapstructure:"concurrency"`

	// MaxRetries is the consecutive-failure limit before a job is parked
	// as failed (default: 3)
	MaxRetries int `mapstructure:"max_retries"`

	// DailyApplyQuota caps successful applications per marketplace day,
	// counted from the audit trail (default: 10)
	DailyApplyQuota int `mapstructure:"daily_apply_quota"`

	// AutoConfirmHours is how long a delivery may sit without a client
	// response before the agent closes it out (default: 72)
	AutoConfirmHours int `mapstructure:"auto_confirm_hours"`

	// RetentionDays bounds how long terminal jobs and their events are
	// kept before the retention sweep removes them (default: 90)
	RetentionDays int `mapstructure:"retention_days"`
}

// PaceConfig configures action pacing and backoff
type PaceConfig struct {
	MinActionDelaySeconds int `mapstructure:"min_action_delay_seconds"` // Floor of the randomized inter-action delay (default: 2)
	MaxActionDelaySeconds int `mapstructure:"max_action_delay_seconds"` // Ceiling of the randomized inter-action delay (default: 8)
	BackoffBaseSeconds    int `mapstructure:"backoff_base_seconds"`     // First retry delay (default: 300)
	BackoffMaxSeconds     int `mapstructure:"backoff_max_seconds"`      // Backoff ceiling (default: 3600)
	RequestsPerMinute     int `mapstructure:"requests_per_minute"`      // Global HTTP ceiling toward the marketplace, 0 = unlimited (default: 10)
}

// MatchConfig configures the job matcher
type MatchConfig struct {
	PreferredKeywords []string `mapstructure:"preferred_keywords"`
	AvoidKeywords     []string `mapstructure:"avoid_keywords"`
	Categories        []string `mapstructure:"categories"` // Allow-list; empty = all categories
	BlockedClients    []string `mapstructure:"blocked_clients"`

	MinBudget        int `mapstructure:"min_budget"`         // JPY (default: 500)
	MaxBudget        int `mapstructure:"max_budget"`         // JPY, 0 = no ceiling
	MaxDurationHours int `mapstructure:"max_duration_hours"` // 0 = no ceiling

	Threshold float64 `mapstructure:"threshold"` // Minimum composite score to accept (default: 0.7)

	KeywordWeight float64 `mapstructure:"keyword_weight"` // default: 0.4
	BudgetWeight  float64 `mapstructure:"budget_weight"`  // default: 0.3
	ClientWeight  float64 `mapstructure:"client_weight"`  // default: 0.3
}

// MarketplaceConfig configures access to the job marketplace
type MarketplaceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Email          string `mapstructure:"email"`    // Bound to RONIN_MARKETPLACE_EMAIL
	Password       string `mapstructure:"password"` // Bound to RONIN_MARKETPLACE_PASSWORD
	SessionPath    string `mapstructure:"session_path"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // Per-request HTTP timeout (default: 30)
}

// ProposalConfig configures proposal generation
type ProposalConfig struct {
	TemplatesPath string  `mapstructure:"templates_path"` // YAML template file, empty = built-in templates
	BidRatio      float64 `mapstructure:"bid_ratio"`      // Bid as a fraction of the listed budget (default: 1.0)
}

// WorkspaceConfig configures per-job working directories
type WorkspaceConfig struct {
	Root          string `mapstructure:"root"`           // default: ~/.ronin/workspace
	RenderCommand string `mapstructure:"render_command"` // External deliverable renderer, empty = text deliverables only
	KeepDays      int    `mapstructure:"keep_days"`      // Stale workspace cleanup horizon (default: 14)
}

// ProfileConfig locates the operator's worker profile
type ProfileConfig struct {
	Path string `mapstructure:"path"` // default: ~/.ronin/profile.toml
}

// ServerConfig configures the RONIN status server
type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           *int     `mapstructure:"port"` // nil = default 879, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Server port constants
const (
	DefaultServerPort  = 879  // Development port (easy to type, above privileged range)
	FallbackServerPort = 7879 // Production fallback port
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
