// Package config loads, defaults, and validates the service configuration.
//
// Configuration comes from three layers, lowest precedence first:
// built-in defaults, a YAML file, and PULSE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the service.
type Config struct {
	Project ProjectConfig `yaml:"project"`
	Checks  ChecksConfig  `yaml:"checks"`
	Agent   AgentConfig   `yaml:"agent"`
	LLM     LLMConfig     `yaml:"llm"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Budget  BudgetConfig  `yaml:"budget"`
}

// ProjectConfig identifies the project under observation.
type ProjectConfig struct {
	// Root is the project directory every checker runs against. Required.
	Root string `yaml:"root" env:"PULSE_PROJECT_ROOT"`

	// Name is a display label; defaults to the root's base name.
	Name string `yaml:"name" env:"PULSE_PROJECT_NAME"`
}

// ChecksConfig controls checker discovery, ordering, and enablement.
type ChecksConfig struct {
	// Order is the execution order by checker name. Unknown names are
	// dropped with a warning; registered names missing here run last.
	Order []string `yaml:"order"`

	// PluginDirs are extra directories scanned for checker manifests.
	PluginDirs []string `yaml:"plugin_dirs" env:"PULSE_PLUGIN_DIRS" envSeparator:":"`

	// Checkers holds per-checker settings keyed by checker name.
	Checkers map[string]CheckerConfig `yaml:"checkers"`
}

// CheckerConfig is the per-checker settings block.
type CheckerConfig struct {
	// Enabled turns the checker off when explicitly false. Absent means
	// enabled.
	Enabled *bool `yaml:"enabled"`

	// Options are free-form key/value options passed to the checker.
	Options map[string]string `yaml:"options"`
}

// CheckerEnabled reports the effective enable flag for a checker name.
// Names without a config block default to enabled.
func (c ChecksConfig) CheckerEnabled(name string) bool {
	cc, ok := c.Checkers[name]
	if !ok || cc.Enabled == nil {
		return true
	}
	return *cc.Enabled
}

// CheckerOptions returns the options map for a checker, or nil.
func (c ChecksConfig) CheckerOptions(name string) map[string]string {
	return c.Checkers[name].Options
}

// AgentConfig controls the observe/reason/act loop.
type AgentConfig struct {
	// Enabled starts the agent loop on serve.
	Enabled bool `yaml:"enabled" env:"PULSE_AGENT_ENABLED"`

	// DebounceMS is how long the observer batches file events before
	// emitting one file_changed signal.
	// Default: 2000, Range: 50-60000
	DebounceMS int `yaml:"debounce_ms" env:"PULSE_AGENT_DEBOUNCE_MS"`

	// CooldownSeconds is the minimum gap between automatic scans.
	// Default: 30, Range: 1-3600
	CooldownSeconds int `yaml:"cooldown_seconds" env:"PULSE_AGENT_COOLDOWN_SECONDS"`

	// FullScanPct is the percentage of checkers affected by a change
	// above which the agent runs a full scan instead of a targeted one.
	// Default: 60, Range: 1-100
	FullScanPct float64 `yaml:"full_scan_pct" env:"PULSE_AGENT_FULL_SCAN_PCT"`

	// WatchDirs are directories observed for changes, relative to the
	// project root. Empty means the root itself.
	WatchDirs []string `yaml:"watch_dirs"`
}

// LLMConfig controls the analysis model calls.
type LLMConfig struct {
	// APIKey authenticates against the Anthropic API. Falls back to the
	// ANTHROPIC_API_KEY environment variable when empty. An empty key
	// disables analysis with an llm_not_configured advisory rather than
	// an error.
	APIKey string `yaml:"api_key" env:"PULSE_LLM_API_KEY"`

	// Model is the primary analysis model.
	Model string `yaml:"model" env:"PULSE_LLM_MODEL"`

	// FallbackModel is tried once when the primary model fails.
	FallbackModel string `yaml:"fallback_model" env:"PULSE_LLM_FALLBACK_MODEL"`

	// TimeoutSeconds bounds one analysis call.
	// Default: 60, Range: 1-600
	TimeoutSeconds int `yaml:"timeout_seconds" env:"PULSE_LLM_TIMEOUT_SECONDS"`

	// MaxTokens caps the response size per analysis.
	// Default: 2048, Range: 256-16384
	MaxTokens int `yaml:"max_tokens" env:"PULSE_LLM_MAX_TOKENS"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" env:"PULSE_SERVER_ADDR"`

	// HeartbeatSeconds is the SSE idle heartbeat interval.
	// Default: 15, Range: 1-300
	HeartbeatSeconds int `yaml:"heartbeat_seconds" env:"PULSE_SERVER_HEARTBEAT_SECONDS"`

	// ScanMinIntervalSeconds rate-limits manual scan requests.
	// Default: 2, Range: 1-3600
	ScanMinIntervalSeconds int `yaml:"scan_min_interval_seconds" env:"PULSE_SERVER_SCAN_MIN_INTERVAL_SECONDS"`

	// WindowSize is the in-memory event replay window capacity.
	// Default: 256, Range: 16-65536
	WindowSize int `yaml:"window_size" env:"PULSE_SERVER_WINDOW_SIZE"`

	// SubscriberBuffer is the per-subscriber channel depth before a slow
	// consumer is dropped from live tailing.
	// Default: 200, Range: 8-10000
	SubscriberBuffer int `yaml:"subscriber_buffer" env:"PULSE_SERVER_SUBSCRIBER_BUFFER"`
}

// StorageConfig controls the durable history store.
type StorageConfig struct {
	// Path is the SQLite database file. Defaults to .pulse/pulse.db
	// under the project root.
	Path string `yaml:"path" env:"PULSE_STORAGE_PATH"`

	// Retention bounds the persisted history.
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig bounds how much history the store keeps.
type RetentionConfig struct {
	// ScanHistoryLimit is the maximum persisted scan runs.
	// Default: 200, Range: 10-10000
	ScanHistoryLimit int `yaml:"scan_history_limit" env:"PULSE_RETENTION_SCAN_HISTORY_LIMIT"`

	// EventDays is the age bound for persisted events.
	// Default: 14, Range: 1-365
	EventDays int `yaml:"event_days" env:"PULSE_RETENTION_EVENT_DAYS"`

	// EventLimit is the global cap on persisted events.
	// Default: 50000, Range: 1000-1000000
	EventLimit int `yaml:"event_limit" env:"PULSE_RETENTION_EVENT_LIMIT"`

	// AnalysisDays is the age bound for insights and LLM analyses.
	// Default: 30, Range: 1-365
	AnalysisDays int `yaml:"analysis_days" env:"PULSE_RETENTION_ANALYSIS_DAYS"`

	// PurgeIntervalHours is how often the purge loop runs.
	// Default: 1, Range: 1-168
	PurgeIntervalHours int `yaml:"purge_interval_hours" env:"PULSE_RETENTION_PURGE_INTERVAL_HOURS"`
}

// BudgetConfig controls LLM spend tracking.
type BudgetConfig struct {
	// DailyLimitUSD is the spend ceiling per day. Zero disables the
	// budget guard entirely.
	DailyLimitUSD float64 `yaml:"daily_limit_usd" env:"PULSE_BUDGET_DAILY_LIMIT_USD"`

	// WarnPct is the usage percentage that raises a budget advisory.
	// Default: 80, Range: 1-100
	WarnPct float64 `yaml:"warn_pct" env:"PULSE_BUDGET_WARN_PCT"`

	// StatePath persists spend across restarts. Defaults to
	// .pulse/budget.json under the project root.
	StatePath string `yaml:"state_path" env:"PULSE_BUDGET_STATE_PATH"`
}

// Default returns the built-in configuration. Project.Root stays empty
// and must come from the file, the environment, or a flag.
func Default() *Config {
	return &Config{
		Checks: ChecksConfig{
			Order: []string{"workspace", "gitignore", "deps", "largefiles"},
		},
		Agent: AgentConfig{
			Enabled:         true,
			DebounceMS:      2000,
			CooldownSeconds: 30,
			FullScanPct:     60,
		},
		LLM: LLMConfig{
			Model:          "claude-sonnet-4-5-20250929",
			FallbackModel:  "claude-3-5-haiku-20241022",
			TimeoutSeconds: 60,
			MaxTokens:      2048,
		},
		Server: ServerConfig{
			Addr:                   "127.0.0.1:7177",
			HeartbeatSeconds:       15,
			ScanMinIntervalSeconds: 2,
			WindowSize:             256,
			SubscriberBuffer:       200,
		},
		Storage: StorageConfig{
			Retention: RetentionConfig{
				ScanHistoryLimit:   200,
				EventDays:          14,
				EventLimit:         50000,
				AnalysisDays:       30,
				PurgeIntervalHours: 1,
			},
		},
		Budget: BudgetConfig{
			DailyLimitUSD: 5.0,
			WarnPct:       80,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// at path when non-empty, then PULSE_* environment overrides. The
// result is validated and derived paths are filled in.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment overrides: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finalize resolves derived values and validates the result.
func (c *Config) finalize() error {
	if c.Project.Root == "" {
		return fmt.Errorf("project.root is required (config file or PULSE_PROJECT_ROOT)")
	}

	root, err := filepath.Abs(c.Project.Root)
	if err != nil {
		return fmt.Errorf("resolving project root %q: %w", c.Project.Root, err)
	}
	c.Project.Root = root

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("project root %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project root %s is not a directory", root)
	}

	if c.Project.Name == "" {
		c.Project.Name = filepath.Base(root)
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(root, ".pulse", "pulse.db")
	}
	if c.Budget.StatePath == "" {
		c.Budget.StatePath = filepath.Join(root, ".pulse", "budget.json")
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	return c.Validate()
}

// Validate checks ranges on every tunable. Called by Load after all
// layers are applied; exported for callers that assemble a Config by
// hand.
func (c *Config) Validate() error {
	if c.Agent.DebounceMS < 50 || c.Agent.DebounceMS > 60000 {
		return fmt.Errorf("agent.debounce_ms must be between 50 and 60000 (got %d)", c.Agent.DebounceMS)
	}
	if c.Agent.CooldownSeconds < 1 || c.Agent.CooldownSeconds > 3600 {
		return fmt.Errorf("agent.cooldown_seconds must be between 1 and 3600 (got %d)", c.Agent.CooldownSeconds)
	}
	if c.Agent.FullScanPct < 1 || c.Agent.FullScanPct > 100 {
		return fmt.Errorf("agent.full_scan_pct must be between 1 and 100 (got %g)", c.Agent.FullScanPct)
	}

	if c.LLM.TimeoutSeconds < 1 || c.LLM.TimeoutSeconds > 600 {
		return fmt.Errorf("llm.timeout_seconds must be between 1 and 600 (got %d)", c.LLM.TimeoutSeconds)
	}
	if c.LLM.MaxTokens < 256 || c.LLM.MaxTokens > 16384 {
		return fmt.Errorf("llm.max_tokens must be between 256 and 16384 (got %d)", c.LLM.MaxTokens)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.HeartbeatSeconds < 1 || c.Server.HeartbeatSeconds > 300 {
		return fmt.Errorf("server.heartbeat_seconds must be between 1 and 300 (got %d)", c.Server.HeartbeatSeconds)
	}
	if c.Server.ScanMinIntervalSeconds < 1 || c.Server.ScanMinIntervalSeconds > 3600 {
		return fmt.Errorf("server.scan_min_interval_seconds must be between 1 and 3600 (got %d)", c.Server.ScanMinIntervalSeconds)
	}
	if c.Server.WindowSize < 16 || c.Server.WindowSize > 65536 {
		return fmt.Errorf("server.window_size must be between 16 and 65536 (got %d)", c.Server.WindowSize)
	}
	if c.Server.SubscriberBuffer < 8 || c.Server.SubscriberBuffer > 10000 {
		return fmt.Errorf("server.subscriber_buffer must be between 8 and 10000 (got %d)", c.Server.SubscriberBuffer)
	}

	if err := c.Storage.Retention.Validate(); err != nil {
		return err
	}

	if c.Budget.DailyLimitUSD < 0 {
		return fmt.Errorf("budget.daily_limit_usd cannot be negative (got %g)", c.Budget.DailyLimitUSD)
	}
	if c.Budget.WarnPct < 1 || c.Budget.WarnPct > 100 {
		return fmt.Errorf("budget.warn_pct must be between 1 and 100 (got %g)", c.Budget.WarnPct)
	}

	return nil
}

// Validate checks the retention bounds.
func (r RetentionConfig) Validate() error {
	if r.ScanHistoryLimit < 10 || r.ScanHistoryLimit > 10000 {
		return fmt.Errorf("retention.scan_history_limit must be between 10 and 10000 (got %d)", r.ScanHistoryLimit)
	}
	if r.EventDays < 1 || r.EventDays > 365 {
		return fmt.Errorf("retention.event_days must be between 1 and 365 (got %d)", r.EventDays)
	}
	if r.EventLimit < 1000 || r.EventLimit > 1000000 {
		return fmt.Errorf("retention.event_limit must be between 1000 and 1000000 (got %d)", r.EventLimit)
	}
	if r.AnalysisDays < 1 || r.AnalysisDays > 365 {
		return fmt.Errorf("retention.analysis_days must be between 1 and 365 (got %d)", r.AnalysisDays)
	}
	if r.PurgeIntervalHours < 1 || r.PurgeIntervalHours > 168 {
		return fmt.Errorf("retention.purge_interval_hours must be between 1 and 168 (got %d)", r.PurgeIntervalHours)
	}
	return nil
}

// WriteDefault writes a starter configuration to path so a new project
// has something to edit.
func WriteDefault(path, root string) error {
	cfg := Default()
	cfg.Project.Root = root

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
