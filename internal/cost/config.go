package cost

import "fmt"

// Config holds daily spend accounting configuration
type Config struct {
	// DailyLimitUSD is the maximum spend per calendar day in USD
	// 0 = unlimited (accounting still runs, enforcement is off)
	// Default: 5.00
	DailyLimitUSD float64 `json:"daily_limit_usd"`

	// WarnPct is the percentage of the daily limit at which the budget
	// advisory is raised
	// Default: 80
	WarnPct float64 `json:"warn_pct"`

	// StatePath is where spend state is persisted (for restart recovery)
	// Empty disables persistence.
	StatePath string `json:"state_path"`
}

// DefaultConfig returns default spend accounting configuration
func DefaultConfig() *Config {
	return &Config{
		DailyLimitUSD: 5.00,
		WarnPct:       80,
	}
}

// Validate checks that the configuration has safe and reasonable values
func (c *Config) Validate() error {
	if c.DailyLimitUSD < 0 {
		return fmt.Errorf("daily_limit_usd must be non-negative, got %.2f", c.DailyLimitUSD)
	}

	if c.WarnPct <= 0 || c.WarnPct > 100 {
		return fmt.Errorf("warn_pct must be between 0 and 100, got %.0f", c.WarnPct)
	}

	return nil
}
