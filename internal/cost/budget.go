// Package cost tracks LLM spend against a daily budget and raises the
// budget advisory when usage crosses the warning threshold or the limit.
package cost

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stackwatch/pulse/internal/notify"
)

// BudgetStatus represents the current budget state
type BudgetStatus int

const (
	// BudgetHealthy indicates normal operation, under the warning threshold
	BudgetHealthy BudgetStatus = iota
	// BudgetWarning indicates usage at or past the warning threshold
	BudgetWarning
	// BudgetExceeded indicates the daily limit has been reached
	BudgetExceeded
)

// String returns a human-readable string representation of the budget status
func (s BudgetStatus) String() string {
	switch s {
	case BudgetHealthy:
		return "HEALTHY"
	case BudgetWarning:
		return "WARNING"
	case BudgetExceeded:
		return "EXCEEDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Notifier is the advisory surface budget transitions are reported on.
// *notify.Arbiter satisfies it.
type Notifier interface {
	Raise(kind notify.Kind, message string, details map[string]interface{})
	Clear(kind notify.Kind)
}

// BudgetState is the externally visible spend snapshot for the current
// daily window.
type BudgetState struct {
	SpentUSD    float64   `json:"spent_usd"`
	LimitUSD    float64   `json:"limit_usd"`
	UsagePct    float64   `json:"usage_pct"`
	Exceeded    bool      `json:"exceeded"`
	Status      string    `json:"status"`
	Calls       int64     `json:"calls"`
	Tokens      int64     `json:"tokens"`
	WindowStart time.Time `json:"window_start"`
	LastUpdated time.Time `json:"last_updated"`
}

// spendState is the persisted daily accounting state
type spendState struct {
	SpentUSD    float64   `json:"spent_usd"`
	Calls       int64     `json:"calls"`
	Tokens      int64     `json:"tokens"`
	WindowStart time.Time `json:"window_start"`
	LastUpdated time.Time `json:"last_updated"`
}

// Guard tracks cumulative spend for the current calendar day, enforces the
// daily limit, and keeps the budget advisory in sync with the spend level.
// Alerts fire on level transitions only, never on every call.
type Guard struct {
	config   *Config
	notifier Notifier
	now      func() time.Time

	mu    sync.Mutex
	state spendState
	level BudgetStatus // last reported level
}

// NewGuard creates a spend guard. A nil notifier disables advisories.
func NewGuard(cfg *Config, notifier Notifier) (*Guard, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	g := &Guard{
		config:   cfg,
		notifier: notifier,
		now:      time.Now,
	}
	g.state = spendState{WindowStart: g.now(), LastUpdated: g.now()}

	// Restart recovery: reload spend so a restart within the day keeps
	// counting against the same window.
	if cfg.StatePath != "" {
		if err := g.loadState(); err != nil {
			fmt.Printf("Warning: failed to load spend state from %s: %v (starting fresh)\n",
				cfg.StatePath, err)
		}
	}

	g.mu.Lock()
	g.rolloverLocked()
	g.syncAdvisoryLocked()
	g.mu.Unlock()

	return g, nil
}

// Record adds one billable call to the daily window and returns the
// resulting budget status.
func (g *Guard) Record(costUSD float64, tokens int64) BudgetStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked()

	g.state.SpentUSD += costUSD
	g.state.Calls++
	g.state.Tokens += tokens
	g.state.LastUpdated = g.now()

	if err := g.persistLocked(); err != nil {
		fmt.Printf("Warning: failed to persist spend state: %v\n", err)
	}

	return g.syncAdvisoryLocked()
}

// CanProceed reports whether another billable call fits the budget. The
// reason is empty when the call may proceed.
func (g *Guard) CanProceed() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked()

	if g.syncAdvisoryLocked() == BudgetExceeded {
		return false, fmt.Sprintf("daily cost budget exceeded ($%.2f/$%.2f used)",
			g.state.SpentUSD, g.config.DailyLimitUSD)
	}

	return true, ""
}

// State returns the current spend snapshot, rolling the window first.
func (g *Guard) State() BudgetState {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked()
	status := g.syncAdvisoryLocked()

	return BudgetState{
		SpentUSD:    g.state.SpentUSD,
		LimitUSD:    g.config.DailyLimitUSD,
		UsagePct:    g.usagePctLocked(),
		Exceeded:    status == BudgetExceeded,
		Status:      status.String(),
		Calls:       g.state.Calls,
		Tokens:      g.state.Tokens,
		WindowStart: g.state.WindowStart,
		LastUpdated: g.state.LastUpdated,
	}
}

// Reset clears the current window, for example after raising the limit.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.state = spendState{WindowStart: now, LastUpdated: now}

	if err := g.persistLocked(); err != nil {
		fmt.Printf("Warning: failed to persist spend state: %v\n", err)
	}

	g.syncAdvisoryLocked()
}

// Internal helper methods

// statusLocked returns the budget status for the current spend (must be
// called with lock held)
func (g *Guard) statusLocked() BudgetStatus {
	if g.config.DailyLimitUSD <= 0 {
		return BudgetHealthy
	}

	if g.state.SpentUSD >= g.config.DailyLimitUSD {
		return BudgetExceeded
	}

	if g.usagePctLocked() >= g.config.WarnPct {
		return BudgetWarning
	}

	return BudgetHealthy
}

// usagePctLocked returns spend as a percentage of the daily limit
func (g *Guard) usagePctLocked() float64 {
	if g.config.DailyLimitUSD <= 0 {
		return 0
	}
	return g.state.SpentUSD / g.config.DailyLimitUSD * 100
}

// syncAdvisoryLocked reconciles the advisory surface with the current
// spend level. A transition into warning or exceeded raises the budget
// advisory; a transition back to healthy clears it; no transition, no
// emission.
func (g *Guard) syncAdvisoryLocked() BudgetStatus {
	status := g.statusLocked()
	if status == g.level {
		return status
	}
	g.level = status

	if g.notifier == nil {
		return status
	}

	switch status {
	case BudgetHealthy:
		g.notifier.Clear(notify.KindBudgetExceeded)
	case BudgetWarning:
		g.notifier.Raise(notify.KindBudgetExceeded,
			fmt.Sprintf("daily budget %.0f%% used ($%.2f of $%.2f)",
				g.usagePctLocked(), g.state.SpentUSD, g.config.DailyLimitUSD),
			g.advisoryDetailsLocked())
	case BudgetExceeded:
		g.notifier.Raise(notify.KindBudgetExceeded,
			fmt.Sprintf("daily budget exceeded ($%.2f of $%.2f)",
				g.state.SpentUSD, g.config.DailyLimitUSD),
			g.advisoryDetailsLocked())
	}

	return status
}

func (g *Guard) advisoryDetailsLocked() map[string]interface{} {
	return map[string]interface{}{
		"spent_usd": g.state.SpentUSD,
		"limit_usd": g.config.DailyLimitUSD,
		"usage_pct": g.usagePctLocked(),
	}
}

// rolloverLocked starts a fresh window when the calendar day changed
// (must be called with lock held)
func (g *Guard) rolloverLocked() {
	now := g.now()
	if sameDay(g.state.WindowStart, now) {
		return
	}
	g.state = spendState{WindowStart: now, LastUpdated: now}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// persistLocked saves state via a temp-file rename so readers never see a
// partial write
func (g *Guard) persistLocked() error {
	if g.config.StatePath == "" {
		return nil // Persistence disabled
	}

	data, err := json.MarshalIndent(&g.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(g.config.StatePath), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := g.config.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tmp, g.config.StatePath); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// loadState loads the persisted spend state from disk
func (g *Guard) loadState() error {
	data, err := os.ReadFile(g.config.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No state file yet, start fresh
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state spendState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	if state.WindowStart.IsZero() {
		state.WindowStart = g.now()
	}

	g.state = state
	return nil
}
