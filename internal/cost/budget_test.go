package cost

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stackwatch/pulse/internal/notify"
)

// recordingNotifier counts advisory emissions so tests can assert alerts
// fire once per transition, not once per call.
type recordingNotifier struct {
	raises []string
	clears int
}

func (n *recordingNotifier) Raise(kind notify.Kind, message string, details map[string]interface{}) {
	n.raises = append(n.raises, message)
}

func (n *recordingNotifier) Clear(kind notify.Kind) {
	n.clears++
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newGuardAt(t *testing.T, cfg *Config, notifier Notifier, clock *fakeClock) *Guard {
	t.Helper()
	g, err := NewGuard(cfg, notifier)
	if err != nil {
		t.Fatalf("NewGuard() error: %v", err)
	}
	g.now = clock.now
	// Re-anchor the window to the fake clock so day comparisons are stable.
	g.state.WindowStart = clock.t
	return g
}

func floatNear(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestGuardRecordAccumulates(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	g := newGuardAt(t, &Config{DailyLimitUSD: 10, WarnPct: 80}, nil, clock)

	if status := g.Record(1.25, 100); status != BudgetHealthy {
		t.Errorf("status after first call = %s, want HEALTHY", status)
	}
	g.Record(1.25, 100)

	state := g.State()
	if !floatNear(state.SpentUSD, 2.5) {
		t.Errorf("SpentUSD = %.4f, want 2.5", state.SpentUSD)
	}
	if !floatNear(state.UsagePct, 25) {
		t.Errorf("UsagePct = %.4f, want 25", state.UsagePct)
	}
	if state.Calls != 2 {
		t.Errorf("Calls = %d, want 2", state.Calls)
	}
	if state.Tokens != 200 {
		t.Errorf("Tokens = %d, want 200", state.Tokens)
	}
	if state.Exceeded {
		t.Error("Exceeded = true, want false")
	}
}

// TestGuardAdvisoryLifecycle walks spend from 70% to 85%, which must raise
// exactly one budget advisory, then across a day boundary back to 10%,
// which must clear it.
func TestGuardAdvisoryLifecycle(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	arbiter := notify.NewArbiter()
	g := newGuardAt(t, &Config{DailyLimitUSD: 10, WarnPct: 80}, arbiter, clock)

	if status := g.Record(7.0, 1000); status != BudgetHealthy {
		t.Fatalf("status at 70%% = %s, want HEALTHY", status)
	}
	if arbiter.IsActive(notify.KindBudgetExceeded) {
		t.Fatal("advisory active at 70% usage")
	}

	if status := g.Record(1.5, 500); status != BudgetWarning {
		t.Fatalf("status at 85%% = %s, want WARNING", status)
	}
	active := arbiter.Active()
	if len(active) != 1 {
		t.Fatalf("active advisories = %d, want 1", len(active))
	}
	if active[0].Kind != notify.KindBudgetExceeded {
		t.Errorf("advisory kind = %s, want %s", active[0].Kind, notify.KindBudgetExceeded)
	}
	if !strings.Contains(active[0].Message, "85%") {
		t.Errorf("advisory message = %q, want usage percentage", active[0].Message)
	}

	// Next day: the window rolls over and light usage drops to 10%.
	clock.t = clock.t.Add(24 * time.Hour)
	if status := g.Record(1.0, 200); status != BudgetHealthy {
		t.Fatalf("status after rollover = %s, want HEALTHY", status)
	}
	if arbiter.IsActive(notify.KindBudgetExceeded) {
		t.Error("advisory still active after window reset to 10% usage")
	}

	state := g.State()
	if !floatNear(state.SpentUSD, 1.0) {
		t.Errorf("SpentUSD after rollover = %.4f, want 1.0", state.SpentUSD)
	}
	if state.Calls != 1 {
		t.Errorf("Calls after rollover = %d, want 1", state.Calls)
	}
}

func TestGuardExceededBlocksCalls(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	arbiter := notify.NewArbiter()
	g := newGuardAt(t, &Config{DailyLimitUSD: 1.00, WarnPct: 80}, arbiter, clock)

	if status := g.Record(1.5, 2000); status != BudgetExceeded {
		t.Fatalf("status = %s, want EXCEEDED", status)
	}

	ok, reason := g.CanProceed()
	if ok {
		t.Fatal("CanProceed() = true with budget exceeded")
	}
	if !strings.Contains(reason, "daily cost budget exceeded") {
		t.Errorf("reason = %q, want mention of exceeded budget", reason)
	}

	state := g.State()
	if !state.Exceeded {
		t.Error("State().Exceeded = false, want true")
	}
	if state.Status != "EXCEEDED" {
		t.Errorf("State().Status = %q, want EXCEEDED", state.Status)
	}

	active := arbiter.Active()
	if len(active) != 1 || !strings.Contains(active[0].Message, "exceeded") {
		t.Errorf("advisories = %+v, want one exceeded advisory", active)
	}
}

// TestGuardAlertsFireOncePerTransition verifies the re-emission throttle:
// repeated calls at the same level stay silent.
func TestGuardAlertsFireOncePerTransition(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	g := newGuardAt(t, &Config{DailyLimitUSD: 10, WarnPct: 80}, notifier, clock)

	g.Record(8.5, 100) // healthy -> warning
	g.Record(0.2, 100) // still warning
	g.Record(0.2, 100) // still warning
	if len(notifier.raises) != 1 {
		t.Fatalf("raises after warning plateau = %d, want 1", len(notifier.raises))
	}

	g.Record(2.0, 100) // warning -> exceeded
	if len(notifier.raises) != 2 {
		t.Fatalf("raises after exceeding = %d, want 2", len(notifier.raises))
	}
	g.Record(0.5, 100) // still exceeded
	if len(notifier.raises) != 2 {
		t.Errorf("raises after repeat exceeded = %d, want 2", len(notifier.raises))
	}

	clock.t = clock.t.Add(24 * time.Hour)
	g.State() // rollover on read clears the advisory
	if notifier.clears != 1 {
		t.Errorf("clears after rollover = %d, want 1", notifier.clears)
	}
}

func TestGuardPersistAndReload(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "budget.json")
	cfg := &Config{DailyLimitUSD: 10, WarnPct: 80, StatePath: statePath}

	g, err := NewGuard(cfg, nil)
	if err != nil {
		t.Fatalf("NewGuard() error: %v", err)
	}
	g.Record(3.5, 700)
	g.Record(1.0, 300)

	if _, err := os.Stat(statePath); err != nil {
		t.Fatalf("state file not written: %v", err)
	}

	reloaded, err := NewGuard(cfg, nil)
	if err != nil {
		t.Fatalf("NewGuard() reload error: %v", err)
	}

	state := reloaded.State()
	if !floatNear(state.SpentUSD, 4.5) {
		t.Errorf("reloaded SpentUSD = %.4f, want 4.5", state.SpentUSD)
	}
	if state.Calls != 2 || state.Tokens != 1000 {
		t.Errorf("reloaded counters = %d calls / %d tokens, want 2 / 1000", state.Calls, state.Tokens)
	}
}

// TestGuardRestartRaisesAdvisory verifies a restart inside a hot window
// re-raises the advisory from persisted state.
func TestGuardRestartRaisesAdvisory(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "budget.json")
	cfg := &Config{DailyLimitUSD: 10, WarnPct: 80, StatePath: statePath}

	g, err := NewGuard(cfg, nil)
	if err != nil {
		t.Fatalf("NewGuard() error: %v", err)
	}
	g.Record(8.5, 100)

	arbiter := notify.NewArbiter()
	if _, err := NewGuard(cfg, arbiter); err != nil {
		t.Fatalf("NewGuard() reload error: %v", err)
	}
	if !arbiter.IsActive(notify.KindBudgetExceeded) {
		t.Error("advisory not re-raised after restart at 85% usage")
	}
}

func TestGuardCorruptStateStartsFresh(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "budget.json")
	if err := os.WriteFile(statePath, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	g, err := NewGuard(&Config{DailyLimitUSD: 10, WarnPct: 80, StatePath: statePath}, nil)
	if err != nil {
		t.Fatalf("NewGuard() error: %v", err)
	}

	state := g.State()
	if state.SpentUSD != 0 || state.Calls != 0 {
		t.Errorf("state after corrupt file = %+v, want fresh", state)
	}
}

func TestGuardZeroLimitDisablesEnforcement(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	g := newGuardAt(t, &Config{DailyLimitUSD: 0, WarnPct: 80}, notifier, clock)

	if status := g.Record(250, 1_000_000); status != BudgetHealthy {
		t.Errorf("status with zero limit = %s, want HEALTHY", status)
	}
	if ok, _ := g.CanProceed(); !ok {
		t.Error("CanProceed() = false with enforcement disabled")
	}
	if len(notifier.raises) != 0 {
		t.Errorf("raises = %d, want 0", len(notifier.raises))
	}

	state := g.State()
	if state.UsagePct != 0 {
		t.Errorf("UsagePct = %.2f, want 0", state.UsagePct)
	}
	if !floatNear(state.SpentUSD, 250) {
		t.Errorf("SpentUSD = %.2f, want 250 (accounting still runs)", state.SpentUSD)
	}
}

func TestGuardReset(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	arbiter := notify.NewArbiter()
	g := newGuardAt(t, &Config{DailyLimitUSD: 10, WarnPct: 80}, arbiter, clock)

	g.Record(9.0, 100)
	if !arbiter.IsActive(notify.KindBudgetExceeded) {
		t.Fatal("advisory not raised at 90% usage")
	}

	g.Reset()
	if arbiter.IsActive(notify.KindBudgetExceeded) {
		t.Error("advisory survived Reset()")
	}
	if state := g.State(); state.SpentUSD != 0 {
		t.Errorf("SpentUSD after Reset() = %.2f, want 0", state.SpentUSD)
	}
}

func TestGuardConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"negative limit", &Config{DailyLimitUSD: -1, WarnPct: 80}},
		{"zero warn pct", &Config{DailyLimitUSD: 5, WarnPct: 0}},
		{"warn pct over 100", &Config{DailyLimitUSD: 5, WarnPct: 150}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewGuard(tt.cfg, nil); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
