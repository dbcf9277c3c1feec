package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/scan"
	"github.com/stackwatch/pulse/internal/storage"
)

// Decision is the reasoner's verdict on one change batch.
type Decision struct {
	// RunScan reports whether a scan should run at all
	RunScan bool

	// FullScan selects a full scan over a targeted one
	FullScan bool

	// Checkers is the targeted set when FullScan is false
	Checkers []string

	// Reason is a short human-readable justification
	Reason string
}

// Reasoner turns change batches into scan decisions and scan-over-scan
// diffs into insights.
type Reasoner struct {
	cooldown    time.Duration
	fullScanPct int
	now         func() time.Time

	mu       sync.Mutex
	lastScan time.Time
}

// NewReasoner creates a reasoner. Cooldown defaults to 30s and
// fullScanPct to 60 when unset.
func NewReasoner(cooldown time.Duration, fullScanPct int) *Reasoner {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if fullScanPct <= 0 || fullScanPct > 100 {
		fullScanPct = 60
	}
	return &Reasoner{
		cooldown:    cooldown,
		fullScanPct: fullScanPct,
		now:         time.Now,
	}
}

// Decide maps one change batch onto a scan decision. Enabled is the set
// of checkers a full scan would currently run. Changes arriving inside
// the cooldown window are dropped; the next batch after the window picks
// the project state up again.
func (r *Reasoner) Decide(batch ChangeBatch, enabled []string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(enabled) == 0 {
		return Decision{Reason: "no enabled checkers"}
	}

	if since := r.now().Sub(r.lastScan); since < r.cooldown {
		remaining := (r.cooldown - since).Round(time.Second)
		return Decision{Reason: fmt.Sprintf("cooldown: next automatic scan in %s", remaining)}
	}

	affected := intersect(batch.Affected, enabled)

	// A change nothing maps to could touch anything
	if len(affected) == 0 {
		r.lastScan = r.now()
		return Decision{
			RunScan:  true,
			FullScan: true,
			Reason:   fmt.Sprintf("%d file(s) changed with no checker mapping", len(batch.Paths)),
		}
	}

	pct := len(affected) * 100 / len(enabled)
	if pct > r.fullScanPct {
		r.lastScan = r.now()
		return Decision{
			RunScan:  true,
			FullScan: true,
			Reason:   fmt.Sprintf("change affects %d%% of enabled checkers", pct),
		}
	}

	r.lastScan = r.now()
	return Decision{
		RunScan:  true,
		Checkers: affected,
		Reason:   fmt.Sprintf("change affects %s", strings.Join(affected, ", ")),
	}
}

// intersect returns the members of affected that are enabled, in sorted
// order.
func intersect(affected, enabled []string) []string {
	on := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		on[name] = true
	}

	var out []string
	for _, name := range affected {
		if on[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// CompareRuns diffs two consecutive runs into insights. Only checkers
// present in both runs are compared, so a targeted run never produces
// phantom improvements for checkers it did not visit.
func CompareRuns(prev, cur *scan.ScanRun) []*storage.Insight {
	if prev == nil || cur == nil {
		return nil
	}

	prevFails := failCounts(prev)
	curFails := failCounts(cur)

	var regressed, improved, failing []string
	for name, fails := range curFails {
		if fails > 0 {
			failing = append(failing, name)
		}
		before, seen := prevFails[name]
		if !seen {
			continue
		}
		switch {
		case fails > 0 && before == 0:
			regressed = append(regressed, name)
		case fails == 0 && before > 0:
			improved = append(improved, name)
		}
	}
	sort.Strings(regressed)
	sort.Strings(improved)
	sort.Strings(failing)

	var insights []*storage.Insight

	if len(regressed) > 0 {
		insights = append(insights, &storage.Insight{
			Kind:     storage.InsightRegression,
			Severity: string(events.SeverityError),
			Title:    pluralize(regressed, "regressed"),
			Detail:   "newly failing: " + strings.Join(regressed, ", "),
		})
	}

	if len(failing) >= 3 {
		insights = append(insights, &storage.Insight{
			Kind:     storage.InsightCorrelation,
			Severity: string(events.SeverityCritical),
			Title:    fmt.Sprintf("%d checkers failing together", len(failing)),
			Detail:   "failing: " + strings.Join(failing, ", "),
		})
	}

	if len(improved) > 0 {
		insights = append(insights, &storage.Insight{
			Kind:     storage.InsightImprovement,
			Severity: string(events.SeverityInfo),
			Title:    pluralize(improved, "recovered"),
			Detail:   "now passing: " + strings.Join(improved, ", "),
		})
	}

	return insights
}

func failCounts(run *scan.ScanRun) map[string]int {
	counts := make(map[string]int, len(run.Phases))
	for _, p := range run.Phases {
		counts[p.Name] = p.Fail
	}
	return counts
}

func pluralize(names []string, verb string) string {
	if len(names) == 1 {
		return fmt.Sprintf("%s %s", names[0], verb)
	}
	return fmt.Sprintf("%d checkers %s", len(names), verb)
}
