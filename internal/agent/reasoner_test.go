package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/scan"
	"github.com/stackwatch/pulse/internal/storage"
)

// runWithFails builds a finalized run where each named phase has the
// given number of failing checks, padded with one passing check so the
// phase is never empty.
func runWithFails(fails map[string]int) *scan.ScanRun {
	run := &scan.ScanRun{StartedAt: time.Now()}
	for name, n := range fails {
		report := checker.NewPhaseReport(name)
		report.Add(checker.CheckResult{Name: "baseline", Status: checker.StatusPass, Message: "ok"})
		for i := 0; i < n; i++ {
			report.Add(checker.CheckResult{Name: "broken", Status: checker.StatusFail, Message: "bad"})
		}
		report.Finalize()
		run.Phases = append(run.Phases, report)
	}
	run.Finalize(0)
	return run
}

func TestDecideTargetedVsFull(t *testing.T) {
	enabled := []string{"deps", "gitignore", "largefiles", "workspace"}

	t.Run("small change is targeted", func(t *testing.T) {
		r := NewReasoner(time.Second, 60)
		d := r.Decide(ChangeBatch{Paths: []string{"go.mod"}, Affected: []string{"deps"}}, enabled)
		require.True(t, d.RunScan)
		assert.False(t, d.FullScan)
		assert.Equal(t, []string{"deps"}, d.Checkers)
		assert.Contains(t, d.Reason, "deps")
	})

	t.Run("wide change is full", func(t *testing.T) {
		r := NewReasoner(time.Second, 60)
		d := r.Decide(ChangeBatch{
			Paths:    []string{"go.mod", ".gitignore", "main.go"},
			Affected: []string{"deps", "gitignore", "largefiles"},
		}, enabled)
		require.True(t, d.RunScan)
		assert.True(t, d.FullScan)
		assert.Contains(t, d.Reason, "75%")
	})

	t.Run("unmapped change is full", func(t *testing.T) {
		r := NewReasoner(time.Second, 60)
		d := r.Decide(ChangeBatch{Paths: []string{"notes.txt"}}, enabled)
		require.True(t, d.RunScan)
		assert.True(t, d.FullScan)
		assert.Contains(t, d.Reason, "no checker mapping")
	})

	t.Run("disabled checkers drop out of the target set", func(t *testing.T) {
		r := NewReasoner(time.Second, 60)
		d := r.Decide(ChangeBatch{
			Paths:    []string{"go.mod", "main.go"},
			Affected: []string{"deps", "largefiles"},
		}, []string{"deps", "gitignore", "workspace"})
		require.True(t, d.RunScan)
		assert.False(t, d.FullScan)
		assert.Equal(t, []string{"deps"}, d.Checkers)
	})

	t.Run("no enabled checkers means no scan", func(t *testing.T) {
		r := NewReasoner(time.Second, 60)
		d := r.Decide(ChangeBatch{Paths: []string{"go.mod"}, Affected: []string{"deps"}}, nil)
		assert.False(t, d.RunScan)
		assert.Equal(t, "no enabled checkers", d.Reason)
	})
}

func TestDecideCooldown(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewReasoner(30*time.Second, 60)
	r.now = func() time.Time { return now }

	enabled := []string{"deps", "workspace"}
	batch := ChangeBatch{Paths: []string{"go.mod"}, Affected: []string{"deps"}}

	first := r.Decide(batch, enabled)
	require.True(t, first.RunScan)

	// 10s later: inside the window, the batch is dropped
	now = now.Add(10 * time.Second)
	second := r.Decide(batch, enabled)
	assert.False(t, second.RunScan)
	assert.Contains(t, second.Reason, "cooldown")
	assert.Contains(t, second.Reason, "20s")

	// 31s after the first scan the window has passed
	now = now.Add(21 * time.Second)
	third := r.Decide(batch, enabled)
	assert.True(t, third.RunScan)
}

func TestNewReasonerDefaults(t *testing.T) {
	r := NewReasoner(0, 0)
	assert.Equal(t, 30*time.Second, r.cooldown)
	assert.Equal(t, 60, r.fullScanPct)

	r = NewReasoner(-time.Second, 150)
	assert.Equal(t, 30*time.Second, r.cooldown)
	assert.Equal(t, 60, r.fullScanPct)
}

func TestCompareRuns(t *testing.T) {
	t.Run("regression", func(t *testing.T) {
		prev := runWithFails(map[string]int{"deps": 0, "gitignore": 0})
		cur := runWithFails(map[string]int{"deps": 0, "gitignore": 2})

		insights := CompareRuns(prev, cur)
		require.Len(t, insights, 1)
		assert.Equal(t, storage.InsightRegression, insights[0].Kind)
		assert.Equal(t, "error", insights[0].Severity)
		assert.Equal(t, "gitignore regressed", insights[0].Title)
		assert.Equal(t, "newly failing: gitignore", insights[0].Detail)
	})

	t.Run("plural regression lists sorted names", func(t *testing.T) {
		prev := runWithFails(map[string]int{"deps": 0, "gitignore": 0})
		cur := runWithFails(map[string]int{"deps": 1, "gitignore": 1})

		insights := CompareRuns(prev, cur)
		require.Len(t, insights, 1)
		assert.Equal(t, "2 checkers regressed", insights[0].Title)
		assert.Equal(t, "newly failing: deps, gitignore", insights[0].Detail)
	})

	t.Run("improvement", func(t *testing.T) {
		prev := runWithFails(map[string]int{"deps": 3})
		cur := runWithFails(map[string]int{"deps": 0})

		insights := CompareRuns(prev, cur)
		require.Len(t, insights, 1)
		assert.Equal(t, storage.InsightImprovement, insights[0].Kind)
		assert.Equal(t, "info", insights[0].Severity)
		assert.Equal(t, "deps recovered", insights[0].Title)
		assert.Equal(t, "now passing: deps", insights[0].Detail)
	})

	t.Run("correlation at three failing checkers", func(t *testing.T) {
		prev := runWithFails(map[string]int{"deps": 1, "gitignore": 1, "workspace": 0})
		cur := runWithFails(map[string]int{"deps": 1, "gitignore": 1, "workspace": 2})

		insights := CompareRuns(prev, cur)
		require.Len(t, insights, 2)
		assert.Equal(t, storage.InsightRegression, insights[0].Kind)
		assert.Equal(t, storage.InsightCorrelation, insights[1].Kind)
		assert.Equal(t, "critical", insights[1].Severity)
		assert.Equal(t, "3 checkers failing together", insights[1].Title)
		assert.Equal(t, "failing: deps, gitignore, workspace", insights[1].Detail)
	})

	t.Run("first failure of a new checker is not a regression", func(t *testing.T) {
		prev := runWithFails(map[string]int{"deps": 0})
		cur := runWithFails(map[string]int{"deps": 0, "newcomer": 1})

		assert.Empty(t, CompareRuns(prev, cur))
	})

	t.Run("checkers absent from the current run are not improvements", func(t *testing.T) {
		// A targeted run visits a subset; the unvisited failing checker
		// did not recover, it just was not measured.
		prev := runWithFails(map[string]int{"deps": 1, "gitignore": 0})
		cur := runWithFails(map[string]int{"gitignore": 0})

		assert.Empty(t, CompareRuns(prev, cur))
	})

	t.Run("nil runs produce nothing", func(t *testing.T) {
		cur := runWithFails(map[string]int{"deps": 1})
		assert.Nil(t, CompareRuns(nil, cur))
		assert.Nil(t, CompareRuns(cur, nil))
	})

	t.Run("steady state is quiet", func(t *testing.T) {
		prev := runWithFails(map[string]int{"deps": 1, "gitignore": 0})
		cur := runWithFails(map[string]int{"deps": 1, "gitignore": 0})

		assert.Empty(t, CompareRuns(prev, cur))
	})
}
