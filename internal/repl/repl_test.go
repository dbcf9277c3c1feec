package repl

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/scan"
	"github.com/stackwatch/pulse/internal/storage"
)

type stubChecker struct {
	name string
}

func (s *stubChecker) Name() string        { return s.name }
func (s *stubChecker) DisplayName() string { return s.name }
func (s *stubChecker) Description() string { return "stub checker" }
func (s *stubChecker) Icon() string        { return "*" }
func (s *stubChecker) Color() string       { return "white" }
func (s *stubChecker) DependsOn() []string { return nil }

func (s *stubChecker) Applicable(checker.Target) bool { return true }

func (s *stubChecker) Run(ctx context.Context, target checker.Target) (*checker.PhaseReport, error) {
	report := checker.NewPhaseReport(s.name)
	report.Add(checker.CheckResult{Name: "ok", Status: checker.StatusPass, Message: "fine"})
	return report, nil
}

func newTestREPL(t *testing.T) *REPL {
	t.Helper()

	reg := checker.NewRegistry()
	require.NoError(t, reg.Register(&stubChecker{name: "env"}, "builtin"))

	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orch := scan.NewOrchestrator(reg, scan.Config{Root: t.TempDir(), Store: store})

	r, err := New(&Config{
		Name:         "demo",
		Registry:     reg,
		Orchestrator: orch,
		Store:        store,
	})
	require.NoError(t, err)
	r.ctx = context.Background()
	return r
}

func TestNewValidatesComponents(t *testing.T) {
	reg := checker.NewRegistry()
	orch := scan.NewOrchestrator(reg, scan.Config{})
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = New(&Config{Orchestrator: orch, Store: store})
	assert.ErrorContains(t, err, "registry")

	_, err = New(&Config{Registry: reg, Store: store})
	assert.ErrorContains(t, err, "orchestrator")

	_, err = New(&Config{Registry: reg, Orchestrator: orch})
	assert.ErrorContains(t, err, "storage")
}

func TestCommandsRegistered(t *testing.T) {
	r := newTestREPL(t)

	for _, name := range []string{"help", "?", "status", "scan", "checkers", "fix", "cost", "history", "exit", "quit"} {
		assert.Contains(t, r.commands, name)
	}
}

func TestScanThenHistory(t *testing.T) {
	r := newTestREPL(t)

	require.NoError(t, r.cmdScan(nil))

	runs, err := r.store.ScanHistory(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, scan.OverallHealthy, runs[0].Overall)

	require.NoError(t, r.cmdHistory(nil))
	assert.Error(t, r.cmdHistory([]string{"zero"}))
}

func TestScanTargetedUnknownChecker(t *testing.T) {
	r := newTestREPL(t)

	// Selecting only unknown names yields an empty but valid run.
	_, err := r.orch.RunTargeted(context.Background(), []string{"nope"}, nil)
	require.NoError(t, err)
}

func TestFixUsage(t *testing.T) {
	r := newTestREPL(t)

	assert.ErrorContains(t, r.cmdFix(nil), "usage")
	assert.ErrorContains(t, r.cmdFix([]string{"only-one"}), "usage")

	// Known checker without fix support reports the outcome, not an error.
	assert.NoError(t, r.cmdFix([]string{"env", "ok"}))

	// Unknown checker surfaces the registry error.
	assert.Error(t, r.cmdFix([]string{"nope", "ok"}))
}

func TestExitSignalsEOF(t *testing.T) {
	r := newTestREPL(t)

	err := r.cmdExit(nil)
	assert.Equal(t, io.EOF, err)

	// processInput routes exit/quit to the same sentinel.
	assert.Equal(t, io.EOF, r.processInput("quit"))
}
