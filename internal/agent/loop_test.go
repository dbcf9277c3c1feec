package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/cost"
	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/llm"
	"github.com/stackwatch/pulse/internal/scan"
	"github.com/stackwatch/pulse/internal/storage"
)

type fakeChecker struct {
	name string
	run  func(ctx context.Context, target checker.Target) (*checker.PhaseReport, error)
}

func (f *fakeChecker) Name() string        { return f.name }
func (f *fakeChecker) DisplayName() string { return f.name }
func (f *fakeChecker) Description() string { return "fake checker" }
func (f *fakeChecker) Icon() string        { return "*" }
func (f *fakeChecker) Color() string       { return "white" }
func (f *fakeChecker) DependsOn() []string { return nil }

func (f *fakeChecker) Applicable(checker.Target) bool { return true }

func (f *fakeChecker) Run(ctx context.Context, target checker.Target) (*checker.PhaseReport, error) {
	if f.run != nil {
		return f.run(ctx, target)
	}
	report := checker.NewPhaseReport(f.name)
	report.Add(checker.CheckResult{Name: "ok", Status: checker.StatusPass, Message: "fine"})
	return report, nil
}

func testRegistry(t *testing.T, checkers ...checker.Checker) *checker.Registry {
	t.Helper()
	reg := checker.NewRegistry()
	for _, c := range checkers {
		require.NoError(t, reg.Register(c, "test"))
	}
	return reg
}

// nextStateEvent reads events until the next agent_state_changed.
func nextStateEvent(t *testing.T, sub *events.Subscription) *events.AgentEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == events.EventTypeAgentStateChanged {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for state change event")
			return nil
		}
	}
}

func statePair(t *testing.T, ev *events.AgentEvent) (string, string) {
	t.Helper()
	oldState, ok := ev.Payload["old"].(string)
	require.True(t, ok, "old state missing from payload")
	newState, ok := ev.Payload["new"].(string)
	require.True(t, ok, "new state missing from payload")
	return oldState, newState
}

// TestLoopLifecycleChain drives a started agent through a real change
// batch and verifies the published state changes form an unbroken chain
// of legal transitions from idle back to idle.
func TestLoopLifecycleChain(t *testing.T) {
	root := t.TempDir()
	reg := testRegistry(t, &fakeChecker{name: "env"})
	bus := events.NewBus(nil)
	sub := bus.Subscribe(0)
	defer bus.Unsubscribe(sub)

	orch := scan.NewOrchestrator(reg, scan.Config{Root: root, Bus: bus})
	loop := NewLoop(Config{
		Root:         root,
		Enabled:      true,
		Debounce:     50 * time.Millisecond,
		Cooldown:     time.Millisecond,
		Registry:     reg,
		Orchestrator: orch,
		Bus:          bus,
	})

	require.NoError(t, loop.Start())

	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module demo\n"), 0o644))

	var pairs [][2]string
	for {
		ev := nextStateEvent(t, sub)
		oldState, newState := statePair(t, ev)
		pairs = append(pairs, [2]string{oldState, newState})
		if oldState == string(StateExecuting) && newState == string(StateObserving) {
			break
		}
	}

	require.NoError(t, loop.Stop())
	assert.Equal(t, StateIdle, loop.State())

	for {
		ev := nextStateEvent(t, sub)
		oldState, newState := statePair(t, ev)
		pairs = append(pairs, [2]string{oldState, newState})
		if newState == string(StateIdle) {
			break
		}
	}

	require.NotEmpty(t, pairs)
	assert.Equal(t, [2]string{"idle", "observing"}, pairs[0])
	assert.Equal(t, [2]string{"observing", "idle"}, pairs[len(pairs)-1])

	for i, pair := range pairs {
		assert.True(t, legalTransition(State(pair[0]), State(pair[1])),
			"illegal transition %s -> %s", pair[0], pair[1])
		if i > 0 {
			assert.Equal(t, pairs[i-1][1], pair[0],
				"state chain broken at %d: %v then %v", i, pairs[i-1], pair)
		}
	}
}

func TestLoopManualScan(t *testing.T) {
	root := t.TempDir()
	reg := testRegistry(t, &fakeChecker{name: "env"})
	bus := events.NewBus(nil)
	sub := bus.Subscribe(0)
	defer bus.Unsubscribe(sub)

	orch := scan.NewOrchestrator(reg, scan.Config{Root: root, Bus: bus})
	loop := NewLoop(Config{
		Root:         root,
		Enabled:      true,
		Registry:     reg,
		Orchestrator: orch,
		Bus:          bus,
	})

	require.NoError(t, loop.Start())
	defer func() { require.NoError(t, loop.Stop()) }()

	require.NoError(t, loop.RequestScan("api"))

	deadline := time.After(5 * time.Second)
	var requested, completed bool
	for !(requested && completed) {
		select {
		case ev := <-sub.C:
			switch ev.Type {
			case events.EventTypeScanRequested:
				requested = true
				assert.Equal(t, "api", ev.Payload["trigger"])
				assert.Equal(t, true, ev.Payload["full"])
			case events.EventTypeScanCompleted:
				completed = true
				assert.Equal(t, "HEALTHY", ev.Payload["overall"])
			}
		case <-deadline:
			t.Fatalf("timed out: requested=%v completed=%v", requested, completed)
		}
	}
}

func TestLoopDisabled(t *testing.T) {
	loop := NewLoop(Config{Enabled: false})

	assert.Equal(t, StateDisabled, loop.State())

	err := loop.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")

	assert.Error(t, loop.RequestScan("api"))
	assert.Error(t, loop.Stop())
	assert.Equal(t, StateDisabled, loop.State())
}

func TestLoopRestart(t *testing.T) {
	root := t.TempDir()
	reg := testRegistry(t, &fakeChecker{name: "env"})
	orch := scan.NewOrchestrator(reg, scan.Config{Root: root})
	loop := NewLoop(Config{Root: root, Enabled: true, Registry: reg, Orchestrator: orch})

	require.NoError(t, loop.Start())
	assert.Equal(t, StateObserving, loop.State())

	err := loop.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, loop.Stop())
	assert.Equal(t, StateIdle, loop.State())
	assert.False(t, loop.WatcherAlive())

	require.NoError(t, loop.Start())
	assert.Equal(t, StateObserving, loop.State())
	assert.True(t, loop.WatcherAlive())
	require.NoError(t, loop.Stop())
}

func TestLoopSeedsBaselineFromStore(t *testing.T) {
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	saved := runWithFails(map[string]int{"deps": 1})
	require.NoError(t, store.SaveScanRun(context.Background(), saved))

	root := t.TempDir()
	reg := testRegistry(t, &fakeChecker{name: "env"})
	orch := scan.NewOrchestrator(reg, scan.Config{Root: root})
	loop := NewLoop(Config{Root: root, Enabled: true, Registry: reg, Orchestrator: orch, Store: store})

	require.NoError(t, loop.Start())
	defer func() { require.NoError(t, loop.Stop()) }()

	baseline := loop.Memory().LatestRun()
	require.NotNil(t, baseline)
	assert.Equal(t, saved.ID, baseline.ID)
	assert.Equal(t, 1, baseline.Fail)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	bus := events.NewBus(nil)
	loop := NewLoop(Config{Enabled: true, Bus: bus})

	before := bus.LastID()
	assert.False(t, loop.transition(StateExecuting))
	assert.Equal(t, StateIdle, loop.State())
	assert.Equal(t, before, bus.LastID(), "rejected transition must not publish")
}

func TestLegalTransitionTable(t *testing.T) {
	legal := [][2]State{
		{StateIdle, StateObserving},
		{StateObserving, StateReasoning},
		{StateReasoning, StateExecuting},
		{StateExecuting, StateObserving},
		{StateExecuting, StateWaitingLLM},
		{StateWaitingLLM, StateObserving},
		{StateWaitingLLM, StateError},
		{StateError, StateObserving},
		{StateObserving, StateIdle},
	}
	for _, edge := range legal {
		assert.True(t, legalTransition(edge[0], edge[1]), "%s -> %s should be legal", edge[0], edge[1])
	}

	illegal := [][2]State{
		{StateIdle, StateExecuting},
		{StateIdle, StateIdle},
		{StateDisabled, StateObserving},
		{StateError, StateExecuting},
		{StateWaitingLLM, StateReasoning},
		{StateReasoning, StateIdle},
	}
	for _, edge := range illegal {
		assert.False(t, legalTransition(edge[0], edge[1]), "%s -> %s should be illegal", edge[0], edge[1])
	}
}

func TestAfterScanEmitsInsights(t *testing.T) {
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	bus := events.NewBus(nil)
	sub := bus.Subscribe(0)
	defer bus.Unsubscribe(sub)

	loop := NewLoop(Config{Enabled: true, Bus: bus, Store: store})
	loop.state = StateExecuting
	loop.memory.RecordRun(runWithFails(map[string]int{"deps": 0}))

	loop.afterScan(context.Background(), runWithFails(map[string]int{"deps": 2}))

	assert.Equal(t, StateObserving, loop.State())

	ev := recvAgentEvent(t, sub)
	require.Equal(t, events.EventTypeInsightGenerated, ev.Type)
	assert.Equal(t, events.SeverityError, ev.Severity)
	assert.Equal(t, storage.InsightRegression, ev.Payload["kind"])
	assert.Equal(t, "deps regressed", ev.Payload["title"])
	assert.NotEmpty(t, ev.Payload["insight_id"])

	stored, err := store.RecentInsights(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, storage.InsightRegression, stored[0].Kind)
}

// TestAnalyzeRunBudgetBlocked proves the waiting_llm state resolves back
// to observing without entering error when the cost guard refuses the
// call; the refusal happens before any network traffic.
func TestAnalyzeRunBudgetBlocked(t *testing.T) {
	cfg := cost.DefaultConfig()
	cfg.DailyLimitUSD = 1.00
	cfg.StatePath = ""
	guard, err := cost.NewGuard(cfg, nil)
	require.NoError(t, err)
	guard.Record(2.00, 500)

	client, err := llm.New(llm.Config{APIKey: "test-key"}, guard, nil, nil)
	require.NoError(t, err)

	bus := events.NewBus(nil)
	sub := bus.Subscribe(0)
	defer bus.Unsubscribe(sub)

	loop := NewLoop(Config{Enabled: true, Bus: bus, LLM: client})
	loop.state = StateExecuting

	loop.afterScan(context.Background(), runWithFails(map[string]int{"deps": 1}))

	first := nextStateEvent(t, sub)
	oldState, newState := statePair(t, first)
	assert.Equal(t, string(StateExecuting), oldState)
	assert.Equal(t, string(StateWaitingLLM), newState)

	second := nextStateEvent(t, sub)
	oldState, newState = statePair(t, second)
	assert.Equal(t, string(StateWaitingLLM), oldState)
	assert.Equal(t, string(StateObserving), newState)

	assert.Equal(t, StateObserving, loop.State())
}

func TestLoopErrorRecovery(t *testing.T) {
	bus := events.NewBus(nil)
	sub := bus.Subscribe(0)
	defer bus.Unsubscribe(sub)

	loop := NewLoop(Config{Enabled: true, Bus: bus})
	loop.recoveryPause = time.Millisecond
	loop.state = StateExecuting

	loop.handleScanError(context.Background(), errors.New("registry exploded"))

	first := nextStateEvent(t, sub)
	oldState, newState := statePair(t, first)
	assert.Equal(t, string(StateExecuting), oldState)
	assert.Equal(t, string(StateError), newState)
	assert.Equal(t, events.SeverityError, first.Severity)
	assert.Contains(t, first.Payload["error"], "registry exploded")

	second := nextStateEvent(t, sub)
	oldState, newState = statePair(t, second)
	assert.Equal(t, string(StateError), oldState)
	assert.Equal(t, string(StateObserving), newState)

	assert.Equal(t, StateObserving, loop.State())
}

func TestHandleScanErrorSkipsInFlight(t *testing.T) {
	bus := events.NewBus(nil)
	sub := bus.Subscribe(0)
	defer bus.Unsubscribe(sub)

	loop := NewLoop(Config{Enabled: true, Bus: bus})
	loop.state = StateExecuting

	loop.handleScanError(context.Background(), scan.ErrScanInProgress)

	ev := nextStateEvent(t, sub)
	oldState, newState := statePair(t, ev)
	assert.Equal(t, string(StateExecuting), oldState)
	assert.Equal(t, string(StateObserving), newState)
}
