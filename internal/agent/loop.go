package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/llm"
	"github.com/stackwatch/pulse/internal/notify"
	"github.com/stackwatch/pulse/internal/scan"
	"github.com/stackwatch/pulse/internal/storage"
)

const sourceAgent = "agent"

// State names one node of the agent lifecycle.
type State string

const (
	// StateIdle means the agent is constructed but not running
	StateIdle State = "idle"
	// StateObserving means the agent is waiting for changes
	StateObserving State = "observing"
	// StateReasoning means the agent is deciding what a change batch means
	StateReasoning State = "reasoning"
	// StateExecuting means a scan is running on the agent's behalf
	StateExecuting State = "executing"
	// StateWaitingLLM means an analysis call is in flight
	StateWaitingLLM State = "waiting_llm"
	// StateError is a transient fault state that auto-recovers to observing
	StateError State = "error"
	// StateDisabled is terminal; a disabled agent never starts
	StateDisabled State = "disabled"
)

// transitions is the legal edge set. Anything not listed is rejected and
// logged, never performed.
var transitions = map[State][]State{
	StateIdle:       {StateObserving},
	StateObserving:  {StateReasoning, StateWaitingLLM, StateError, StateIdle},
	StateReasoning:  {StateExecuting, StateWaitingLLM, StateError, StateObserving},
	StateExecuting:  {StateObserving, StateWaitingLLM, StateError},
	StateWaitingLLM: {StateObserving, StateError},
	StateError:      {StateObserving},
	StateDisabled:   {},
}

func legalTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Config wires a Loop. Store, Bus, Notifier, LLM, and Settings may each
// be nil; a nil LLM simply skips the analysis step.
type Config struct {
	// Root is the project root the observer watches
	Root string

	// Enabled gates the loop; a disabled loop is constructed in the
	// terminal disabled state
	Enabled bool

	// Debounce is the observer's batching window (default 2s)
	Debounce time.Duration

	// Cooldown is the minimum gap between automatic scans (default 30s)
	Cooldown time.Duration

	// FullScanPct is the affected-checker percentage above which a full
	// scan replaces a targeted one (default 60)
	FullScanPct int

	// LLMWait bounds the waiting_llm state. The default covers a primary
	// and a fallback attempt at the default per-call timeout.
	LLMWait time.Duration

	// WatchDirs narrows observation to these root-relative directories.
	// Empty watches the whole root.
	WatchDirs []string

	// Order is the validated configured checker order
	Order []string

	Registry     *checker.Registry
	Orchestrator *scan.Orchestrator
	Settings     scan.Settings
	Store        *storage.Store
	Bus          *events.Bus
	Notifier     *notify.Arbiter
	LLM          *llm.Client
}

// Loop is the agent: it observes filesystem changes, reasons about which
// checkers they affect, executes scans, diffs consecutive runs into
// insights, and optionally asks an LLM to summarize unhealthy runs.
//
// The loop is strictly serial. One goroutine owns every state transition,
// so each handler runs start to finish before the next signal is taken.
type Loop struct {
	root      string
	watchDirs []string
	debounce  time.Duration
	llmWait   time.Duration
	order     []string

	registry *checker.Registry
	orch     *scan.Orchestrator
	settings scan.Settings
	store    *storage.Store
	bus      *events.Bus
	notifier *notify.Arbiter
	llm      *llm.Client

	reasoner *Reasoner
	memory   *Memory

	// recoveryPause is how long the error state lingers before the
	// automatic return to observing
	recoveryPause time.Duration

	scanRequests chan string

	mu       sync.Mutex
	state    State
	observer *Observer
	cancel   context.CancelFunc
	done     chan struct{}
	sub      *events.Subscription
}

// NewLoop constructs an agent in the idle state, or in the terminal
// disabled state when cfg.Enabled is false.
func NewLoop(cfg Config) *Loop {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.LLMWait <= 0 {
		cfg.LLMWait = 130 * time.Second
	}

	state := StateIdle
	if !cfg.Enabled {
		state = StateDisabled
	}

	return &Loop{
		root:          cfg.Root,
		watchDirs:     cfg.WatchDirs,
		debounce:      cfg.Debounce,
		llmWait:       cfg.LLMWait,
		order:         cfg.Order,
		registry:      cfg.Registry,
		orch:          cfg.Orchestrator,
		settings:      cfg.Settings,
		store:         cfg.Store,
		bus:           cfg.Bus,
		notifier:      cfg.Notifier,
		llm:           cfg.LLM,
		reasoner:      NewReasoner(cfg.Cooldown, cfg.FullScanPct),
		memory:        NewMemory(),
		recoveryPause: 2 * time.Second,
		scanRequests:  make(chan string, 4),
		state:         state,
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// WatcherAlive reports whether the running observer's watcher is still
// delivering events. False when the agent is not running.
func (l *Loop) WatcherAlive() bool {
	l.mu.Lock()
	obs := l.observer
	l.mu.Unlock()
	return obs != nil && obs.Alive()
}

// Memory returns the loop's bounded working memory.
func (l *Loop) Memory() *Memory {
	return l.memory
}

// Start transitions idle -> observing and launches the observer and the
// loop goroutine. Starting a disabled or already-running agent is an
// error.
func (l *Loop) Start() error {
	l.mu.Lock()
	switch l.state {
	case StateDisabled:
		l.mu.Unlock()
		return errors.New("agent is disabled by configuration")
	case StateIdle:
	default:
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("agent already running (state %s)", st)
	}
	l.mu.Unlock()

	observer, err := NewObserver(l.root, l.watchDirs, l.debounce, l.bus, l.notifier)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	var sub *events.Subscription
	if l.bus != nil {
		sub = l.bus.Subscribe(l.bus.LastID())
	}

	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		cancel()
		observer.Close()
		if sub != nil {
			l.bus.Unsubscribe(sub)
		}
		return errors.New("agent already running")
	}
	l.observer = observer
	l.cancel = cancel
	l.done = done
	l.sub = sub
	l.mu.Unlock()

	// Requests queued while stopped belong to a previous incarnation
drainStale:
	for {
		select {
		case <-l.scanRequests:
		default:
			break drainStale
		}
	}

	// Seed the diff baseline so the first run of this incarnation is
	// compared against persisted history, not against nothing
	if l.store != nil {
		if last, err := l.store.LatestScanRun(ctx); err == nil && last != nil {
			l.memory.RecordRun(last)
		}
	}

	l.transition(StateObserving)

	go observer.Run(ctx)
	go l.pumpMemory(ctx, sub)
	go l.run(ctx, observer, done)

	return nil
}

// Stop cancels the running loop, waits for it to unwind back to
// observing, and completes the observing -> idle transition.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.state == StateIdle || l.state == StateDisabled {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("agent is not running (state %s)", st)
	}
	cancel, done, sub, observer := l.cancel, l.done, l.sub, l.observer
	l.mu.Unlock()

	cancel()
	<-done

	if sub != nil {
		l.bus.Unsubscribe(sub)
	}
	observer.Close()

	l.transition(StateIdle)

	l.mu.Lock()
	l.observer, l.cancel, l.done, l.sub = nil, nil, nil, nil
	l.mu.Unlock()
	return nil
}

// RequestScan queues a manual full scan. Manual scans skip the reasoner's
// cooldown; rate limiting is the caller's concern.
func (l *Loop) RequestScan(source string) error {
	l.mu.Lock()
	st := l.state
	l.mu.Unlock()
	if st == StateIdle || st == StateDisabled {
		return fmt.Errorf("agent is not running (state %s)", st)
	}

	select {
	case l.scanRequests <- source:
		return nil
	default:
		return errors.New("scan request queue is full")
	}
}

// transition moves to the target state if the edge is legal, publishing
// an agent_state_changed event. Illegal transitions are rejected.
func (l *Loop) transition(to State) bool {
	return l.transitionDetail(to, nil)
}

func (l *Loop) transitionDetail(to State, detail map[string]interface{}) bool {
	l.mu.Lock()
	from := l.state
	if !legalTransition(from, to) {
		l.mu.Unlock()
		log.Printf("agent: rejected illegal transition %s -> %s", from, to)
		return false
	}
	l.state = to
	l.mu.Unlock()

	if l.bus == nil {
		return true
	}

	ev := events.NewStateChangedEvent(sourceAgent, string(from), string(to))
	if to == StateError {
		ev.Severity = events.SeverityError
	}
	for k, v := range detail {
		ev.Payload[k] = v
	}
	l.bus.Publish(ev)
	return true
}

// run is the single goroutine that owns all state transitions.
func (l *Loop) run(ctx context.Context, observer *Observer, done chan struct{}) {
	defer func() {
		// Unwind so Stop can make the final observing -> idle move
		if st := l.State(); st != StateObserving && st != StateIdle {
			l.transition(StateObserving)
		}
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-observer.Changes():
			l.handleBatch(ctx, batch)
		case source := <-l.scanRequests:
			l.handleManualScan(ctx, source)
		}
	}
}

// handleBatch is the observe -> reason -> act path for one change batch.
func (l *Loop) handleBatch(ctx context.Context, batch ChangeBatch) {
	if !l.transition(StateReasoning) {
		return
	}

	decision := l.reasoner.Decide(batch, l.enabledNames())
	if !decision.RunScan {
		log.Printf("agent: no scan: %s", decision.Reason)
		l.transition(StateObserving)
		return
	}

	l.publishScanRequested("auto", decision)

	if !l.transition(StateExecuting) {
		return
	}

	run, err := l.execute(ctx, decision)
	if err != nil {
		l.handleScanError(ctx, err)
		return
	}
	l.afterScan(ctx, run)
}

// handleManualScan runs a queued manual request as a full scan through
// the same pipeline.
func (l *Loop) handleManualScan(ctx context.Context, source string) {
	if !l.transition(StateReasoning) {
		return
	}

	decision := Decision{RunScan: true, FullScan: true, Reason: "manual scan from " + source}
	l.publishScanRequested(source, decision)

	if !l.transition(StateExecuting) {
		return
	}

	run, err := l.orch.RunFull(ctx, nil)
	if err != nil {
		l.handleScanError(ctx, err)
		return
	}
	l.afterScan(ctx, run)
}

func (l *Loop) execute(ctx context.Context, decision Decision) (*scan.ScanRun, error) {
	if decision.FullScan {
		return l.orch.RunFull(ctx, nil)
	}
	return l.orch.RunTargeted(ctx, decision.Checkers, nil)
}

func (l *Loop) handleScanError(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if errors.Is(err, scan.ErrScanInProgress) {
		// The orchestrator already published the skipped event
		log.Printf("agent: scan skipped: %v", err)
		l.transition(StateObserving)
		return
	}
	l.recoverFrom(ctx, map[string]interface{}{"error": err.Error()})
}

// afterScan updates memory, emits insights from the run-over-run diff,
// and decides whether the analysis step is warranted.
func (l *Loop) afterScan(ctx context.Context, run *scan.ScanRun) {
	prev := l.memory.LatestRun()
	l.memory.RecordRun(run)

	for _, in := range CompareRuns(prev, run) {
		l.publishInsight(ctx, in)
	}

	if l.llm == nil || run.Overall == scan.OverallHealthy {
		l.transition(StateObserving)
		return
	}

	l.analyzeRun(ctx, run, prev)
}

// analyzeRun holds the waiting_llm state for one bounded analysis call.
// A blocked budget is not a malfunction and returns straight to
// observing; a real failure goes through the error state.
func (l *Loop) analyzeRun(ctx context.Context, run, prev *scan.ScanRun) {
	if !l.transition(StateWaitingLLM) {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, l.llmWait)
	defer cancel()

	_, err := l.llm.Analyze(callCtx, llm.Request{
		Trigger:      "scan_" + strings.ToLower(string(run.Overall)),
		Current:      run,
		Previous:     prev,
		RecentEvents: l.memory.RecentEvents(10),
	})
	switch {
	case err == nil:
		l.transition(StateObserving)
	case errors.Is(err, llm.ErrBudgetBlocked):
		log.Printf("agent: llm analysis skipped: %v", err)
		l.transition(StateObserving)
	case ctx.Err() != nil:
		// Shutting down; run's exit path restores the state
	default:
		code := llm.Code(err)
		l.recoverFrom(ctx, map[string]interface{}{
			"error": err.Error(),
			"code":  code,
			"hint":  llm.Hint(code),
		})
	}
}

// recoverFrom enters the error state with diagnostic detail, lingers for
// the recovery pause, and returns to observing.
func (l *Loop) recoverFrom(ctx context.Context, detail map[string]interface{}) {
	l.transitionDetail(StateError, detail)

	select {
	case <-ctx.Done():
		return
	case <-time.After(l.recoveryPause):
	}
	l.transition(StateObserving)
}

func (l *Loop) publishScanRequested(trigger string, decision Decision) {
	if l.bus == nil {
		return
	}

	payload := map[string]interface{}{
		"trigger": trigger,
		"full":    decision.FullScan,
		"reason":  decision.Reason,
	}
	if !decision.FullScan {
		payload["checkers"] = decision.Checkers
	}
	l.bus.Publish(events.NewEvent(events.EventTypeScanRequested, sourceAgent, events.SeverityInfo,
		"scan requested: "+decision.Reason, payload))
}

func (l *Loop) publishInsight(ctx context.Context, in *storage.Insight) {
	if l.store != nil {
		if err := l.store.SaveInsight(ctx, in); err != nil {
			log.Printf("agent: failed to persist insight: %v", err)
		}
	}
	if l.bus == nil {
		return
	}

	l.bus.Publish(events.NewEvent(events.EventTypeInsightGenerated, sourceAgent, events.Severity(in.Severity),
		in.Title, map[string]interface{}{
			"insight_id": in.ID,
			"kind":       in.Kind,
			"severity":   in.Severity,
			"title":      in.Title,
			"detail":     in.Detail,
		}))
}

// pumpMemory mirrors every bus event into working memory so the analysis
// prompt sees the same activity stream subscribers do.
func (l *Loop) pumpMemory(ctx context.Context, sub *events.Subscription) {
	if sub == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Kicked:
			return
		case ev := <-sub.C:
			l.memory.RecordEvent(ev)
		}
	}
}

// enabledNames resolves the checkers a full scan would currently run.
func (l *Loop) enabledNames() []string {
	checkers := l.registry.GetEnabled(l.order, checker.Target{Root: l.root}, l.enablement())
	names := make([]string, 0, len(checkers))
	for _, c := range checkers {
		names = append(names, c.Name())
	}
	return names
}

func (l *Loop) enablement() checker.Enablement {
	if l.settings == nil {
		return nil
	}
	return l.settings
}
