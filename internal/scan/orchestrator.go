// Package scan runs registered checkers in order and aggregates their
// reports into scan runs.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/events"
)

const sourceScanner = "scanner"

// ErrScanInProgress reports that a full scan was requested while another
// one holds the single flight.
var ErrScanInProgress = errors.New("scan in progress")

// Overall is the aggregate health classification of a scan run.
type Overall string

const (
	// OverallHealthy means no failing and no warning checks
	OverallHealthy Overall = "HEALTHY"
	// OverallDegraded means warnings but no failures
	OverallDegraded Overall = "DEGRADED"
	// OverallCritical means at least one failing check
	OverallCritical Overall = "CRITICAL"
)

// ComputeOverall classifies totals: any failure is CRITICAL, otherwise any
// warning is DEGRADED, otherwise HEALTHY.
func ComputeOverall(fail, warn int) Overall {
	switch {
	case fail > 0:
		return OverallCritical
	case warn > 0:
		return OverallDegraded
	default:
		return OverallHealthy
	}
}

// ScanRun aggregates the results of running all enabled checkers once.
type ScanRun struct {
	// ID is assigned by the store on save (0 before persistence)
	ID         int64                  `json:"id,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	Overall    Overall                `json:"overall"`
	Pass       int                    `json:"pass"`
	Warn       int                    `json:"warn"`
	Fail       int                    `json:"fail"`
	Skip       int                    `json:"skip"`
	HealthPct  float64                `json:"health_pct"`
	DurationMS int64                  `json:"duration_ms"`
	Phases     []*checker.PhaseReport `json:"phases"`
}

// Finalize recomputes the totals, overall classification, and health
// percentage from the phase reports. Skipped checks are excluded from the
// health denominator; a run with no active checks is 100% healthy.
func (r *ScanRun) Finalize(elapsed time.Duration) {
	r.Pass, r.Warn, r.Fail, r.Skip = 0, 0, 0, 0
	for _, p := range r.Phases {
		r.Pass += p.Pass
		r.Warn += p.Warn
		r.Fail += p.Fail
		r.Skip += p.Skip
	}

	active := r.Pass + r.Warn + r.Fail
	if active == 0 {
		r.HealthPct = 100.0
	} else {
		r.HealthPct = float64(r.Pass) / float64(active) * 100.0
	}

	r.Overall = ComputeOverall(r.Fail, r.Warn)
	r.DurationMS = elapsed.Milliseconds()
}

// Store persists completed scan runs.
type Store interface {
	SaveScanRun(ctx context.Context, run *ScanRun) error
}

// Settings supplies per-checker enablement and options. A nil Settings
// means every registered checker is enabled with no options.
type Settings interface {
	CheckerEnabled(name string) bool
	CheckerOptions(name string) map[string]string
}

// Progress receives scan lifecycle notifications as they happen, in
// execution order. Implementations must not block; the scan runs them
// synchronously.
type Progress interface {
	PhaseStart(name string)
	PhaseDone(report *checker.PhaseReport)
	ScanComplete(run *ScanRun)
}

// Config wires an Orchestrator. Bus, Store, and Settings may each be nil:
// a nil bus publishes nothing, a nil store persists nothing.
type Config struct {
	// Root is the absolute project root checkers inspect
	Root string
	// Order is the validated configured execution order; nil means
	// registration order
	Order []string
	// Settings supplies enablement and per-checker options
	Settings Settings
	// Bus receives scan_completed events
	Bus *events.Bus
	// Store persists completed runs
	Store Store
}

// Orchestrator runs checkers strictly sequentially, one scan at a time.
// A second full scan requested while one is in flight is skipped, never
// interleaved.
type Orchestrator struct {
	registry *checker.Registry
	root     string
	order    []string
	settings Settings
	bus      *events.Bus
	store    Store

	flight sync.Mutex
}

// NewOrchestrator creates an orchestrator over the given registry.
func NewOrchestrator(registry *checker.Registry, cfg Config) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		root:     cfg.Root,
		order:    cfg.Order,
		settings: cfg.Settings,
		bus:      cfg.Bus,
		store:    cfg.Store,
	}
}

// RunFull executes every enabled checker in dependency-refined configured
// order, reporting progress on the sink as phases start and finish. The
// returned run is already persisted (best effort) and announced on the bus.
// A concurrent call returns ErrScanInProgress after publishing a skipped
// scan_completed event.
func (o *Orchestrator) RunFull(ctx context.Context, progress Progress) (*ScanRun, error) {
	return o.run(ctx, nil, progress)
}

// RunTargeted executes only the named enabled checkers, in the same order
// a full scan would visit them, with the full scan's flight, persistence,
// and event contract. At least one name is required.
func (o *Orchestrator) RunTargeted(ctx context.Context, names []string, progress Progress) (*ScanRun, error) {
	if len(names) == 0 {
		return nil, errors.New("no checkers selected")
	}
	return o.run(ctx, names, progress)
}

func (o *Orchestrator) run(ctx context.Context, only []string, progress Progress) (*ScanRun, error) {
	if !o.flight.TryLock() {
		o.publishSkipped()
		return nil, ErrScanInProgress
	}
	defer o.flight.Unlock()

	started := time.Now()
	ordered := sortByDependencies(o.registry.GetEnabled(o.order, checker.Target{Root: o.root}, o.enablement()))
	if only != nil {
		ordered = selectNamed(ordered, only)
	}

	run := &ScanRun{
		StartedAt: started,
		Phases:    make([]*checker.PhaseReport, 0, len(ordered)),
	}

	for _, c := range ordered {
		// Cancellation is honored between checkers; a running checker
		// is opaque and finishes on its own.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if progress != nil {
			progress.PhaseStart(c.Name())
		}
		report := o.runChecker(ctx, c)
		run.Phases = append(run.Phases, report)
		if progress != nil {
			progress.PhaseDone(report)
		}
	}

	run.Finalize(time.Since(started))

	if progress != nil {
		progress.ScanComplete(run)
	}
	o.publishCompleted(run, only)

	if o.store != nil {
		if err := o.store.SaveScanRun(ctx, run); err != nil {
			log.Printf("scan: failed to persist scan run: %v", err)
		}
	}

	return run, nil
}

// RunSingle executes one checker by name outside a full scan, with the
// same timing and failure-wrapping contract. A checker that does not apply
// to the target yields a report with a single SKIP result.
func (o *Orchestrator) RunSingle(ctx context.Context, name string) (*checker.PhaseReport, error) {
	c, err := o.registry.GetByName(name)
	if err != nil {
		return nil, err
	}

	if !c.Applicable(o.targetFor(name)) {
		report := checker.NewPhaseReport(c.Name())
		report.Add(checker.CheckResult{
			Name:    "applicable",
			Status:  checker.StatusSkip,
			Message: "not applicable to this project",
		})
		report.Finalize()
		return report, nil
	}

	return o.runChecker(ctx, c), nil
}

// ApplyFix invokes the named check's fix on the named checker. A checker
// without fix support yields a failed outcome, not an error.
func (o *Orchestrator) ApplyFix(ctx context.Context, checkerName, checkName string) (checker.FixOutcome, error) {
	c, err := o.registry.GetByName(checkerName)
	if err != nil {
		return checker.FixOutcome{}, err
	}

	fixer, ok := c.(checker.Fixer)
	if !ok {
		return checker.FixOutcome{Success: false, Message: "no auto-fix available"}, nil
	}

	return fixer.Fix(ctx, checkName, o.targetFor(checkerName)), nil
}

// runChecker times one checker and converts panics and errors into a
// synthetic FAIL result named "error" so a misbehaving checker cannot
// abort the scan. DurationMS is set on every path.
func (o *Orchestrator) runChecker(ctx context.Context, c checker.Checker) *checker.PhaseReport {
	start := time.Now()

	report, err := safeRun(ctx, c, o.targetFor(c.Name()))
	if err != nil {
		report = checker.NewPhaseReport(c.Name())
		report.Add(checker.CheckResult{
			Name:    "error",
			Status:  checker.StatusFail,
			Message: err.Error(),
		})
	}
	if report == nil {
		report = checker.NewPhaseReport(c.Name())
	}

	report.Finalize()
	report.DurationMS = time.Since(start).Milliseconds()
	return report
}

// safeRun recovers a checker panic into an error.
func safeRun(ctx context.Context, c checker.Checker, target checker.Target) (report *checker.PhaseReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			report = nil
			err = fmt.Errorf("checker panicked: %v", r)
		}
	}()
	return c.Run(ctx, target)
}

func (o *Orchestrator) targetFor(name string) checker.Target {
	target := checker.Target{Root: o.root}
	if o.settings != nil {
		target.Options = o.settings.CheckerOptions(name)
	}
	return target
}

func (o *Orchestrator) enablement() checker.Enablement {
	if o.settings == nil {
		return nil
	}
	return o.settings
}

func (o *Orchestrator) publishCompleted(run *ScanRun, targeted []string) {
	if o.bus == nil {
		return
	}

	severity := events.SeverityInfo
	switch run.Overall {
	case OverallDegraded:
		severity = events.SeverityWarning
	case OverallCritical:
		severity = events.SeverityError
	}

	payload := map[string]interface{}{
		"overall":     string(run.Overall),
		"pass":        run.Pass,
		"warn":        run.Warn,
		"fail":        run.Fail,
		"skip":        run.Skip,
		"health_pct":  run.HealthPct,
		"duration_ms": run.DurationMS,
	}
	if targeted != nil {
		payload["targeted"] = targeted
	}

	o.bus.Publish(events.NewEvent(events.EventTypeScanCompleted, sourceScanner, severity,
		fmt.Sprintf("scan complete: %s (%d pass, %d warn, %d fail)",
			run.Overall, run.Pass, run.Warn, run.Fail),
		payload))
}

func (o *Orchestrator) publishSkipped() {
	if o.bus == nil {
		return
	}

	o.bus.Publish(events.NewEvent(events.EventTypeScanCompleted, sourceScanner, events.SeverityInfo,
		"scan skipped: another scan is in progress",
		map[string]interface{}{
			"skipped": true,
			"reason":  "scan_in_progress",
		}))
}

// selectNamed keeps only the named checkers, preserving their order.
// Names that match nothing are ignored; the registry already warned about
// unknown configuration entries.
func selectNamed(checkers []checker.Checker, names []string) []checker.Checker {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	selected := make([]checker.Checker, 0, len(names))
	for _, c := range checkers {
		if want[c.Name()] {
			selected = append(selected, c)
		}
	}
	return selected
}

// sortByDependencies refines the configured order so declared dependencies
// run before their dependents. Kahn's algorithm with the ready queue keyed
// by configured position keeps the result deterministic; dependencies not
// scheduled in this scan do not block; the members of a dependency cycle
// are appended in configured order.
func sortByDependencies(checkers []checker.Checker) []checker.Checker {
	index := make(map[string]int, len(checkers))
	for i, c := range checkers {
		index[c.Name()] = i
	}

	indegree := make([]int, len(checkers))
	dependents := make(map[string][]int)
	for i, c := range checkers {
		for _, dep := range c.DependsOn() {
			if _, ok := index[dep]; !ok {
				continue
			}
			indegree[i]++
			dependents[dep] = append(dependents[dep], i)
		}
	}

	ready := make([]int, 0, len(checkers))
	for i, deg := range indegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}
	sort.Ints(ready)

	result := make([]checker.Checker, 0, len(checkers))
	done := make([]bool, len(checkers))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		done[i] = true
		result = append(result, checkers[i])

		released := false
		for _, j := range dependents[checkers[i].Name()] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
				released = true
			}
		}
		if released {
			sort.Ints(ready)
		}
	}

	for i, c := range checkers {
		if !done[i] {
			result = append(result, c)
		}
	}
	return result
}
