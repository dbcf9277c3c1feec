// Package checker defines the contract every health checker satisfies and
// the registry that discovers built-in and external checkers.
package checker

import (
	"context"
)

// Status is the outcome of a single check.
type Status string

const (
	// StatusPass indicates the check succeeded
	StatusPass Status = "PASS"
	// StatusWarn indicates a non-blocking problem
	StatusWarn Status = "WARN"
	// StatusFail indicates a blocking problem
	StatusFail Status = "FAIL"
	// StatusSkip indicates the check did not apply and was not counted
	StatusSkip Status = "SKIP"
)

// Evidence pinpoints where in the project a finding was observed.
type Evidence struct {
	File      string `json:"file,omitempty"`
	LineStart int    `json:"line_start,omitempty"`
	LineEnd   int    `json:"line_end,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
	RuleID    string `json:"rule_id,omitempty"`
}

// EvidenceDetails wraps evidence in the recommended details shape.
func EvidenceDetails(e Evidence) map[string]interface{} {
	return map[string]interface{}{"evidence": e}
}

// CheckResult is one finding emitted by a checker during Run.
// It is immutable once emitted.
type CheckResult struct {
	// Name identifies the individual check within the checker
	Name string `json:"name"`
	// Status is one of PASS, WARN, FAIL, SKIP
	Status Status `json:"status"`
	// Message is a human-readable summary of the finding
	Message string `json:"message"`
	// Details carries structured evidence (see EvidenceDetails)
	Details map[string]interface{} `json:"details,omitempty"`
	// Fixable reports whether the checker can repair this finding
	Fixable bool `json:"fixable,omitempty"`
	// FixDescription explains what the fix would do
	FixDescription string `json:"fix_description,omitempty"`
}

// PhaseReport aggregates the results of running one checker once.
//
// The derived counts and health percentage are set via Finalize, and
// DurationMS is stamped by the scan orchestrator; checkers only append
// Results.
type PhaseReport struct {
	// Name is the checker identity this report belongs to
	Name string `json:"name"`
	// Results holds the individual check outcomes in emission order
	Results []CheckResult `json:"results"`

	Pass      int     `json:"pass"`
	Warn      int     `json:"warn"`
	Fail      int     `json:"fail"`
	Skip      int     `json:"skip"`
	HealthPct float64 `json:"health_pct"`

	// DurationMS is wall-clock checker runtime, set by the orchestrator on
	// success and failure alike
	DurationMS int64 `json:"duration_ms"`
}

// NewPhaseReport creates an empty report for the named checker.
func NewPhaseReport(name string) *PhaseReport {
	return &PhaseReport{Name: name}
}

// Add appends a result to the report.
func (r *PhaseReport) Add(res CheckResult) {
	r.Results = append(r.Results, res)
}

// Finalize recomputes the derived counts and health percentage from Results.
// Skipped checks are excluded from the health denominator; a report with no
// active checks is 100% healthy.
func (r *PhaseReport) Finalize() {
	r.Pass, r.Warn, r.Fail, r.Skip = 0, 0, 0, 0
	for _, res := range r.Results {
		switch res.Status {
		case StatusPass:
			r.Pass++
		case StatusWarn:
			r.Warn++
		case StatusFail:
			r.Fail++
		case StatusSkip:
			r.Skip++
		}
	}

	active := r.Pass + r.Warn + r.Fail
	if active == 0 {
		r.HealthPct = 100.0
		return
	}
	r.HealthPct = float64(r.Pass) / float64(active) * 100.0
}

// Target describes the project a checker inspects.
type Target struct {
	// Root is the absolute project root directory
	Root string
	// Options holds per-checker options from configuration
	Options map[string]string
}

// Option returns a per-checker option value, or def when unset.
func (t Target) Option(key, def string) string {
	if v, ok := t.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// FixOutcome reports the result of a fix attempt.
type FixOutcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Checker is the contract every health checker implements.
//
// Name is the sole stable identity: ordering configuration, enablement
// configuration, and routing all key on it, never on the source file the
// checker was loaded from.
type Checker interface {
	// Name returns the stable checker identity
	Name() string

	// DisplayName returns the human-facing title
	DisplayName() string

	// Description returns a short explanation for tooltips
	Description() string

	// Icon returns a glyph hint for presentation layers
	Icon() string

	// Color returns a color hint for presentation layers
	Color() string

	// DependsOn lists checker names that should run before this one
	DependsOn() []string

	// Applicable reports whether the checker makes sense for the target
	// (for example, a go.mod audit only applies when go.mod exists)
	Applicable(target Target) bool

	// Run executes the checker. Implementations append Results only; the
	// orchestrator owns counts and timing. A returned error (or a panic)
	// is converted by the orchestrator into a synthetic FAIL result and
	// never aborts the surrounding scan.
	Run(ctx context.Context, target Target) (*PhaseReport, error)
}

// Fixer is implemented by checkers that can repair specific findings.
// Checkers without a Fixer implementation report "no auto-fix available"
// through the orchestrator rather than an error.
type Fixer interface {
	Fix(ctx context.Context, checkName string, target Target) FixOutcome
}

// Enablement reports per-checker enable flags from configuration.
// Unconfigured checkers default to enabled.
type Enablement interface {
	CheckerEnabled(name string) bool
}

// Info is the presentation-level description of a registered checker.
type Info struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	Icon        string   `json:"icon,omitempty"`
	Color       string   `json:"color,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Fixable     bool     `json:"fixable"`
	Module      string   `json:"module"`
}

// Describe builds the Info for a checker registered under moduleID.
func Describe(c Checker, moduleID string) Info {
	_, fixable := c.(Fixer)
	return Info{
		Name:        c.Name(),
		DisplayName: c.DisplayName(),
		Description: c.Description(),
		Icon:        c.Icon(),
		Color:       c.Color(),
		DependsOn:   c.DependsOn(),
		Fixable:     fixable,
		Module:      moduleID,
	}
}
