package checker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule kinds understood by manifest checkers.
const (
	ruleFileExists       = "file_exists"
	ruleGlobForbidden    = "glob_forbidden"
	ruleFileMaxKB        = "file_max_kb"
	ruleContentForbidden = "content_forbidden"
)

// maxRuleEvidence bounds the files listed in a single result's details.
const maxRuleEvidence = 20

// maxContentScanBytes bounds the file size content_forbidden rules will read.
const maxContentScanBytes = 4 << 20

// manifestSpec is the on-disk YAML shape of an external checker.
type manifestSpec struct {
	Name        string         `yaml:"name"`
	DisplayName string         `yaml:"display_name"`
	Description string         `yaml:"description"`
	Icon        string         `yaml:"icon"`
	Color       string         `yaml:"color"`
	DependsOn   []string       `yaml:"depends_on"`
	Rules       []manifestRule `yaml:"rules"`
}

// manifestRule is one declarative check within a manifest.
type manifestRule struct {
	ID       string `yaml:"id"`
	Kind     string `yaml:"kind"`
	Path     string `yaml:"path"`     // file_exists
	Glob     string `yaml:"glob"`     // glob_forbidden, file_max_kb, content_forbidden
	Pattern  string `yaml:"pattern"`  // content_forbidden substring
	MaxKB    int64  `yaml:"max_kb"`   // file_max_kb
	Severity string `yaml:"severity"` // fail (default) or warn
	Message  string `yaml:"message"`
	Fixable  bool   `yaml:"fixable"` // glob_forbidden only: delete matches
}

// status maps the rule severity to the result status used on a hit.
func (r manifestRule) status() Status {
	if r.Severity == "warn" {
		return StatusWarn
	}
	return StatusFail
}

// loadManifest parses and validates one manifest file, returning a
// ready-to-register checker.
func loadManifest(path string) (Checker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var spec manifestSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if err := validateSpec(&spec); err != nil {
		return nil, err
	}

	mc := &manifestChecker{spec: spec, path: path}
	if spec.hasFixableRule() {
		return &fixableManifestChecker{manifestChecker: mc}, nil
	}
	return mc, nil
}

// validateSpec checks structural validity and normalizes defaults.
func validateSpec(spec *manifestSpec) error {
	if spec.Name == "" {
		return errors.New("manifest missing name")
	}
	if strings.ContainsAny(spec.Name, " \t") {
		return fmt.Errorf("checker name %q contains whitespace", spec.Name)
	}
	if len(spec.Rules) == 0 {
		return fmt.Errorf("checker %q declares no rules", spec.Name)
	}

	seen := make(map[string]bool, len(spec.Rules))
	for i := range spec.Rules {
		r := &spec.Rules[i]
		if r.ID == "" {
			return fmt.Errorf("rule %d missing id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		switch r.Severity {
		case "":
			r.Severity = "fail"
		case "fail", "warn":
		default:
			return fmt.Errorf("rule %q has invalid severity %q", r.ID, r.Severity)
		}

		if r.Fixable && r.Kind != ruleGlobForbidden {
			return fmt.Errorf("rule %q: only %s rules are fixable", r.ID, ruleGlobForbidden)
		}

		switch r.Kind {
		case ruleFileExists:
			if r.Path == "" {
				return fmt.Errorf("rule %q (%s) missing path", r.ID, r.Kind)
			}
		case ruleGlobForbidden:
			if err := validGlob(r.Glob); err != nil {
				return fmt.Errorf("rule %q: %w", r.ID, err)
			}
		case ruleFileMaxKB:
			if err := validGlob(r.Glob); err != nil {
				return fmt.Errorf("rule %q: %w", r.ID, err)
			}
			if r.MaxKB <= 0 {
				return fmt.Errorf("rule %q (%s) requires max_kb > 0", r.ID, r.Kind)
			}
		case ruleContentForbidden:
			if err := validGlob(r.Glob); err != nil {
				return fmt.Errorf("rule %q: %w", r.ID, err)
			}
			if r.Pattern == "" {
				return fmt.Errorf("rule %q (%s) missing pattern", r.ID, r.Kind)
			}
		default:
			return fmt.Errorf("rule %q has unknown kind %q", r.ID, r.Kind)
		}
	}

	return nil
}

// validGlob verifies a glob pattern is present and well-formed.
func validGlob(glob string) error {
	if glob == "" {
		return errors.New("missing glob")
	}
	if _, err := filepath.Match(glob, "probe"); err != nil {
		return fmt.Errorf("invalid glob %q: %w", glob, err)
	}
	return nil
}

// hasFixableRule reports whether any rule supports auto-fix.
func (s manifestSpec) hasFixableRule() bool {
	for _, r := range s.Rules {
		if r.Fixable {
			return true
		}
	}
	return false
}

// manifestChecker interprets a YAML manifest as a Checker.
type manifestChecker struct {
	spec manifestSpec
	path string
}

// Name implements Checker.
func (m *manifestChecker) Name() string { return m.spec.Name }

// DisplayName implements Checker.
func (m *manifestChecker) DisplayName() string {
	if m.spec.DisplayName != "" {
		return m.spec.DisplayName
	}
	return m.spec.Name
}

// Description implements Checker.
func (m *manifestChecker) Description() string {
	if m.spec.Description != "" {
		return m.spec.Description
	}
	return fmt.Sprintf("External checker loaded from %s", filepath.Base(m.path))
}

// Icon implements Checker.
func (m *manifestChecker) Icon() string { return m.spec.Icon }

// Color implements Checker.
func (m *manifestChecker) Color() string { return m.spec.Color }

// DependsOn implements Checker.
func (m *manifestChecker) DependsOn() []string { return m.spec.DependsOn }

// Applicable implements Checker. Manifest rules are self-contained, so
// an external checker applies to any target root.
func (m *manifestChecker) Applicable(Target) bool { return true }

// Run implements Checker. Each rule yields exactly one result.
func (m *manifestChecker) Run(ctx context.Context, target Target) (*PhaseReport, error) {
	report := NewPhaseReport(m.spec.Name)

	for _, rule := range m.spec.Rules {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		res, err := m.evalRule(ctx, rule, target)
		if err != nil {
			return report, fmt.Errorf("rule %q: %w", rule.ID, err)
		}
		report.Add(res)
	}

	return report, nil
}

// evalRule evaluates one rule against the target tree.
func (m *manifestChecker) evalRule(ctx context.Context, rule manifestRule, target Target) (CheckResult, error) {
	switch rule.Kind {
	case ruleFileExists:
		return m.evalFileExists(rule, target), nil
	case ruleGlobForbidden:
		return m.evalGlobForbidden(ctx, rule, target)
	case ruleFileMaxKB:
		return m.evalFileMaxKB(ctx, rule, target)
	case ruleContentForbidden:
		return m.evalContentForbidden(ctx, rule, target)
	default:
		// validateSpec rejects unknown kinds before registration
		return CheckResult{}, fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

func (m *manifestChecker) evalFileExists(rule manifestRule, target Target) CheckResult {
	if _, err := os.Stat(filepath.Join(target.Root, rule.Path)); err != nil {
		msg := rule.Message
		if msg == "" {
			msg = fmt.Sprintf("required file %s is missing", rule.Path)
		}
		return CheckResult{
			Name:    rule.ID,
			Status:  rule.status(),
			Message: msg,
			Details: EvidenceDetails(Evidence{File: rule.Path, RuleID: rule.ID}),
		}
	}
	return CheckResult{
		Name:    rule.ID,
		Status:  StatusPass,
		Message: fmt.Sprintf("%s present", rule.Path),
	}
}

func (m *manifestChecker) evalGlobForbidden(ctx context.Context, rule manifestRule, target Target) (CheckResult, error) {
	matches, err := collectGlobMatches(ctx, target.Root, rule.Glob)
	if err != nil {
		return CheckResult{}, err
	}

	if len(matches) == 0 {
		return CheckResult{
			Name:    rule.ID,
			Status:  StatusPass,
			Message: fmt.Sprintf("no files match %s", rule.Glob),
		}, nil
	}

	msg := rule.Message
	if msg == "" {
		msg = fmt.Sprintf("%d files match forbidden pattern %s", len(matches), rule.Glob)
	}
	res := CheckResult{
		Name:    rule.ID,
		Status:  rule.status(),
		Message: msg,
		Details: map[string]interface{}{
			"files": capList(matches, maxRuleEvidence),
			"count": len(matches),
		},
	}
	if rule.Fixable {
		res.Fixable = true
		res.FixDescription = fmt.Sprintf("delete %d files matching %s", len(matches), rule.Glob)
	}
	return res, nil
}

func (m *manifestChecker) evalFileMaxKB(ctx context.Context, rule manifestRule, target Target) (CheckResult, error) {
	limit := rule.MaxKB * 1024
	var offenders []string

	err := walkFiles(ctx, target.Root, func(rel string, info os.FileInfo) error {
		if matchGlob(rel, rule.Glob) && info.Size() > limit {
			offenders = append(offenders, rel)
		}
		return nil
	})
	if err != nil {
		return CheckResult{}, err
	}

	if len(offenders) == 0 {
		return CheckResult{
			Name:    rule.ID,
			Status:  StatusPass,
			Message: fmt.Sprintf("all files matching %s are within %d KB", rule.Glob, rule.MaxKB),
		}, nil
	}

	msg := rule.Message
	if msg == "" {
		msg = fmt.Sprintf("%d files matching %s exceed %d KB", len(offenders), rule.Glob, rule.MaxKB)
	}
	return CheckResult{
		Name:    rule.ID,
		Status:  rule.status(),
		Message: msg,
		Details: map[string]interface{}{
			"files": capList(offenders, maxRuleEvidence),
			"count": len(offenders),
		},
	}, nil
}

func (m *manifestChecker) evalContentForbidden(ctx context.Context, rule manifestRule, target Target) (CheckResult, error) {
	var hits []Evidence

	err := walkFiles(ctx, target.Root, func(rel string, info os.FileInfo) error {
		if !matchGlob(rel, rule.Glob) || info.Size() > maxContentScanBytes {
			return nil
		}
		ev, found, err := scanForPattern(filepath.Join(target.Root, rel), rel, rule)
		if err != nil {
			// Unreadable files are skipped, not fatal
			return nil
		}
		if found {
			hits = append(hits, ev)
		}
		return nil
	})
	if err != nil {
		return CheckResult{}, err
	}

	if len(hits) == 0 {
		return CheckResult{
			Name:    rule.ID,
			Status:  StatusPass,
			Message: fmt.Sprintf("no files matching %s contain %q", rule.Glob, rule.Pattern),
		}, nil
	}

	files := make([]string, 0, len(hits))
	for _, ev := range hits {
		files = append(files, fmt.Sprintf("%s:%d", ev.File, ev.LineStart))
	}

	msg := rule.Message
	if msg == "" {
		msg = fmt.Sprintf("%d files contain forbidden content %q", len(hits), rule.Pattern)
	}
	details := EvidenceDetails(hits[0])
	details["files"] = capList(files, maxRuleEvidence)
	details["count"] = len(hits)

	return CheckResult{
		Name:    rule.ID,
		Status:  rule.status(),
		Message: msg,
		Details: details,
	}, nil
}

// scanForPattern reads a file line by line looking for the rule pattern.
// Returns evidence for the first matching line only.
func scanForPattern(absPath, rel string, rule manifestRule) (Evidence, bool, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return Evidence{}, false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if strings.Contains(scanner.Text(), rule.Pattern) {
			return Evidence{
				File:      rel,
				LineStart: line,
				LineEnd:   line,
				Snippet:   strings.TrimSpace(scanner.Text()),
				RuleID:    rule.ID,
			}, true, nil
		}
	}
	return Evidence{}, false, scanner.Err()
}

// collectGlobMatches walks the tree collecting files whose relative path
// or base name matches the glob.
func collectGlobMatches(ctx context.Context, root, glob string) ([]string, error) {
	var matches []string
	err := walkFiles(ctx, root, func(rel string, info os.FileInfo) error {
		if matchGlob(rel, glob) {
			matches = append(matches, rel)
		}
		return nil
	})
	return matches, err
}

// capList bounds a string list for inclusion in result details.
func capList(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	return items[:max]
}

// fix deletes the files matched by a fixable glob_forbidden rule.
func (m *manifestChecker) fix(ctx context.Context, checkName string, target Target) FixOutcome {
	var rule *manifestRule
	for i := range m.spec.Rules {
		if m.spec.Rules[i].ID == checkName {
			rule = &m.spec.Rules[i]
			break
		}
	}
	if rule == nil {
		return FixOutcome{Success: false, Message: fmt.Sprintf("unknown check %q", checkName)}
	}
	if !rule.Fixable {
		return FixOutcome{Success: false, Message: "no auto-fix available"}
	}

	matches, err := collectGlobMatches(ctx, target.Root, rule.Glob)
	if err != nil {
		return FixOutcome{Success: false, Message: fmt.Sprintf("collecting matches: %v", err)}
	}
	if len(matches) == 0 {
		return FixOutcome{Success: true, Message: "nothing to fix"}
	}

	deleted := 0
	for _, rel := range matches {
		if err := os.Remove(filepath.Join(target.Root, rel)); err != nil {
			return FixOutcome{
				Success: false,
				Message: fmt.Sprintf("deleted %d of %d files, then: %v", deleted, len(matches), err),
			}
		}
		deleted++
	}

	return FixOutcome{Success: true, Message: fmt.Sprintf("deleted %d files matching %s", deleted, rule.Glob)}
}

// fixableManifestChecker wraps manifestChecker with a Fixer
// implementation. Only manifests with at least one fixable rule get
// this wrapper, so Fixable detection by type assertion stays accurate.
type fixableManifestChecker struct {
	*manifestChecker
}

// Fix implements Fixer.
func (f *fixableManifestChecker) Fix(ctx context.Context, checkName string, target Target) FixOutcome {
	return f.fix(ctx, checkName, target)
}
