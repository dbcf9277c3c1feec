package checker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
)

// DepsChecker audits the target's go.mod for hygiene problems that make
// builds unreproducible or hard to upgrade. It works entirely offline
// from the module file itself.
type DepsChecker struct{}

// NewDepsChecker creates the dependency checker.
func NewDepsChecker() *DepsChecker { return &DepsChecker{} }

// Name implements Checker.
func (d *DepsChecker) Name() string { return "deps" }

// DisplayName implements Checker.
func (d *DepsChecker) DisplayName() string { return "Dependencies" }

// Description implements Checker.
func (d *DepsChecker) Description() string {
	return "Audits go.mod for local replaces, pseudo-version pins, and missing directives"
}

// Icon implements Checker.
func (d *DepsChecker) Icon() string { return "📦" }

// Color implements Checker.
func (d *DepsChecker) Color() string { return "magenta" }

// DependsOn implements Checker.
func (d *DepsChecker) DependsOn() []string { return nil }

// Applicable implements Checker. Only Go modules carry a go.mod.
func (d *DepsChecker) Applicable(target Target) bool {
	_, err := os.Stat(filepath.Join(target.Root, "go.mod"))
	return err == nil
}

// Run implements Checker.
func (d *DepsChecker) Run(ctx context.Context, target Target) (*PhaseReport, error) {
	report := NewPhaseReport(d.Name())

	path := filepath.Join(target.Root, "go.mod")
	data, err := os.ReadFile(path)
	if err != nil {
		report.Add(CheckResult{
			Name:    "parse",
			Status:  StatusFail,
			Message: fmt.Sprintf("reading go.mod: %v", err),
		})
		return report, nil
	}

	modFile, err := modfile.Parse(path, data, nil)
	if err != nil {
		report.Add(CheckResult{
			Name:    "parse",
			Status:  StatusFail,
			Message: fmt.Sprintf("parsing go.mod: %v", err),
		})
		return report, nil
	}

	direct := directRequires(modFile)

	modulePath := "(unnamed)"
	if modFile.Module != nil {
		modulePath = modFile.Module.Mod.Path
	}
	report.Add(CheckResult{
		Name:    "parse",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s with %d direct dependencies", modulePath, len(direct)),
	})

	if modFile.Go == nil || modFile.Go.Version == "" {
		report.Add(CheckResult{
			Name:    "go_directive",
			Status:  StatusWarn,
			Message: "go.mod has no go directive",
		})
	} else {
		report.Add(CheckResult{
			Name:    "go_directive",
			Status:  StatusPass,
			Message: fmt.Sprintf("go directive set to %s", modFile.Go.Version),
		})
	}

	report.Add(d.checkLocalReplaces(modFile))
	report.Add(d.checkPseudoVersions(direct))
	report.Add(d.checkPreV1(direct))

	return report, nil
}

// directRequires returns the non-indirect require entries.
func directRequires(f *modfile.File) []module.Version {
	var direct []module.Version
	for _, req := range f.Require {
		if req.Indirect {
			continue
		}
		direct = append(direct, req.Mod)
	}
	return direct
}

// checkLocalReplaces flags replace directives pointing at filesystem
// paths. Those only resolve on the machine that wrote them.
func (d *DepsChecker) checkLocalReplaces(f *modfile.File) CheckResult {
	var local []string
	for _, rep := range f.Replace {
		if rep.New.Version == "" {
			local = append(local, fmt.Sprintf("%s => %s", rep.Old.Path, rep.New.Path))
		}
	}

	if len(local) == 0 {
		return CheckResult{
			Name:    "replace_local",
			Status:  StatusPass,
			Message: "no local replace directives",
		}
	}
	return CheckResult{
		Name:    "replace_local",
		Status:  StatusFail,
		Message: fmt.Sprintf("%d replace directives point at local paths", len(local)),
		Details: map[string]interface{}{"replaces": local},
	}
}

// checkPseudoVersions flags direct dependencies pinned to commit
// pseudo-versions instead of tagged releases.
func (d *DepsChecker) checkPseudoVersions(direct []module.Version) CheckResult {
	var pinned []string
	for _, dep := range direct {
		if module.IsPseudoVersion(dep.Version) {
			pinned = append(pinned, fmt.Sprintf("%s@%s", dep.Path, dep.Version))
		}
	}

	if len(pinned) == 0 {
		return CheckResult{
			Name:    "pseudo_versions",
			Status:  StatusPass,
			Message: "all direct dependencies use tagged releases",
		}
	}
	return CheckResult{
		Name:    "pseudo_versions",
		Status:  StatusWarn,
		Message: fmt.Sprintf("%d direct dependencies pinned to pseudo-versions", len(pinned)),
		Details: map[string]interface{}{"dependencies": capList(pinned, maxRuleEvidence)},
	}
}

// checkPreV1 counts direct dependencies still below v1.0.0. Purely
// informational: pre-v1 modules promise no compatibility across minor
// versions.
func (d *DepsChecker) checkPreV1(direct []module.Version) CheckResult {
	count := 0
	for _, dep := range direct {
		if semver.Major(dep.Version) == "v0" {
			count++
		}
	}
	return CheckResult{
		Name:    "pre_v1",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d of %d direct dependencies are below v1.0.0", count, len(direct)),
	}
}
