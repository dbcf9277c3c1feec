package checker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// cruftPatterns match leftover files that should not live in a healthy
// workspace: editor swap files, ad-hoc backups, and OS metadata.
var cruftPatterns = []string{
	"*.bak",
	"*.tmp",
	"*.temp",
	"*.old",
	"*_backup.*",
	"*_old.*",
	"*.swp",
	"*.swo",
	"*~",
	".DS_Store",
	"Thumbs.db",
}

// readmeNames are accepted spellings for the project readme.
var readmeNames = []string{"README.md", "README", "README.rst", "README.txt"}

// WorkspaceChecker verifies basic workspace layout and flags cruft files.
// The cruft check is fixable: the fix deletes every matched file.
type WorkspaceChecker struct{}

// NewWorkspaceChecker creates the workspace checker.
func NewWorkspaceChecker() *WorkspaceChecker { return &WorkspaceChecker{} }

// Name implements Checker.
func (w *WorkspaceChecker) Name() string { return "workspace" }

// DisplayName implements Checker.
func (w *WorkspaceChecker) DisplayName() string { return "Workspace" }

// Description implements Checker.
func (w *WorkspaceChecker) Description() string {
	return "Verifies the project root is sane and free of leftover cruft files"
}

// Icon implements Checker.
func (w *WorkspaceChecker) Icon() string { return "🗂" }

// Color implements Checker.
func (w *WorkspaceChecker) Color() string { return "cyan" }

// DependsOn implements Checker.
func (w *WorkspaceChecker) DependsOn() []string { return nil }

// Applicable implements Checker. The workspace checker applies everywhere.
func (w *WorkspaceChecker) Applicable(Target) bool { return true }

// Run implements Checker.
func (w *WorkspaceChecker) Run(ctx context.Context, target Target) (*PhaseReport, error) {
	report := NewPhaseReport(w.Name())

	info, err := os.Stat(target.Root)
	if err != nil || !info.IsDir() {
		report.Add(CheckResult{
			Name:    "root",
			Status:  StatusFail,
			Message: fmt.Sprintf("project root %s is not a directory", target.Root),
		})
		return report, nil
	}
	report.Add(CheckResult{
		Name:    "root",
		Status:  StatusPass,
		Message: "project root exists",
	})

	if _, err := os.Stat(filepath.Join(target.Root, ".git")); err == nil {
		report.Add(CheckResult{
			Name:    "git_repo",
			Status:  StatusPass,
			Message: "git repository detected",
		})
	} else {
		report.Add(CheckResult{
			Name:    "git_repo",
			Status:  StatusWarn,
			Message: "no .git directory; history-aware checks are limited",
		})
	}

	report.Add(w.checkReadme(target.Root))

	cruft, err := w.findCruft(ctx, target.Root)
	if err != nil {
		return report, err
	}
	if len(cruft) == 0 {
		report.Add(CheckResult{
			Name:    "cruft",
			Status:  StatusPass,
			Message: "no cruft files found",
		})
	} else {
		report.Add(CheckResult{
			Name:    "cruft",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d cruft files found", len(cruft)),
			Details: map[string]interface{}{
				"files": capList(cruft, maxRuleEvidence),
				"count": len(cruft),
			},
			Fixable:        true,
			FixDescription: fmt.Sprintf("delete %d cruft files", len(cruft)),
		})
	}

	return report, nil
}

func (w *WorkspaceChecker) checkReadme(root string) CheckResult {
	for _, name := range readmeNames {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return CheckResult{
				Name:    "readme",
				Status:  StatusPass,
				Message: fmt.Sprintf("%s present", name),
			}
		}
	}
	return CheckResult{
		Name:    "readme",
		Status:  StatusWarn,
		Message: "no readme found at project root",
	}
}

// findCruft collects files matching any cruft pattern, relative to root.
func (w *WorkspaceChecker) findCruft(ctx context.Context, root string) ([]string, error) {
	var cruft []string
	err := walkFiles(ctx, root, func(rel string, info os.FileInfo) error {
		base := filepath.Base(rel)
		for _, pattern := range cruftPatterns {
			if ok, _ := filepath.Match(pattern, base); ok {
				cruft = append(cruft, rel)
				return nil
			}
		}
		return nil
	})
	return cruft, err
}

// Fix implements Fixer. Only the cruft check supports auto-fix.
func (w *WorkspaceChecker) Fix(ctx context.Context, checkName string, target Target) FixOutcome {
	if checkName != "cruft" {
		return FixOutcome{Success: false, Message: "no auto-fix available"}
	}

	cruft, err := w.findCruft(ctx, target.Root)
	if err != nil {
		return FixOutcome{Success: false, Message: fmt.Sprintf("collecting cruft files: %v", err)}
	}
	if len(cruft) == 0 {
		return FixOutcome{Success: true, Message: "nothing to fix"}
	}

	deleted := 0
	for _, rel := range cruft {
		if err := os.Remove(filepath.Join(target.Root, rel)); err != nil {
			return FixOutcome{
				Success: false,
				Message: fmt.Sprintf("deleted %d of %d cruft files, then: %v", deleted, len(cruft), err),
			}
		}
		deleted++
	}

	return FixOutcome{Success: true, Message: fmt.Sprintf("deleted %d cruft files", deleted)}
}
