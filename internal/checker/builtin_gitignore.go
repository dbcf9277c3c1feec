package checker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ignoreCategory groups gitignore patterns by what kind of artifact
// they keep out of source control.
type ignoreCategory struct {
	Name     string
	Critical bool // uncovered patterns fail instead of warn
	Patterns []string
}

// ignoreCategories is the coverage table. File patterns are matched
// against the worktree; directory patterns (trailing slash) are checked
// by direct existence so skipped walk directories still count.
var ignoreCategories = []ignoreCategory{
	{
		Name:     "secrets",
		Critical: true,
		Patterns: []string{".env", ".env.*", "*.pem", "*.key", "credentials.json", "id_rsa*"},
	},
	{
		Name:     "build_artifacts",
		Patterns: []string{"*.o", "*.so", "*.exe", "*.out", "*.pyc", "*.class", "dist/", "build/", "target/"},
	},
	{
		Name:     "dependencies",
		Patterns: []string{"node_modules/", "bower_components/"},
	},
	{
		Name:     "editor_files",
		Patterns: []string{".vscode/", ".idea/", "*.swp", "*~"},
	},
	{
		Name:     "os_files",
		Patterns: []string{".DS_Store", "Thumbs.db"},
	},
}

// GitignoreChecker verifies that artifact files present in the worktree
// are covered by .gitignore patterns. Both checks are fixable: the fix
// appends the uncovered patterns, creating .gitignore when missing.
type GitignoreChecker struct{}

// NewGitignoreChecker creates the gitignore checker.
func NewGitignoreChecker() *GitignoreChecker { return &GitignoreChecker{} }

// Name implements Checker.
func (g *GitignoreChecker) Name() string { return "gitignore" }

// DisplayName implements Checker.
func (g *GitignoreChecker) DisplayName() string { return "Gitignore Coverage" }

// Description implements Checker.
func (g *GitignoreChecker) Description() string {
	return "Checks that build artifacts, secrets, and editor files are ignored"
}

// Icon implements Checker.
func (g *GitignoreChecker) Icon() string { return "🙈" }

// Color implements Checker.
func (g *GitignoreChecker) Color() string { return "yellow" }

// DependsOn implements Checker.
func (g *GitignoreChecker) DependsOn() []string { return []string{"workspace"} }

// Applicable implements Checker. Ignore coverage only means something
// for projects under git or already carrying a .gitignore.
func (g *GitignoreChecker) Applicable(target Target) bool {
	if _, err := os.Stat(filepath.Join(target.Root, ".git")); err == nil {
		return true
	}
	_, err := os.Stat(filepath.Join(target.Root, ".gitignore"))
	return err == nil
}

// Run implements Checker.
func (g *GitignoreChecker) Run(ctx context.Context, target Target) (*PhaseReport, error) {
	report := NewPhaseReport(g.Name())

	lines, err := readIgnorePatterns(filepath.Join(target.Root, ".gitignore"))
	switch {
	case os.IsNotExist(err):
		report.Add(CheckResult{
			Name:           "present",
			Status:         StatusWarn,
			Message:        ".gitignore is missing",
			Fixable:        true,
			FixDescription: "create .gitignore covering detected artifact patterns",
		})
	case err != nil:
		return report, fmt.Errorf("reading .gitignore: %w", err)
	default:
		report.Add(CheckResult{
			Name:    "present",
			Status:  StatusPass,
			Message: ".gitignore present",
		})
	}

	uncovered, critical, examples, err := g.findUncovered(ctx, target.Root, lines)
	if err != nil {
		return report, err
	}

	if len(uncovered) == 0 {
		report.Add(CheckResult{
			Name:    "coverage",
			Status:  StatusPass,
			Message: "all detected artifact patterns are covered",
		})
		return report, nil
	}

	status := StatusWarn
	if critical {
		status = StatusFail
	}

	var patterns []string
	for _, pats := range uncovered {
		patterns = append(patterns, pats...)
	}
	sort.Strings(patterns)

	report.Add(CheckResult{
		Name:    "coverage",
		Status:  status,
		Message: fmt.Sprintf("%d artifact patterns missing from .gitignore", len(patterns)),
		Details: map[string]interface{}{
			"categories": uncovered,
			"examples":   examples,
		},
		Fixable:        true,
		FixDescription: fmt.Sprintf("append %d patterns to .gitignore", len(patterns)),
	})

	return report, nil
}

// findUncovered returns category -> patterns that matched worktree
// content but are absent from the ignore file, whether any of them came
// from a critical category, and one example path per pattern.
func (g *GitignoreChecker) findUncovered(ctx context.Context, root string, ignored map[string]bool) (map[string][]string, bool, map[string]string, error) {
	filePatternHit := make(map[string]string) // pattern -> first matching rel path

	err := walkFiles(ctx, root, func(rel string, info os.FileInfo) error {
		base := filepath.Base(rel)
		for _, cat := range ignoreCategories {
			for _, pattern := range cat.Patterns {
				if strings.HasSuffix(pattern, "/") {
					continue
				}
				if _, seen := filePatternHit[pattern]; seen {
					continue
				}
				if ok, _ := filepath.Match(pattern, base); ok {
					filePatternHit[pattern] = rel
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, nil, err
	}

	uncovered := make(map[string][]string)
	examples := make(map[string]string)
	critical := false

	for _, cat := range ignoreCategories {
		for _, pattern := range cat.Patterns {
			var hit bool
			var example string

			if strings.HasSuffix(pattern, "/") {
				dir := strings.TrimSuffix(pattern, "/")
				if info, err := os.Stat(filepath.Join(root, dir)); err == nil && info.IsDir() {
					hit = true
					example = dir + "/"
				}
			} else if rel, ok := filePatternHit[pattern]; ok {
				hit = true
				example = rel
			}

			if !hit || ignoreCovers(ignored, pattern) {
				continue
			}

			uncovered[cat.Name] = append(uncovered[cat.Name], pattern)
			examples[pattern] = example
			if cat.Critical {
				critical = true
			}
		}
	}

	return uncovered, critical, examples, nil
}

// readIgnorePatterns loads non-comment .gitignore lines, normalized by
// stripping whitespace and a leading slash.
func readIgnorePatterns(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines[strings.TrimPrefix(line, "/")] = true
	}
	return lines, scanner.Err()
}

// ignoreCovers reports whether an ignore file already covers a pattern,
// treating "dir" and "dir/" as equivalent.
func ignoreCovers(lines map[string]bool, pattern string) bool {
	if lines == nil {
		return false
	}
	if lines[pattern] {
		return true
	}
	trimmed := strings.TrimSuffix(pattern, "/")
	return lines[trimmed] || lines[trimmed+"/"]
}

// Fix implements Fixer. Both checks resolve the same way: append every
// uncovered pattern, creating the file when absent.
func (g *GitignoreChecker) Fix(ctx context.Context, checkName string, target Target) FixOutcome {
	if checkName != "present" && checkName != "coverage" {
		return FixOutcome{Success: false, Message: "no auto-fix available"}
	}

	path := filepath.Join(target.Root, ".gitignore")
	lines, err := readIgnorePatterns(path)
	if err != nil && !os.IsNotExist(err) {
		return FixOutcome{Success: false, Message: fmt.Sprintf("reading .gitignore: %v", err)}
	}

	uncovered, _, _, err := g.findUncovered(ctx, target.Root, lines)
	if err != nil {
		return FixOutcome{Success: false, Message: fmt.Sprintf("scanning worktree: %v", err)}
	}
	if len(uncovered) == 0 {
		return FixOutcome{Success: true, Message: "nothing to fix"}
	}

	var b strings.Builder
	catNames := make([]string, 0, len(uncovered))
	for name := range uncovered {
		catNames = append(catNames, name)
	}
	sort.Strings(catNames)

	total := 0
	for _, name := range catNames {
		fmt.Fprintf(&b, "\n# %s\n", name)
		pats := uncovered[name]
		sort.Strings(pats)
		for _, p := range pats {
			fmt.Fprintln(&b, p)
			total++
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return FixOutcome{Success: false, Message: fmt.Sprintf("opening .gitignore: %v", err)}
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		return FixOutcome{Success: false, Message: fmt.Sprintf("writing .gitignore: %v", err)}
	}

	return FixOutcome{Success: true, Message: fmt.Sprintf("appended %d patterns to .gitignore", total)}
}
