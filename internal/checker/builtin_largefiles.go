package checker

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// defaultSourceExtensions are the file types measured for size outliers.
var defaultSourceExtensions = []string{".go", ".py", ".js", ".ts", ".java", ".rs", ".c", ".cc", ".cpp", ".h"}

// defaultMinOutlierLines is the floor below which a file is never
// flagged, whatever the distribution says. Small repos have small
// standard deviations.
const defaultMinOutlierLines = 400

// LargeFilesChecker flags source files whose line counts are
// statistical outliers in the target's own distribution rather than
// applying a hardcoded threshold.
type LargeFilesChecker struct {
	// OutlierSigma is the number of standard deviations above the mean
	// at which a file becomes an outlier.
	OutlierSigma float64
}

// NewLargeFilesChecker creates the large-files checker with defaults.
func NewLargeFilesChecker() *LargeFilesChecker {
	return &LargeFilesChecker{OutlierSigma: 2.5}
}

// Name implements Checker.
func (l *LargeFilesChecker) Name() string { return "largefiles" }

// DisplayName implements Checker.
func (l *LargeFilesChecker) DisplayName() string { return "Large Files" }

// Description implements Checker.
func (l *LargeFilesChecker) Description() string {
	return "Flags source files whose size is an outlier for this project"
}

// Icon implements Checker.
func (l *LargeFilesChecker) Icon() string { return "📏" }

// Color implements Checker.
func (l *LargeFilesChecker) Color() string { return "blue" }

// DependsOn implements Checker.
func (l *LargeFilesChecker) DependsOn() []string { return nil }

// Applicable implements Checker.
func (l *LargeFilesChecker) Applicable(Target) bool { return true }

// fileSize pairs a file with its measured line count.
type fileSize struct {
	Path  string
	Lines int
}

// distribution summarizes the line-count population.
type distribution struct {
	Mean   float64
	Median float64
	StdDev float64
	P95    float64
	Max    int
	Count  int
}

// Run implements Checker.
func (l *LargeFilesChecker) Run(ctx context.Context, target Target) (*PhaseReport, error) {
	report := NewPhaseReport(l.Name())

	sizes, err := l.scanFiles(ctx, target)
	if err != nil {
		return report, err
	}

	if len(sizes) == 0 {
		report.Add(CheckResult{
			Name:    "distribution",
			Status:  StatusSkip,
			Message: "no source files found",
		})
		return report, nil
	}

	dist := calculateDistribution(sizes)
	report.Add(CheckResult{
		Name:   "distribution",
		Status: StatusPass,
		Message: fmt.Sprintf("%d source files, mean %.0f lines, p95 %.0f, max %d",
			dist.Count, dist.Mean, dist.P95, dist.Max),
	})

	minLines := optionInt(target, "min_lines", defaultMinOutlierLines)
	outliers := l.findOutliers(sizes, dist, minLines)

	if len(outliers) == 0 {
		report.Add(CheckResult{
			Name:    "outliers",
			Status:  StatusPass,
			Message: "no size outliers",
		})
		return report, nil
	}

	files := make([]string, 0, len(outliers))
	for _, o := range outliers {
		files = append(files, fmt.Sprintf("%s (%d lines)", o.Path, o.Lines))
	}

	report.Add(CheckResult{
		Name:    "outliers",
		Status:  StatusWarn,
		Message: fmt.Sprintf("%d files are size outliers (> mean + %.1fσ)", len(outliers), l.OutlierSigma),
		Details: map[string]interface{}{
			"files":     capList(files, maxRuleEvidence),
			"threshold": int(dist.Mean + l.OutlierSigma*dist.StdDev),
		},
	})

	return report, nil
}

// scanFiles counts lines in every matching source file. Generated and
// test files are excluded so they cannot dominate the distribution.
func (l *LargeFilesChecker) scanFiles(ctx context.Context, target Target) ([]fileSize, error) {
	extensions := defaultSourceExtensions
	if opt := target.Option("extensions", ""); opt != "" {
		extensions = strings.Split(opt, ",")
	}

	var sizes []fileSize
	err := walkFiles(ctx, target.Root, func(rel string, info os.FileInfo) error {
		if strings.HasSuffix(rel, "_test.go") || strings.HasSuffix(rel, ".pb.go") || strings.HasSuffix(rel, ".gen.go") {
			return nil
		}

		matched := false
		for _, ext := range extensions {
			if strings.HasSuffix(rel, strings.TrimSpace(ext)) {
				matched = true
				break
			}
		}
		if !matched {
			return nil
		}

		lines, err := countLines(filepath.Join(target.Root, rel))
		if err != nil {
			return nil
		}
		sizes = append(sizes, fileSize{Path: rel, Lines: lines})
		return nil
	})
	return sizes, err
}

// countLines streams a file counting newlines, avoiding whole-file reads.
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	count := 0
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}

// calculateDistribution computes summary statistics over line counts.
func calculateDistribution(sizes []fileSize) distribution {
	lines := make([]int, len(sizes))
	for i, s := range sizes {
		lines[i] = s.Lines
	}
	sort.Ints(lines)

	sum := 0
	for _, n := range lines {
		sum += n
	}
	mean := float64(sum) / float64(len(lines))

	variance := 0.0
	for _, n := range lines {
		diff := float64(n) - mean
		variance += diff * diff
	}

	p95Idx := int(float64(len(lines)) * 0.95)
	if p95Idx >= len(lines) {
		p95Idx = len(lines) - 1
	}

	return distribution{
		Mean:   mean,
		Median: float64(lines[len(lines)/2]),
		StdDev: math.Sqrt(variance / float64(len(lines))),
		P95:    float64(lines[p95Idx]),
		Max:    lines[len(lines)-1],
		Count:  len(lines),
	}
}

// findOutliers returns files above mean + sigma*stddev and above the
// floor, sorted largest first.
func (l *LargeFilesChecker) findOutliers(sizes []fileSize, dist distribution, minLines int) []fileSize {
	threshold := dist.Mean + l.OutlierSigma*dist.StdDev

	var outliers []fileSize
	for _, s := range sizes {
		if float64(s.Lines) > threshold && s.Lines >= minLines {
			outliers = append(outliers, s)
		}
	}

	sort.Slice(outliers, func(i, j int) bool {
		return outliers[i].Lines > outliers[j].Lines
	})
	return outliers
}

// optionInt parses an integer checker option, falling back on def.
func optionInt(target Target, key string, def int) int {
	raw := target.Option(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
