package repl

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/scan"
)

// cmdStatus shows the latest scan result, active advisories, and budget
func (r *REPL) cmdStatus(args []string) error {
	ctx := r.ctx

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("Project Health"))

	run, err := r.store.LatestScanRun(ctx)
	if err != nil {
		return fmt.Errorf("failed to load latest scan: %w", err)
	}
	if run == nil {
		fmt.Printf("  %s No scans recorded yet. Run 'scan' first.\n", yellow("ℹ"))
	} else {
		overall := green(string(run.Overall))
		switch run.Overall {
		case scan.OverallDegraded:
			overall = yellow(string(run.Overall))
		case scan.OverallCritical:
			overall = red(string(run.Overall))
		}
		fmt.Printf("  %s  %.0f%% healthy  %s\n", overall, run.HealthPct,
			gray(fmt.Sprintf("(%d pass / %d warn / %d fail / %d skip)", run.Pass, run.Warn, run.Fail, run.Skip)))
		fmt.Printf("  scanned %s\n", gray(humanizeSince(run.StartedAt)))
	}
	fmt.Println()

	if r.notifier != nil {
		advisories := r.notifier.Active()
		if len(advisories) == 0 {
			fmt.Printf("  %s no active advisories\n", green("✓"))
		} else {
			for _, adv := range advisories {
				fmt.Printf("  %s [%s] %s\n", red("⊗"), adv.Kind, adv.Message)
			}
		}
		fmt.Println()
	}

	if r.guard != nil {
		st := r.guard.State()
		if st.LimitUSD > 0 {
			fmt.Printf("  budget: $%.4f / $%.2f (%.1f%%)\n", st.SpentUSD, st.LimitUSD, st.UsagePct)
		} else {
			fmt.Printf("  budget: $%.4f spent (no daily limit)\n", st.SpentUSD)
		}
		fmt.Println()
	}

	return nil
}

// cmdScan runs a scan and prints a per-checker summary
func (r *REPL) cmdScan(args []string) error {
	ctx := r.ctx

	var run *scan.ScanRun
	var err error
	if len(args) > 0 {
		run, err = r.orch.RunTargeted(ctx, args, nil)
	} else {
		run, err = r.orch.RunFull(ctx, nil)
	}
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Println()
	for _, phase := range run.Phases {
		icon := green("✓")
		if phase.Fail > 0 {
			icon = red("✗")
		} else if phase.Warn > 0 {
			icon = yellow("!")
		}
		fmt.Printf("%s %-12s %s\n", icon, phase.Name,
			gray(fmt.Sprintf("%d pass, %d warn, %d fail, %dms", phase.Pass, phase.Warn, phase.Fail, phase.DurationMS)))

		for _, res := range phase.Results {
			if res.Status == checker.StatusPass {
				continue
			}
			statusIcon := yellow("!")
			if res.Status == checker.StatusFail {
				statusIcon = red("✗")
			} else if res.Status == checker.StatusSkip {
				statusIcon = gray("-")
			}
			fmt.Printf("    %s %s: %s\n", statusIcon, res.Name, res.Message)
		}
	}

	overall := green(string(run.Overall))
	switch run.Overall {
	case scan.OverallDegraded:
		overall = yellow(string(run.Overall))
	case scan.OverallCritical:
		overall = red(string(run.Overall))
	}
	fmt.Printf("\n%s  %.0f%% healthy  %s\n\n", overall, run.HealthPct, gray(fmt.Sprintf("%dms", run.DurationMS)))

	return nil
}

// cmdCheckers lists registered checkers with enablement
func (r *REPL) cmdCheckers(args []string) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("Checkers"))

	for _, info := range r.registry.Infos(r.order) {
		state := green("enabled")
		if r.enabled != nil && !r.enabled(info.Name) {
			state = red("disabled")
		}
		traits := ""
		if info.Fixable {
			traits = gray(" [fixable]")
		}
		fmt.Printf("  %s %-12s %-9s %s%s\n", info.Icon, info.Name, state, info.Description, traits)
	}
	fmt.Println()

	return nil
}

// cmdFix applies an automatic fix and reports the outcome
func (r *REPL) cmdFix(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: fix <checker> <check>")
	}

	outcome, err := r.orch.ApplyFix(r.ctx, args[0], args[1])
	if err != nil {
		return err
	}

	if outcome.Success {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s\n", green("✓"), outcome.Message)
	} else {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Printf("%s %s\n", red("✗"), outcome.Message)
	}
	return nil
}

// cmdCost shows the LLM budget snapshot
func (r *REPL) cmdCost(args []string) error {
	if r.guard == nil {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("\n%s Cost tracking not configured.\n\n", yellow("ℹ"))
		return nil
	}

	st := r.guard.State()

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	statusColor := color.New(color.FgGreen).SprintFunc()
	if st.Exceeded {
		statusColor = color.New(color.FgRed, color.Bold).SprintFunc()
	} else if st.LimitUSD > 0 && st.UsagePct >= 80 {
		statusColor = color.New(color.FgYellow).SprintFunc()
	}

	fmt.Printf("\n%s\n\n", cyan("LLM Budget"))
	fmt.Printf("  status:  %s\n", statusColor(st.Status))
	if st.LimitUSD > 0 {
		fmt.Printf("  spend:   $%.4f / $%.2f (%.1f%%)\n", st.SpentUSD, st.LimitUSD, st.UsagePct)
	} else {
		fmt.Printf("  spend:   $%.4f (no daily limit)\n", st.SpentUSD)
	}
	fmt.Printf("  calls:   %d\n", st.Calls)
	fmt.Printf("  tokens:  %d\n", st.Tokens)
	fmt.Println()

	return nil
}

// cmdHistory lists recent scan runs, newest first
func (r *REPL) cmdHistory(args []string) error {
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid limit %q", args[0])
		}
		limit = n
	}

	runs, err := r.store.ScanHistory(r.ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to load scan history: %w", err)
	}

	if len(runs) == 0 {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("\n%s No scans recorded yet.\n\n", yellow("ℹ"))
		return nil
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("Scan History"))
	for _, run := range runs {
		overall := green(fmt.Sprintf("%-8s", run.Overall))
		switch run.Overall {
		case scan.OverallDegraded:
			overall = yellow(fmt.Sprintf("%-8s", run.Overall))
		case scan.OverallCritical:
			overall = red(fmt.Sprintf("%-8s", run.Overall))
		}
		fmt.Printf("  #%-4d %s  %s  %3.0f%%  %s\n",
			run.ID,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			overall,
			run.HealthPct,
			gray(fmt.Sprintf("%dms", run.DurationMS)),
		)
	}
	fmt.Println()

	return nil
}

// humanizeSince renders an elapsed duration compactly for status lines
func humanizeSince(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh ago", d.Hours())
	default:
		return t.Format("2006-01-02 15:04")
	}
}
