package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/scan"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run health checkers once and print the report",
	Long: `Run the enabled checkers against the project and print a report.
The run is persisted to scan history like any agent-triggered scan.

Exits non-zero when the overall result is CRITICAL.

Examples:
  # Full scan with a colored report
  pulse scan --root .

  # Only specific checkers
  pulse scan --checker deps --checker gitignore

  # Machine-readable output
  pulse scan --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		checkers, _ := cmd.Flags().GetStringSlice("checker")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reg, err := buildRegistry(cfg)
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		orch := newOrchestrator(cfg, reg, nil, store)

		ctx := context.Background()
		var run *scan.ScanRun
		if len(checkers) > 0 {
			run, err = orch.RunTargeted(ctx, checkers, nil)
		} else {
			run, err = orch.RunFull(ctx, nil)
		}
		if err != nil {
			return err
		}
		printRegistryIssues(reg)

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(run); err != nil {
				return err
			}
		} else {
			printScanReport(run)
		}

		if run.Overall == scan.OverallCritical {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().Bool("json", false, "Print the run as JSON")
	scanCmd.Flags().StringSliceP("checker", "c", nil, "Run only the named checkers (repeatable)")
	rootCmd.AddCommand(scanCmd)
}

// printScanReport renders one run the way the SSE dashboard would: per
// phase a headline, then each non-passing check indented under it.
func printScanReport(run *scan.ScanRun) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("Health Scan"))

	for _, phase := range run.Phases {
		icon, c := phaseIcon(phase)
		fmt.Printf("%s %s %s\n", c.Sprint(icon), phase.Name,
			gray(fmt.Sprintf("(%d pass, %d warn, %d fail, %dms)",
				phase.Pass, phase.Warn, phase.Fail, phase.DurationMS)))

		for _, res := range phase.Results {
			if res.Status == checker.StatusPass {
				continue
			}
			resIcon, resColor := statusIcon(res.Status)
			fmt.Printf("    %s %s: %s\n", resColor.Sprint(resIcon), res.Name, res.Message)
			if res.Fixable {
				fmt.Printf("      %s\n", gray("fixable: pulse fix "+phase.Name+" "+res.Name))
			}
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("─", 60))
	oc := overallColor(run.Overall)
	fmt.Printf("%s  %.0f%% healthy  %d pass / %d warn / %d fail / %d skip  %dms\n\n",
		oc.Sprint(string(run.Overall)), run.HealthPct,
		run.Pass, run.Warn, run.Fail, run.Skip, run.DurationMS)
}

// phaseIcon classifies a phase by its worst result.
func phaseIcon(phase *checker.PhaseReport) (string, *color.Color) {
	switch {
	case phase.Fail > 0:
		return "✗", color.New(color.FgRed)
	case phase.Warn > 0:
		return "!", color.New(color.FgYellow)
	default:
		return "✓", color.New(color.FgGreen)
	}
}
