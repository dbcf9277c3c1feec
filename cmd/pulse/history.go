package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent scan runs",
	Long:  `Show the most recent persisted scan runs, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ScanHistory(context.Background(), limit)
		if err != nil {
			return fmt.Errorf("loading scan history: %w", err)
		}

		if len(runs) == 0 {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("\n%s no scans recorded yet; run 'pulse scan' first\n\n", yellow("!"))
			return nil
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("Scan History"))
		for _, run := range runs {
			oc := overallColor(run.Overall)
			fmt.Printf("  #%-4d %s  %s  %3.0f%%  %s  %s\n",
				run.ID,
				run.StartedAt.Format("2006-01-02 15:04:05"),
				oc.Sprintf("%-8s", string(run.Overall)),
				run.HealthPct,
				fmt.Sprintf("%dP/%dW/%dF/%dS", run.Pass, run.Warn, run.Fail, run.Skip),
				gray(fmt.Sprintf("%dms", run.DurationMS)))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 10, "Number of runs to show")
	rootCmd.AddCommand(historyCmd)
}
