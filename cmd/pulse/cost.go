package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stackwatch/pulse/internal/cost"
)

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Show LLM budget status and usage",
	Long: `Display today's LLM spend against the configured daily budget,
including call and token counters. Reads the same persisted state the
running service updates, so it works while serve is up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		guard, err := cost.NewGuard(&cost.Config{
			DailyLimitUSD: cfg.Budget.DailyLimitUSD,
			WarnPct:       cfg.Budget.WarnPct,
			StatePath:     cfg.Budget.StatePath,
		}, nil)
		if err != nil {
			return fmt.Errorf("loading budget state: %w", err)
		}
		state := guard.State()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		statusColor := color.New(color.FgGreen)
		statusIcon := "✓"
		switch state.Status {
		case cost.BudgetWarning.String():
			statusColor = color.New(color.FgYellow)
			statusIcon = "!"
		case cost.BudgetExceeded.String():
			statusColor = color.New(color.FgRed, color.Bold)
			statusIcon = "✗"
		}

		fmt.Printf("\n%s\n\n", cyan("LLM Budget"))
		fmt.Printf("%s Status: %s\n\n", statusIcon, statusColor.Sprint(state.Status))

		fmt.Printf("%s\n", yellow("Today:"))
		if state.LimitUSD > 0 {
			fmt.Printf("  Spend:   $%.4f / $%.2f (%.1f%%)\n", state.SpentUSD, state.LimitUSD, state.UsagePct)
			fmt.Printf("           %s\n", renderProgressBar(state.UsagePct, 40))
		} else {
			fmt.Printf("  Spend:   $%.4f (no daily limit)\n", state.SpentUSD)
		}
		fmt.Printf("  Calls:   %d\n", state.Calls)
		fmt.Printf("  Tokens:  %s\n", formatTokens(state.Tokens))
		fmt.Printf("  Window:  since %s\n", state.WindowStart.Format("2006-01-02 15:04:05"))
		fmt.Println()

		fmt.Printf("%s\n", yellow("Configuration:"))
		fmt.Printf("  Daily Limit:     $%.2f\n", cfg.Budget.DailyLimitUSD)
		fmt.Printf("  Warn Threshold:  %.0f%%\n", cfg.Budget.WarnPct)
		fmt.Printf("  State File:      %s\n", gray(cfg.Budget.StatePath))
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(costCmd)
}

// formatTokens renders a token count compactly.
func formatTokens(tokens int64) string {
	switch {
	case tokens < 1000:
		return fmt.Sprintf("%d", tokens)
	case tokens < 1_000_000:
		return fmt.Sprintf("%.1fK", float64(tokens)/1000)
	default:
		return fmt.Sprintf("%.2fM", float64(tokens)/1_000_000)
	}
}

// renderProgressBar renders a fixed-width usage bar colored by pressure.
func renderProgressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	barColor := color.New(color.FgGreen)
	if percent >= 100 {
		barColor = color.New(color.FgRed, color.Bold)
	} else if percent >= 80 {
		barColor = color.New(color.FgYellow)
	}

	filled := int(percent / 100.0 * float64(width))
	var bar string
	for i := 0; i < width; i++ {
		if i < filled {
			bar += barColor.Sprint("█")
		} else {
			bar += color.New(color.FgHiBlack).Sprint("░")
		}
	}
	return "[" + bar + "]"
}
