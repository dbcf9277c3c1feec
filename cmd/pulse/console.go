package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackwatch/pulse/internal/cost"
	"github.com/stackwatch/pulse/internal/notify"
	"github.com/stackwatch/pulse/internal/repl"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Start the interactive health console",
	Long: `Start an interactive console for the project.

The console runs scans, applies fixes, and inspects history against the
local store directly, without a running server. Budget state is shared
with the server through the persisted spend file.

Type 'help' in the console for available commands.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		reg, err := buildRegistry(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printRegistryIssues(reg)

		store, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		guard, err := cost.NewGuard(&cost.Config{
			DailyLimitUSD: cfg.Budget.DailyLimitUSD,
			WarnPct:       cfg.Budget.WarnPct,
			StatePath:     cfg.Budget.StatePath,
		}, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load budget state: %v\n", err)
			os.Exit(1)
		}

		r, err := repl.New(&repl.Config{
			Name:         cfg.Project.Name,
			Registry:     reg,
			Orchestrator: newOrchestrator(cfg, reg, nil, store),
			Store:        store,
			Guard:        guard,
			Notifier:     notify.NewArbiter(),
			Order:        cfg.Checks.Order,
			Enabled:      cfg.Checks.CheckerEnabled,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create console: %v\n", err)
			os.Exit(1)
		}

		if err := r.Run(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
