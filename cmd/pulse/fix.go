package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stackwatch/pulse/internal/checker"
)

var fixCmd = &cobra.Command{
	Use:   "fix <checker> <check>",
	Short: "Apply an automatic fix for a failing check",
	Long: `Run a checker's auto-fix for one named check, then re-run the
checker to verify the result.

Examples:
  pulse fix workspace cruft      # remove flagged cruft files
  pulse fix gitignore coverage   # append missing ignore patterns`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		outcome, err := orch.ApplyFix(cmd.Context(), args[0], args[1])
		if err != nil {
			if errors.Is(err, checker.ErrNotFound) {
				return fmt.Errorf("unknown checker %q; run 'pulse checkers' to list them", args[0])
			}
			return err
		}

		if outcome.Success {
			fmt.Printf("%s %s\n", color.GreenString("✓"), outcome.Message)
			return nil
		}
		fmt.Printf("%s %s\n", color.New(color.FgRed, color.Bold).Sprint("✗"), outcome.Message)
		os.Exit(1)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fixCmd)
}
