package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var checkersCmd = &cobra.Command{
	Use:   "checkers",
	Short: "List registered checkers and their enablement",
	Long: `List every discovered checker: built-ins plus any loaded from the
configured plugin directories, in effective execution order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := buildRegistry(cfg)
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("Checkers"))

		for _, info := range reg.Infos(cfg.Checks.Order) {
			state := green("enabled")
			if !cfg.Checks.CheckerEnabled(info.Name) {
				state = red("disabled")
			}

			var traits []string
			if info.Fixable {
				traits = append(traits, "fixable")
			}
			if len(info.DependsOn) > 0 {
				traits = append(traits, "after "+strings.Join(info.DependsOn, ", "))
			}
			suffix := ""
			if len(traits) > 0 {
				suffix = gray(" [" + strings.Join(traits, "; ") + "]")
			}

			fmt.Printf("  %s %-12s %-9s %s%s\n", info.Icon, info.Name, state, info.Description, suffix)
			fmt.Printf("    %s\n", gray(info.Module))
		}
		fmt.Println()

		printRegistryIssues(reg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkersCmd)
}
