package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/config"
	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/scan"
	"github.com/stackwatch/pulse/internal/storage"
)

var (
	cfgFile  string
	flagRoot string
)

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Continuous project health monitoring",
	Long: `Pulse runs health checkers against a project, watches the tree for
changes, and serves scan history and a live event stream over HTTP.

Most commands need a project root. It comes from (highest wins):
the --root flag, the PULSE_PROJECT_ROOT environment variable, or the
project.root key in the config file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: pulse.yaml in the project root, when present)")
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "project root (overrides the config file)")
}

// loadConfig layers defaults, the config file, and environment overrides.
// The --root flag is applied through the environment layer so it follows
// the same precedence as PULSE_PROJECT_ROOT.
func loadConfig() (*config.Config, error) {
	if flagRoot != "" {
		if err := os.Setenv("PULSE_PROJECT_ROOT", flagRoot); err != nil {
			return nil, err
		}
	}
	return config.Load(resolveConfigPath())
}

// resolveConfigPath finds the effective config file. An explicit --config
// must exist; the conventional pulse.yaml is picked up only when present.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	dir := flagRoot
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, "pulse.yaml")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// buildRegistry discovers the built-in checkers plus any configured
// plugin directories. Manifest load errors are collected on the registry,
// not fatal.
func buildRegistry(cfg *config.Config) (*checker.Registry, error) {
	reg := checker.NewRegistry()
	reg.Configure(cfg.Checks.PluginDirs...)
	if err := reg.Discover(); err != nil {
		return nil, fmt.Errorf("checker discovery failed: %w", err)
	}
	return reg, nil
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.Storage.Path, err)
	}
	return store, nil
}

func newOrchestrator(cfg *config.Config, reg *checker.Registry, bus *events.Bus, store *storage.Store) *scan.Orchestrator {
	scanCfg := scan.Config{
		Root:     cfg.Project.Root,
		Order:    cfg.Checks.Order,
		Settings: cfg.Checks,
		Bus:      bus,
	}
	if store != nil {
		scanCfg.Store = store
	}
	return scan.NewOrchestrator(reg, scanCfg)
}

// printRegistryIssues reports manifest load errors and order warnings to
// stderr so they never mix with machine-readable stdout.
func printRegistryIssues(reg *checker.Registry) {
	yellow := color.New(color.FgYellow).SprintFunc()
	for _, le := range reg.LoadErrors() {
		fmt.Fprintf(os.Stderr, "%s %v\n", yellow("warning:"), le)
	}
	for _, w := range reg.Warnings() {
		fmt.Fprintf(os.Stderr, "%s %s\n", yellow("warning:"), w)
	}
}

func overallColor(overall scan.Overall) *color.Color {
	switch overall {
	case scan.OverallHealthy:
		return color.New(color.FgGreen)
	case scan.OverallDegraded:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func statusIcon(status checker.Status) (string, *color.Color) {
	switch status {
	case checker.StatusPass:
		return "✓", color.New(color.FgGreen)
	case checker.StatusWarn:
		return "!", color.New(color.FgYellow)
	case checker.StatusFail:
		return "✗", color.New(color.FgRed)
	default:
		return "-", color.New(color.FgHiBlack)
	}
}
