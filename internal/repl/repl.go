package repl

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/cost"
	"github.com/stackwatch/pulse/internal/notify"
	"github.com/stackwatch/pulse/internal/scan"
	"github.com/stackwatch/pulse/internal/storage"
)

// REPL is the interactive project-health console. Commands run against the
// local store and orchestrator directly, no server required.
type REPL struct {
	name     string
	registry *checker.Registry
	orch     *scan.Orchestrator
	store    *storage.Store
	guard    *cost.Guard
	notifier *notify.Arbiter
	order    []string
	enabled  func(name string) bool
	rl       *readline.Instance
	ctx      context.Context
	commands map[string]CommandHandler
}

// CommandHandler handles a specific command
type CommandHandler func(args []string) error

// Config holds REPL configuration
type Config struct {
	// Name is the project name shown in the welcome banner
	Name         string
	Registry     *checker.Registry
	Orchestrator *scan.Orchestrator
	Store        *storage.Store
	Guard        *cost.Guard
	Notifier     *notify.Arbiter
	// Order controls checker listing order, matching the scan order
	Order []string
	// Enabled reports per-checker enablement for the listing
	Enabled func(name string) bool
}

// New creates a new REPL instance
func New(cfg *Config) (*REPL, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("storage is required")
	}

	r := &REPL{
		name:     cfg.Name,
		registry: cfg.Registry,
		orch:     cfg.Orchestrator,
		store:    cfg.Store,
		guard:    cfg.Guard,
		notifier: cfg.Notifier,
		order:    cfg.Order,
		enabled:  cfg.Enabled,
		commands: make(map[string]CommandHandler),
	}

	r.registerCommands()

	return r, nil
}

// Run starts the REPL loop
func (r *REPL) Run(ctx context.Context) error {
	r.ctx = ctx

	cyan := color.New(color.FgCyan).SprintFunc()
	prompt := cyan("pulse> ")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		HistoryFile:       "",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	r.rl = rl

	r.printWelcome()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				// Ctrl+C shows a fresh prompt
				continue
			} else if err == io.EOF {
				// Ctrl+D exits
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := r.processInput(line); err != nil {
			if err == io.EOF {
				// Exit command
				return nil
			}
			red := color.New(color.FgRed).SprintFunc()
			fmt.Printf("%s %v\n", red("Error:"), err)
		}
	}
}

// processInput processes a single line of input
func (r *REPL) processInput(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	command := parts[0]
	args := parts[1:]

	if handler, ok := r.commands[command]; ok {
		return handler(args)
	}

	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Printf("%s Unknown command %q. Use 'help' for available commands.\n", yellow("Note:"), command)
	return nil
}

// registerCommands registers all built-in commands
func (r *REPL) registerCommands() {
	r.commands["help"] = r.cmdHelp
	r.commands["?"] = r.cmdHelp
	r.commands["status"] = r.cmdStatus
	r.commands["scan"] = r.cmdScan
	r.commands["checkers"] = r.cmdCheckers
	r.commands["fix"] = r.cmdFix
	r.commands["cost"] = r.cmdCost
	r.commands["history"] = r.cmdHistory
	r.commands["exit"] = r.cmdExit
	r.commands["quit"] = r.cmdExit
}

// printWelcome prints the welcome message
func (r *REPL) printWelcome() {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	title := "pulse console"
	if r.name != "" {
		title = fmt.Sprintf("pulse console for %s", r.name)
	}
	fmt.Printf("\n%s\n", cyan(title))
	fmt.Println("Continuous project health monitoring")
	fmt.Println()
	fmt.Println("Type 'help' for available commands, 'exit' to quit")
	fmt.Println()
}

// cmdHelp shows help information
func (r *REPL) cmdHelp(args []string) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("\n%s\n", cyan("Available Commands:"))
	fmt.Println()

	commands := []struct {
		name string
		desc string
	}{
		{"status", "Show latest scan result, advisories, and budget"},
		{"scan [checker...]", "Run a health scan (optionally only named checkers)"},
		{"checkers", "List registered checkers"},
		{"fix <checker> <check>", "Apply an automatic fix for a failing check"},
		{"cost", "Show LLM budget usage"},
		{"history [n]", "Show recent scan runs"},
		{"help, ?", "Show this help message"},
		{"exit, quit", "Exit the console"},
	}

	for _, cmd := range commands {
		fmt.Printf("  %-22s %s\n", green(cmd.name), cmd.desc)
	}
	fmt.Println()

	return nil
}

// cmdExit exits the REPL
func (r *REPL) cmdExit(args []string) error {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("\n%s Goodbye!\n", green("✓"))
	if r.rl != nil {
		r.rl.Close()
	}
	return io.EOF // Signal to exit the loop
}
