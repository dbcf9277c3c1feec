package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stackwatch/pulse/internal/agent"
	"github.com/stackwatch/pulse/internal/config"
	"github.com/stackwatch/pulse/internal/cost"
	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/llm"
	"github.com/stackwatch/pulse/internal/notify"
	"github.com/stackwatch/pulse/internal/server"
	"github.com/stackwatch/pulse/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the health monitoring service",
	Long: `Start the full service: the HTTP API, the durable store, the event
bus, the retention purger, and (when enabled) the file-watching agent.

The service runs until interrupted. On SIGINT/SIGTERM it stops the
agent, drains in-flight HTTP requests, and closes the store.

Examples:
  # Serve the project in the current directory
  pulse serve --root .

  # Serve with an explicit config file
  pulse serve --config /etc/pulse/pulse.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Seed the id sequence from durable history so restarts never reuse
	// event ids.
	maxID, err := store.MaxEventID(ctx)
	if err != nil {
		return fmt.Errorf("reading event high-water mark: %w", err)
	}

	bus := events.NewBus(&events.Config{
		WindowSize:       cfg.Server.WindowSize,
		SubscriberBuffer: cfg.Server.SubscriberBuffer,
		LastID:           maxID,
		Sink:             store,
	})
	notifier := notify.NewArbiter()

	guard, err := cost.NewGuard(&cost.Config{
		DailyLimitUSD: cfg.Budget.DailyLimitUSD,
		WarnPct:       cfg.Budget.WarnPct,
		StatePath:     cfg.Budget.StatePath,
	}, notifier)
	if err != nil {
		return fmt.Errorf("initializing budget guard: %w", err)
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	printRegistryIssues(reg)

	orch := newOrchestrator(cfg, reg, bus, store)

	llmClient, err := llm.New(llm.Config{
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.Model,
		FallbackModel: cfg.LLM.FallbackModel,
		Timeout:       time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		MaxTokens:     cfg.LLM.MaxTokens,
	}, guard, store, bus)
	if err != nil {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s llm analysis disabled: %v (%s)\n",
			yellow("warning:"), err, llm.Hint(llm.Code(err)))
		llmClient = nil
	}

	loop := agent.NewLoop(agent.Config{
		Root:         cfg.Project.Root,
		Enabled:      cfg.Agent.Enabled,
		Debounce:     time.Duration(cfg.Agent.DebounceMS) * time.Millisecond,
		Cooldown:     time.Duration(cfg.Agent.CooldownSeconds) * time.Second,
		FullScanPct:  int(cfg.Agent.FullScanPct),
		WatchDirs:    cfg.Agent.WatchDirs,
		Order:        cfg.Checks.Order,
		Registry:     reg,
		Orchestrator: orch,
		Settings:     cfg.Checks,
		Store:        store,
		Bus:          bus,
		Notifier:     notifier,
		LLM:          llmClient,
	})

	purger := storage.NewPurger(store, storage.PurgerConfig{
		Policy: storage.PurgePolicy{
			ScanHistoryLimit: cfg.Storage.Retention.ScanHistoryLimit,
			EventDays:        cfg.Storage.Retention.EventDays,
			EventLimit:       cfg.Storage.Retention.EventLimit,
			AnalysisDays:     cfg.Storage.Retention.AnalysisDays,
		},
		Interval:  time.Duration(cfg.Storage.Retention.PurgeIntervalHours) * time.Hour,
		Publisher: bus,
		Notifier:  notifier,
	})

	srv, err := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ScanMinInterval: time.Duration(cfg.Server.ScanMinIntervalSeconds) * time.Second,
		Heartbeat:       time.Duration(cfg.Server.HeartbeatSeconds) * time.Second,
		Registry:        reg,
		Orchestrator:    orch,
		Store:           store,
		Bus:             bus,
		Agent:           loop,
		Guard:           guard,
		Notifier:        notifier,
	})
	if err != nil {
		return err
	}

	agentStarted := false
	if cfg.Agent.Enabled {
		if err := loop.Start(); err != nil {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Fprintf(os.Stderr, "%s agent not started: %v (manual scans still work)\n", yellow("warning:"), err)
		} else {
			agentStarted = true
		}
	}

	printServeBanner(cfg, loop)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		purger.Run(gctx)
		return nil
	})

	err = g.Wait()

	if agentStarted {
		if stopErr := loop.Stop(); stopErr != nil {
			fmt.Fprintf(os.Stderr, "warning: agent shutdown: %v\n", stopErr)
		}
	}
	return err
}

func printServeBanner(cfg *config.Config, loop *agent.Loop) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s %s\n", cyan("pulse"), "serving "+cfg.Project.Name)
	fmt.Printf("  %s %s\n", gray("root:"), cfg.Project.Root)
	fmt.Printf("  %s %s\n", gray("addr:"), "http://"+cfg.Server.Addr)
	fmt.Printf("  %s %s\n", gray("store:"), cfg.Storage.Path)
	fmt.Printf("  %s %s\n", gray("agent:"), string(loop.State()))
	fmt.Println()
}
