// Command run-agent runs the file-watching agent loop without the HTTP
// server. Useful for headless setups where another process consumes the
// durable event log directly.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stackwatch/pulse/internal/agent"
	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/config"
	"github.com/stackwatch/pulse/internal/cost"
	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/llm"
	"github.com/stackwatch/pulse/internal/notify"
	"github.com/stackwatch/pulse/internal/scan"
	"github.com/stackwatch/pulse/internal/storage"
)

func main() {
	ctx := context.Background()

	cfgPath := ""
	if _, err := os.Stat("pulse.yaml"); err == nil {
		cfgPath = "pulse.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Printf("Using store: %s\n", cfg.Storage.Path)

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	maxID, err := store.MaxEventID(ctx)
	if err != nil {
		log.Fatalf("Failed to read event high-water mark: %v", err)
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
		log.Fatalf("Failed to initialize budget guard: %v", err)
	}

	reg := checker.NewRegistry()
	reg.Configure(cfg.Checks.PluginDirs...)
	if err := reg.Discover(); err != nil {
		log.Fatalf("Checker discovery failed: %v", err)
	}
	for _, le := range reg.LoadErrors() {
		log.Printf("Plugin load warning: %v", le)
	}

	orch := scan.NewOrchestrator(reg, scan.Config{
		Root:     cfg.Project.Root,
		Order:    cfg.Checks.Order,
		Settings: cfg.Checks,
		Bus:      bus,
		Store:    store,
	})

	llmClient, err := llm.New(llm.Config{
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.Model,
		FallbackModel: cfg.LLM.FallbackModel,
		Timeout:       time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		MaxTokens:     cfg.LLM.MaxTokens,
	}, guard, store, bus)
	if err != nil {
		log.Printf("LLM analysis disabled: %v", err)
		llmClient = nil
	}

	loop := agent.NewLoop(agent.Config{
		Root:         cfg.Project.Root,
		Enabled:      true,
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

	fmt.Println("Starting pulse agent...")
	if err := loop.Start(); err != nil {
		log.Fatalf("Agent failed to start: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	fmt.Println("Agent running. Press Ctrl+C to stop.")

	<-sigCh
	fmt.Println("\nShutting down agent...")

	if err := loop.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	fmt.Println("Agent stopped.")
}
