// Package llm runs the agent's analysis step against the Anthropic API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/cost"
	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/scan"
	"github.com/stackwatch/pulse/internal/storage"
)

// Failure classification codes carried in event payloads and status output.
const (
	CodeNotConfigured  = "llm_not_configured"
	CodeAuthFailed     = "llm_auth_failed"
	CodeTransientError = "llm_transient_error"
	CodeTimeout        = "llm_timeout"
)

// ErrNotConfigured is returned when no API key is available.
var ErrNotConfigured = errors.New("llm not configured")

// ErrBudgetBlocked is returned when the budget guard refuses the call.
var ErrBudgetBlocked = errors.New("llm call blocked by budget")

// modelRates is USD per 1M tokens, input and output.
type modelRates struct {
	input  float64
	output float64
}

var pricing = map[string]modelRates{
	"claude-sonnet-4-5-20250929": {input: 3.00, output: 15.00},
	"claude-3-5-haiku-20241022":  {input: 0.80, output: 4.00},
}

// defaultRates covers models missing from the table. Sonnet rates are the
// most expensive we call, so an unknown model never under-counts spend.
var defaultRates = modelRates{input: 3.00, output: 15.00}

// CostForUsage converts token usage into USD for the given model.
func CostForUsage(model string, inputTokens, outputTokens int64) float64 {
	rates, ok := pricing[model]
	if !ok {
		rates = defaultRates
	}
	inputCost := float64(inputTokens) * rates.input / 1_000_000
	outputCost := float64(outputTokens) * rates.output / 1_000_000
	return inputCost + outputCost
}

// Config holds client configuration.
type Config struct {
	// APIKey authenticates against the Anthropic API. Falls back to the
	// ANTHROPIC_API_KEY environment variable when empty.
	APIKey string

	// Model is the primary analysis model.
	Model string

	// FallbackModel is tried once when the primary call fails with a
	// transient error or times out. Empty disables the fallback.
	FallbackModel string

	// Timeout bounds one API call. Default: 60s
	Timeout time.Duration

	// MaxTokens caps the response length. Default: 1024
	MaxTokens int
}

// Client calls the Anthropic API, accounts the spend against the budget
// guard, persists the analysis, and publishes llm_analysis_completed.
// Guard, store, and bus are all optional.
type Client struct {
	client *anthropic.Client
	cfg    Config
	guard  *cost.Guard
	store  *storage.Store
	bus    *events.Bus
}

// New creates a client. It fails with ErrNotConfigured when no API key is
// available in the config or the environment.
func New(cfg Config, guard *cost.Guard, store *storage.Store, bus *events.Bus) (*Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: set llm.api_key or ANTHROPIC_API_KEY", ErrNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))

	return &Client{
		client: &client,
		cfg:    cfg,
		guard:  guard,
		store:  store,
		bus:    bus,
	}, nil
}

// Request is one analysis request assembled by the agent loop.
type Request struct {
	// Trigger names what prompted the analysis (e.g. "scan_degraded")
	Trigger string

	// Current is the scan run to analyze
	Current *scan.ScanRun

	// Previous is the prior run, when one exists
	Previous *scan.ScanRun

	// RecentEvents is bounded context from the agent's memory
	RecentEvents []*events.AgentEvent
}

// Analyze runs one analysis call. The primary model is tried first; on a
// transient failure or timeout the fallback model is tried once. The spend
// is recorded before the result is persisted so a failed save never loses
// accounting.
func (c *Client) Analyze(ctx context.Context, req Request) (*storage.LLMAnalysis, error) {
	if c.guard != nil {
		if ok, reason := c.guard.CanProceed(); !ok {
			return nil, fmt.Errorf("%w: %s", ErrBudgetBlocked, reason)
		}
	}

	prompt := buildPrompt(req)

	resp, model, err := c.call(ctx, c.cfg.Model, prompt)
	if err != nil && c.cfg.FallbackModel != "" && fallbackWorthTrying(err) {
		fmt.Fprintf(os.Stderr, "warning: %s failed (%v), trying %s\n", c.cfg.Model, err, c.cfg.FallbackModel)
		resp, model, err = c.call(ctx, c.cfg.FallbackModel, prompt)
	}
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	inputTokens := resp.Usage.InputTokens
	outputTokens := resp.Usage.OutputTokens
	costUSD := CostForUsage(model, inputTokens, outputTokens)

	if c.guard != nil {
		c.guard.Record(costUSD, inputTokens+outputTokens)
	}

	analysis := &storage.LLMAnalysis{
		Trigger:      req.Trigger,
		Model:        model,
		Summary:      strings.TrimSpace(text.String()),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      costUSD,
	}

	if c.store != nil {
		if err := c.store.SaveLLMAnalysis(ctx, analysis); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to persist llm analysis: %v\n", err)
		}
	}

	if c.bus != nil {
		c.bus.Publish(events.NewEvent(events.EventTypeLLMAnalysisCompleted, "llm", events.SeverityInfo,
			fmt.Sprintf("llm analysis complete (%s, $%.4f)", model, costUSD),
			map[string]interface{}{
				"analysis_id":   analysis.ID,
				"trigger":       req.Trigger,
				"model":         model,
				"summary":       analysis.Summary,
				"input_tokens":  inputTokens,
				"output_tokens": outputTokens,
				"cost_usd":      costUSD,
			}))
	}

	return analysis, nil
}

// call makes one API call against one model under the per-call timeout.
func (c *Client) call(ctx context.Context, model, prompt string) (*anthropic.Message, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(c.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, model, fmt.Errorf("anthropic API call failed: %w", err)
	}
	return resp, model, nil
}

// fallbackWorthTrying reports whether a second model could plausibly
// succeed. Auth and configuration failures affect every model equally.
func fallbackWorthTrying(err error) bool {
	switch Code(err) {
	case CodeTransientError, CodeTimeout:
		return true
	}
	return false
}

// Code classifies an analysis failure. It returns an empty string for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNotConfigured) {
		return CodeNotConfigured
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	errStr := err.Error()
	if strings.Contains(errStr, "401") || strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "invalid x-api-key") ||
		strings.Contains(errStr, "permission") {
		return CodeAuthFailed
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return CodeTimeout
	}
	return CodeTransientError
}

// Hint returns a user-actionable message for a classification code.
func Hint(code string) string {
	switch code {
	case CodeNotConfigured:
		return "set llm.api_key in the config file or export ANTHROPIC_API_KEY"
	case CodeAuthFailed:
		return "the API key was rejected; check it is current and has access to the configured model"
	case CodeTimeout:
		return "the analysis call timed out; raise llm.timeout_seconds or try a smaller model"
	case CodeTransientError:
		return "the provider returned a transient error; the next trigger will retry"
	}
	return ""
}

// buildPrompt renders the scan state and recent activity into one prompt.
func buildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("You are the analysis step of an automated project health agent. ")
	b.WriteString("A scan of the project just finished. Explain the most likely cause of ")
	b.WriteString("the current state and the single most useful next action.\n\n")

	fmt.Fprintf(&b, "Trigger: %s\n\n", req.Trigger)

	if req.Current != nil {
		fmt.Fprintf(&b, "Current scan: %s (%d pass, %d warn, %d fail, health %.0f%%)\n",
			req.Current.Overall, req.Current.Pass, req.Current.Warn, req.Current.Fail, req.Current.HealthPct)
		writeFindings(&b, req.Current)
	}

	if req.Previous != nil {
		fmt.Fprintf(&b, "\nPrevious scan: %s (%d pass, %d warn, %d fail)\n",
			req.Previous.Overall, req.Previous.Pass, req.Previous.Warn, req.Previous.Fail)
	}

	if len(req.RecentEvents) > 0 {
		b.WriteString("\nRecent activity:\n")
		for _, ev := range req.RecentEvents {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", ev.Severity, ev.Type, ev.Message)
		}
	}

	b.WriteString("\nRespond with 2-4 sentences of plain prose. No markdown, no code fences.")
	return b.String()
}

// writeFindings lists the non-passing checks, the part the model needs.
func writeFindings(b *strings.Builder, run *scan.ScanRun) {
	for _, phase := range run.Phases {
		for _, res := range phase.Results {
			if res.Status == checker.StatusPass {
				continue
			}
			fmt.Fprintf(b, "- %s/%s %s: %s\n", phase.Name, res.Name, res.Status, res.Message)
		}
	}
}
