package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/notify"
)

// purgeBatchSize bounds each DELETE so a large backlog cannot hold the
// write lock for the whole purge.
const purgeBatchSize = 500

// PurgePolicy bounds the durable tables. Zero values disable the
// corresponding bound.
type PurgePolicy struct {
	// ScanHistoryLimit keeps at most this many scan runs (newest kept)
	ScanHistoryLimit int
	// EventDays deletes events older than this many days
	EventDays int
	// EventLimit caps total stored events (oldest deleted first)
	EventLimit int
	// AnalysisDays deletes LLM analyses and insights older than this many days
	AnalysisDays int
}

// PurgeResult counts rows deleted per table.
type PurgeResult struct {
	ScanRuns int `json:"scan_runs"`
	Events   int `json:"events"`
	Analyses int `json:"analyses"`
	Insights int `json:"insights"`
}

// Total returns the number of rows deleted across all tables.
func (r PurgeResult) Total() int {
	return r.ScanRuns + r.Events + r.Analyses + r.Insights
}

// Purge applies the policy to every table and reports what was deleted.
// A failed table stops the purge; rows already deleted stay deleted.
func (s *Store) Purge(ctx context.Context, policy PurgePolicy) (PurgeResult, error) {
	var result PurgeResult

	if policy.ScanHistoryLimit > 0 {
		deleted, err := s.purgeScanHistory(ctx, policy.ScanHistoryLimit)
		if err != nil {
			return result, fmt.Errorf("failed to purge scan history: %w", err)
		}
		result.ScanRuns = deleted
	}

	if policy.EventDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -policy.EventDays)
		deleted, err := s.purgeEventsBefore(ctx, cutoff)
		if err != nil {
			return result, fmt.Errorf("failed to purge old events: %w", err)
		}
		result.Events = deleted
	}

	if policy.EventLimit > 0 {
		deleted, err := s.purgeEventsOverLimit(ctx, policy.EventLimit)
		if err != nil {
			return result, fmt.Errorf("failed to enforce event limit: %w", err)
		}
		result.Events += deleted
	}

	if policy.AnalysisDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -policy.AnalysisDays)

		deleted, err := s.purgeAnalysesBefore(ctx, cutoff)
		if err != nil {
			return result, fmt.Errorf("failed to purge old llm analyses: %w", err)
		}
		result.Analyses = deleted

		deleted, err = s.purgeInsightsBefore(ctx, cutoff)
		if err != nil {
			return result, fmt.Errorf("failed to purge old insights: %w", err)
		}
		result.Insights = deleted
	}

	return result, nil
}

// purgeScanHistory deletes all but the newest keep runs.
func (s *Store) purgeScanHistory(ctx context.Context, keep int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM scan_history
		WHERE id NOT IN (
			SELECT id FROM scan_history
			ORDER BY id DESC
			LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to execute delete: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

// purgeEventsBefore deletes events older than cutoff in batches.
func (s *Store) purgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	totalDeleted := 0

	for {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		result, err := s.db.ExecContext(ctx, `
			DELETE FROM agent_events
			WHERE id IN (
				SELECT id FROM agent_events
				WHERE timestamp < ?
				ORDER BY id ASC
				LIMIT ?
			)
		`, cutoff, purgeBatchSize)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to execute delete: %w", err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to get rows affected: %w", err)
		}
		totalDeleted += int(deleted)

		if deleted < int64(purgeBatchSize) {
			break
		}
	}

	return totalDeleted, nil
}

// purgeEventsOverLimit deletes the oldest events beyond the global cap.
func (s *Store) purgeEventsOverLimit(ctx context.Context, limit int) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}

	remaining := count - limit
	totalDeleted := 0

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		batch := purgeBatchSize
		if remaining < batch {
			batch = remaining
		}

		result, err := s.db.ExecContext(ctx, `
			DELETE FROM agent_events
			WHERE id IN (
				SELECT id FROM agent_events
				ORDER BY id ASC
				LIMIT ?
			)
		`, batch)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to execute delete: %w", err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to get rows affected: %w", err)
		}
		totalDeleted += int(deleted)
		remaining -= int(deleted)

		if deleted == 0 {
			break
		}
	}

	return totalDeleted, nil
}

func (s *Store) purgeAnalysesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM llm_analyses WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to execute delete: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

func (s *Store) purgeInsightsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM insights WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to execute delete: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

// Publisher announces purge outcomes on the event bus. *events.Bus
// satisfies it.
type Publisher interface {
	Publish(ev *events.AgentEvent) int64
}

// Notifier raises transient advisories about purges. *notify.Arbiter
// satisfies it.
type Notifier interface {
	Raise(kind notify.Kind, message string, details map[string]interface{})
}

// PurgerConfig configures the periodic retention purger. Publisher and
// Notifier may be nil.
type PurgerConfig struct {
	Policy    PurgePolicy
	Interval  time.Duration
	Publisher Publisher
	Notifier  Notifier
}

// Purger periodically applies a retention policy to the store.
type Purger struct {
	store    *Store
	policy   PurgePolicy
	interval time.Duration
	pub      Publisher
	notifier Notifier
}

// NewPurger creates a purger. An unset interval defaults to one hour.
func NewPurger(store *Store, cfg PurgerConfig) *Purger {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Purger{
		store:    store,
		policy:   cfg.Policy,
		interval: interval,
		pub:      cfg.Publisher,
		notifier: cfg.Notifier,
	}
}

// Run purges on a fixed interval until the context is canceled.
func (p *Purger) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PurgeOnce(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "warning: retention purge failed: %v\n", err)
			}
		}
	}
}

// PurgeOnce purges immediately. When rows were deleted, the outcome is
// recorded as a purge insight, published as an insight_generated event,
// and raised as a short-lived advisory.
func (p *Purger) PurgeOnce(ctx context.Context) (PurgeResult, error) {
	result, err := p.store.Purge(ctx, p.policy)
	if err != nil {
		return result, err
	}
	if result.Total() == 0 {
		return result, nil
	}

	title := fmt.Sprintf("retention purge deleted %d rows", result.Total())
	detail := fmt.Sprintf("scan_runs=%d events=%d analyses=%d insights=%d",
		result.ScanRuns, result.Events, result.Analyses, result.Insights)

	insight := &Insight{
		Kind:     InsightPurge,
		Severity: string(events.SeverityInfo),
		Title:    title,
		Detail:   detail,
	}
	if err := p.store.SaveInsight(ctx, insight); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to persist purge insight: %v\n", err)
	}

	rows := map[string]interface{}{
		"purge":      true,
		"insight_id": insight.ID,
		"scan_runs":  result.ScanRuns,
		"events":     result.Events,
		"analyses":   result.Analyses,
		"insights":   result.Insights,
	}
	if p.pub != nil {
		p.pub.Publish(events.NewEvent(events.EventTypeInsightGenerated, "retention", events.SeverityInfo, title, rows))
	}
	if p.notifier != nil {
		p.notifier.Raise(notify.KindDataPurgeNotice, title, rows)
	}

	return result, nil
}
