// Package storage persists scan runs, agent events, LLM analyses, and
// insights in a local SQLite database.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/scan"
)

const schema = `
-- Scan history table
CREATE TABLE IF NOT EXISTS scan_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    overall TEXT NOT NULL,
    pass INTEGER NOT NULL DEFAULT 0,
    warn INTEGER NOT NULL DEFAULT 0,
    fail INTEGER NOT NULL DEFAULT 0,
    skip INTEGER NOT NULL DEFAULT 0,
    health_pct REAL NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    phases TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_scan_history_started_at ON scan_history(started_at);

-- Agent events table (ids are assigned by the event bus, not the database)
CREATE TABLE IF NOT EXISTS agent_events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    timestamp DATETIME NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL DEFAULT 'info',
    message TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_agent_events_type ON agent_events(type);
CREATE INDEX IF NOT EXISTS idx_agent_events_timestamp ON agent_events(timestamp);

-- LLM analyses table
CREATE TABLE IF NOT EXISTS llm_analyses (
    id TEXT PRIMARY KEY,
    created_at DATETIME NOT NULL,
    triggered_by TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_llm_analyses_created_at ON llm_analyses(created_at);

-- Insights table
CREATE TABLE IF NOT EXISTS insights (
    id TEXT PRIMARY KEY,
    created_at DATETIME NOT NULL,
    kind TEXT NOT NULL,
    severity TEXT NOT NULL DEFAULT 'info',
    title TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_insights_created_at ON insights(created_at);
`

// Insight kinds produced by the reasoner and the retention purger.
const (
	InsightRegression  = "regression"
	InsightCorrelation = "correlation"
	InsightImprovement = "improvement"
	InsightPurge       = "purge"
)

// LLMAnalysis is a persisted record of one LLM call.
type LLMAnalysis struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Trigger      string    `json:"trigger"`
	Model        string    `json:"model"`
	Summary      string    `json:"summary"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Insight is a persisted finding about the project's health trajectory.
type Insight struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Title     string    `json:"title"`
	Detail    string    `json:"detail"`
}

// Store is a SQLite-backed store for everything the agent persists.
type Store struct {
	db *sql.DB
}

var (
	_ scan.Store  = (*Store)(nil)
	_ events.Sink = (*Store)(nil)
)

// New opens (creating if necessary) the database at path and initializes
// the schema. The special path ":memory:" opens an in-memory database.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// WAL mode lets the SSE readers and the scan writer share the database
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveScanRun inserts a completed scan run and assigns run.ID.
func (s *Store) SaveScanRun(ctx context.Context, run *scan.ScanRun) error {
	phases, err := json.Marshal(run.Phases)
	if err != nil {
		return fmt.Errorf("failed to marshal phase reports: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_history (started_at, overall, pass, warn, fail, skip, health_pct, duration_ms, phases)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.StartedAt, string(run.Overall), run.Pass, run.Warn, run.Fail, run.Skip, run.HealthPct, run.DurationMS, string(phases))
	if err != nil {
		return fmt.Errorf("failed to insert scan run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get scan run id: %w", err)
	}
	run.ID = id
	return nil
}

// LatestScanRun returns the most recent scan run, or nil if none have
// been persisted yet.
func (s *Store) LatestScanRun(ctx context.Context) (*scan.ScanRun, error) {
	runs, err := s.ScanHistory(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

// ScanHistory returns scan runs newest-first. A non-positive limit returns
// all rows.
func (s *Store) ScanHistory(ctx context.Context, limit int) ([]*scan.ScanRun, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as "no limit"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, overall, pass, warn, fail, skip, health_pct, duration_ms, phases
		FROM scan_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan history: %w", err)
	}
	defer rows.Close()

	var runs []*scan.ScanRun
	for rows.Next() {
		var run scan.ScanRun
		var overall, phases string
		if err := rows.Scan(&run.ID, &run.StartedAt, &overall, &run.Pass, &run.Warn, &run.Fail,
			&run.Skip, &run.HealthPct, &run.DurationMS, &phases); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		run.Overall = scan.Overall(overall)
		if err := json.Unmarshal([]byte(phases), &run.Phases); err != nil {
			return nil, fmt.Errorf("failed to unmarshal phase reports for run %d: %w", run.ID, err)
		}
		if run.Phases == nil {
			run.Phases = []*checker.PhaseReport{}
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scan history: %w", err)
	}

	return runs, nil
}

// Append persists one published event. It implements the bus sink, so the
// event must already carry its bus-assigned id.
func (s *Store) Append(ev *events.AgentEvent) error {
	if ev.ID <= 0 {
		return fmt.Errorf("event id must be positive (got %d)", ev.ID)
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO agent_events (id, type, timestamp, source, severity, message, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, string(ev.Type), ev.Timestamp, ev.Source, string(ev.Severity), ev.Message, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Events returns persisted events newest-first, filtered by type, id
// watermark, and limit.
func (s *Store) Events(ctx context.Context, filter events.EventFilter) ([]*events.AgentEvent, error) {
	query := `
		SELECT id, type, timestamp, source, severity, message, payload
		FROM agent_events
		WHERE 1=1
	`
	var args []interface{}

	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}
	if filter.SinceID > 0 {
		query += " AND id > ?"
		args = append(args, filter.SinceID)
	}

	query += " ORDER BY id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var evs []*events.AgentEvent
	for rows.Next() {
		var ev events.AgentEvent
		var evType, severity, payload string
		if err := rows.Scan(&ev.ID, &evType, &ev.Timestamp, &ev.Source, &severity, &ev.Message, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ev.Type = events.EventType(evType)
		ev.Severity = events.Severity(severity)
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for event %d: %w", ev.ID, err)
		}
		evs = append(evs, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return evs, nil
}

// MaxEventID returns the highest persisted event id, or 0 if the table is
// empty. The bus is seeded with this value on startup so ids stay
// monotonic across restarts.
func (s *Store) MaxEventID(ctx context.Context) (int64, error) {
	var maxID int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM agent_events`).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("failed to query max event id: %w", err)
	}
	return maxID, nil
}

// SaveLLMAnalysis inserts an analysis record, assigning an id and
// timestamp if unset.
func (s *Store) SaveLLMAnalysis(ctx context.Context, a *LLMAnalysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_analyses (id, created_at, triggered_by, model, summary, input_tokens, output_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.CreatedAt, a.Trigger, a.Model, a.Summary, a.InputTokens, a.OutputTokens, a.CostUSD)
	if err != nil {
		return fmt.Errorf("failed to insert llm analysis: %w", err)
	}
	return nil
}

// RecentLLMAnalyses returns analyses newest-first. A non-positive limit
// returns all rows.
func (s *Store) RecentLLMAnalyses(ctx context.Context, limit int) ([]*LLMAnalysis, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, triggered_by, model, summary, input_tokens, output_tokens, cost_usd
		FROM llm_analyses
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query llm analyses: %w", err)
	}
	defer rows.Close()

	var analyses []*LLMAnalysis
	for rows.Next() {
		var a LLMAnalysis
		if err := rows.Scan(&a.ID, &a.CreatedAt, &a.Trigger, &a.Model, &a.Summary,
			&a.InputTokens, &a.OutputTokens, &a.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		analyses = append(analyses, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate llm analyses: %w", err)
	}

	return analyses, nil
}

// SaveInsight inserts an insight, assigning an id and timestamp if unset.
func (s *Store) SaveInsight(ctx context.Context, in *Insight) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO insights (id, created_at, kind, severity, title, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.ID, in.CreatedAt, in.Kind, in.Severity, in.Title, in.Detail)
	if err != nil {
		return fmt.Errorf("failed to insert insight: %w", err)
	}
	return nil
}

// RecentInsights returns insights newest-first. A non-positive limit
// returns all rows.
func (s *Store) RecentInsights(ctx context.Context, limit int) ([]*Insight, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, kind, severity, title, detail
		FROM insights
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close()

	var insights []*Insight
	for rows.Next() {
		var in Insight
		if err := rows.Scan(&in.ID, &in.CreatedAt, &in.Kind, &in.Severity, &in.Title, &in.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		insights = append(insights, &in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate insights: %w", err)
	}

	return insights, nil
}
