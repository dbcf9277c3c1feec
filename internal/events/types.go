// Package events defines the operational event model and the in-process
// event bus that delivers ordered, replayable events to stream subscribers.
package events

import (
	"time"
)

// EventType represents the type of an operational event.
type EventType string

const (
	// EventTypeFileChanged indicates watched files changed (debounced batch)
	EventTypeFileChanged EventType = "file_changed"
	// EventTypeScanRequested indicates a scan was queued (manual or automatic)
	EventTypeScanRequested EventType = "scan_requested"
	// EventTypeScanCompleted indicates a scan finished or was skipped
	EventTypeScanCompleted EventType = "scan_completed"
	// EventTypeInsightGenerated indicates a reasoner insight or purge notice
	EventTypeInsightGenerated EventType = "insight_generated"
	// EventTypeLLMAnalysisCompleted indicates an LLM analysis step finished
	EventTypeLLMAnalysisCompleted EventType = "llm_analysis_completed"
	// EventTypeAgentStateChanged indicates an agent state transition
	EventTypeAgentStateChanged EventType = "agent_state_changed"
	// EventTypeHeartbeat is a per-connection liveness signal. Heartbeats are
	// synthesized by the transport, carry no id, and never enter the replay
	// window.
	EventTypeHeartbeat EventType = "heartbeat"
	// EventTypeGap is synthesized for a subscriber whose last-seen id fell
	// behind the replay window floor. Like heartbeats it carries no id.
	EventTypeGap EventType = "_gap"
)

// Severity indicates the importance of an event.
type Severity string

const (
	// SeverityInfo is for informational events
	SeverityInfo Severity = "info"
	// SeverityWarning is for warning events
	SeverityWarning Severity = "warning"
	// SeverityError is for error events
	SeverityError Severity = "error"
	// SeverityCritical is for critical events requiring attention
	SeverityCritical Severity = "critical"
)

// AgentEvent is one entry in the append-only operational event log.
//
// ID is assigned by the Bus at publish time and is strictly increasing for
// the life of the process; it is seeded from the durable store at startup so
// ids are never reused across restarts. Events synthesized per connection
// (heartbeat, _gap) have ID 0 and are excluded from id-based accounting.
type AgentEvent struct {
	// ID is the monotonically increasing event id (0 for synthesized events)
	ID int64 `json:"id,omitempty"`
	// Type is the event type discriminator
	Type EventType `json:"type"`
	// Timestamp is when the event was created
	Timestamp time.Time `json:"timestamp"`
	// Source names the component that produced the event
	Source string `json:"source,omitempty"`
	// Severity is the event severity
	Severity Severity `json:"severity,omitempty"`
	// Message is a human-readable description
	Message string `json:"message,omitempty"`
	// Payload carries variant-specific structured data
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// EventFilter selects events from the durable log.
type EventFilter struct {
	// Types restricts to the given event types when non-empty
	Types []EventType
	// SinceID restricts to events with id strictly greater than this value
	SinceID int64
	// Limit caps the number of returned events (0 means no cap)
	Limit int
}

// NewEvent creates an event with the current timestamp. The bus assigns the
// id at publish time.
func NewEvent(eventType EventType, source string, severity Severity, message string, payload map[string]interface{}) *AgentEvent {
	return &AgentEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Severity:  severity,
		Message:   message,
		Payload:   payload,
	}
}

// NewFileChangedEvent creates a file_changed event describing a debounced
// batch of filesystem changes and the checkers they affect.
func NewFileChangedEvent(source string, files, affectedCheckers []string) *AgentEvent {
	return NewEvent(EventTypeFileChanged, source, SeverityInfo,
		"files changed",
		map[string]interface{}{
			"files":             files,
			"affected_checkers": affectedCheckers,
			"file_count":        len(files),
		})
}

// NewStateChangedEvent creates an agent_state_changed event carrying the
// old/new state pair.
func NewStateChangedEvent(source, oldState, newState string) *AgentEvent {
	return NewEvent(EventTypeAgentStateChanged, source, SeverityInfo,
		oldState+" -> "+newState,
		map[string]interface{}{
			"old": oldState,
			"new": newState,
		})
}

// NewHeartbeatEvent creates a per-connection heartbeat. It is never
// published on the bus and carries no id.
func NewHeartbeatEvent(source string) *AgentEvent {
	return &AgentEvent{
		Type:      EventTypeHeartbeat,
		Timestamp: time.Now(),
		Source:    source,
	}
}

// NewGapEvent creates the single _gap event a subscriber receives when its
// last-seen id predates the replay window floor. The missed id range is
// [fromID, toID] inclusive.
func NewGapEvent(fromID, toID int64, replayedCount, droppedCount int) *AgentEvent {
	return &AgentEvent{
		Type:      EventTypeGap,
		Timestamp: time.Now(),
		Source:    "bus",
		Severity:  SeverityWarning,
		Message:   "event stream gap: missed events evicted from replay window",
		Payload: map[string]interface{}{
			"from_id":        fromID,
			"to_id":          toID,
			"replayed_count": replayedCount,
			"dropped_count":  droppedCount,
		},
	}
}
