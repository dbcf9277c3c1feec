// Package agent implements the observe/reason/act loop that watches the
// project for changes, decides which checkers to re-run, and optionally
// invokes an LLM analysis step.
package agent

import (
	"sync"

	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/scan"
)

const (
	memoryEventCap = 500
	memoryRunCap   = 10
)

// Memory is the agent's bounded working memory: a ring of recent events
// for LLM context and the last few scan runs for regression baselines.
type Memory struct {
	mu sync.Mutex

	events []*events.AgentEvent
	next   int
	count  int

	runs []*scan.ScanRun
}

// NewMemory creates an empty memory.
func NewMemory() *Memory {
	return &Memory{
		events: make([]*events.AgentEvent, memoryEventCap),
	}
}

// RecordEvent remembers one event, evicting the oldest beyond capacity.
func (m *Memory) RecordEvent(ev *events.AgentEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[m.next] = ev
	m.next = (m.next + 1) % len(m.events)
	if m.count < len(m.events) {
		m.count++
	}
}

// RecentEvents returns up to n remembered events, oldest first.
func (m *Memory) RecentEvents(n int) []*events.AgentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > m.count {
		n = m.count
	}

	out := make([]*events.AgentEvent, 0, n)
	start := m.next - n
	if start < 0 {
		start += len(m.events)
	}
	for i := 0; i < n; i++ {
		out = append(out, m.events[(start+i)%len(m.events)])
	}
	return out
}

// EventCount returns how many events are remembered.
func (m *Memory) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// RecordRun remembers a completed scan run, evicting the oldest beyond
// capacity.
func (m *Memory) RecordRun(run *scan.ScanRun) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs = append(m.runs, run)
	if len(m.runs) > memoryRunCap {
		m.runs = append(m.runs[:0], m.runs[1:]...)
	}
}

// LatestRun returns the most recent remembered run, or nil.
func (m *Memory) LatestRun() *scan.ScanRun {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.runs) == 0 {
		return nil
	}
	return m.runs[len(m.runs)-1]
}

// PreviousRun returns the run before the latest, or nil. It is the
// baseline the reasoner diffs a fresh run against.
func (m *Memory) PreviousRun() *scan.ScanRun {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.runs) < 2 {
		return nil
	}
	return m.runs[len(m.runs)-2]
}

// Runs returns a copy of the remembered runs, oldest first.
func (m *Memory) Runs() []*scan.ScanRun {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*scan.ScanRun, len(m.runs))
	copy(out, m.runs)
	return out
}
