// Package notify resolves overlapping advisory conditions into a single
// prioritized presentation order for status surfaces.
package notify

import (
	"sort"
	"sync"
	"time"
)

// Kind identifies an advisory condition.
type Kind string

const (
	// KindWatcherUnavailable means the filesystem observer is down.
	KindWatcherUnavailable Kind = "watcher_unavailable"
	// KindBudgetExceeded means LLM spend crossed the warning threshold
	// or the daily ceiling.
	KindBudgetExceeded Kind = "budget_exceeded"
	// KindStreamGap means a reconnecting subscriber lost events older
	// than the replay window.
	KindStreamGap Kind = "stream_gap"
	// KindDataPurgeNotice means the retention purge deleted rows.
	KindDataPurgeNotice Kind = "data_purge_notice"
)

// priority ranks advisories for presentation; lower renders first.
var priority = map[Kind]int{
	KindWatcherUnavailable: 0,
	KindBudgetExceeded:     1,
	KindStreamGap:          2,
	KindDataPurgeNotice:    3,
}

// ttls for self-clearing kinds. Kinds absent here persist until an
// explicit Clear.
var ttls = map[Kind]time.Duration{
	KindStreamGap:       30 * time.Second,
	KindDataPurgeNotice: 60 * time.Second,
}

// Advisory is one active operator-facing warning condition.
type Advisory struct {
	Kind      Kind                   `json:"kind"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RaisedAt  time.Time              `json:"raised_at"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
}

// Arbiter tracks at most one advisory per kind and renders the active
// set in strict priority order: watcher down, then budget, then stream
// gap, then purge notice.
type Arbiter struct {
	mu     sync.Mutex
	active map[Kind]*Advisory
	now    func() time.Time
}

// NewArbiter creates an arbiter with no active advisories.
func NewArbiter() *Arbiter {
	return &Arbiter{
		active: make(map[Kind]*Advisory),
		now:    time.Now,
	}
}

// Raise activates or refreshes the advisory for a kind. Refreshing an
// active advisory keeps its original RaisedAt but updates the message,
// details, and expiry.
func (a *Arbiter) Raise(kind Kind, message string, details map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	adv := &Advisory{
		Kind:     kind,
		Message:  message,
		Details:  details,
		RaisedAt: now,
	}
	if prev, ok := a.active[kind]; ok {
		adv.RaisedAt = prev.RaisedAt
	}
	if ttl, ok := ttls[kind]; ok {
		expires := now.Add(ttl)
		adv.ExpiresAt = &expires
	}

	a.active[kind] = adv
}

// Clear removes the advisory for a kind. Clearing an absent kind is a
// no-op.
func (a *Arbiter) Clear(kind Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, kind)
}

// IsActive reports whether a kind currently has a live advisory.
func (a *Arbiter) IsActive(kind Kind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expireLocked()
	_, ok := a.active[kind]
	return ok
}

// Active returns the live advisories in presentation order. Expired
// time-boxed advisories are dropped first.
func (a *Arbiter) Active() []Advisory {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expireLocked()

	out := make([]Advisory, 0, len(a.active))
	for _, adv := range a.active {
		out = append(out, *adv)
	}
	sort.Slice(out, func(i, j int) bool {
		return priority[out[i].Kind] < priority[out[j].Kind]
	})
	return out
}

// expireLocked drops time-boxed advisories past their expiry.
func (a *Arbiter) expireLocked() {
	now := a.now()
	for kind, adv := range a.active {
		if adv.ExpiresAt != nil && now.After(*adv.ExpiresAt) {
			delete(a.active, kind)
		}
	}
}
