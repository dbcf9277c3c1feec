package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestArbiter() (*Arbiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	a := NewArbiter()
	a.now = clock.now
	return a, clock
}

func TestArbiter_RaiseAndClear(t *testing.T) {
	a, _ := newTestArbiter()

	assert.False(t, a.IsActive(KindBudgetExceeded))
	assert.Empty(t, a.Active())

	a.Raise(KindBudgetExceeded, "daily budget 85% used", map[string]interface{}{"usage_pct": 85.0})
	assert.True(t, a.IsActive(KindBudgetExceeded))

	active := a.Active()
	require.Len(t, active, 1)
	assert.Equal(t, KindBudgetExceeded, active[0].Kind)
	assert.Equal(t, "daily budget 85% used", active[0].Message)
	assert.Equal(t, 85.0, active[0].Details["usage_pct"])

	a.Clear(KindBudgetExceeded)
	assert.False(t, a.IsActive(KindBudgetExceeded))
	assert.Empty(t, a.Active())
}

func TestArbiter_PriorityOrder(t *testing.T) {
	a, _ := newTestArbiter()

	// Raise in reverse priority order to prove sorting is by rank,
	// not insertion.
	a.Raise(KindDataPurgeNotice, "purged 120 rows", nil)
	a.Raise(KindStreamGap, "12 events dropped", nil)
	a.Raise(KindBudgetExceeded, "daily budget exceeded", nil)
	a.Raise(KindWatcherUnavailable, "file watcher stopped", nil)

	active := a.Active()
	require.Len(t, active, 4)
	assert.Equal(t, KindWatcherUnavailable, active[0].Kind)
	assert.Equal(t, KindBudgetExceeded, active[1].Kind)
	assert.Equal(t, KindStreamGap, active[2].Kind)
	assert.Equal(t, KindDataPurgeNotice, active[3].Kind)
}

func TestArbiter_LowerPriorityVisibleAlone(t *testing.T) {
	a, _ := newTestArbiter()

	a.Raise(KindDataPurgeNotice, "purged 3 rows", nil)

	active := a.Active()
	require.Len(t, active, 1)
	assert.Equal(t, KindDataPurgeNotice, active[0].Kind)
}

func TestArbiter_RaiseRefreshKeepsRaisedAt(t *testing.T) {
	a, clock := newTestArbiter()

	a.Raise(KindBudgetExceeded, "daily budget 85% used", nil)
	first := a.Active()[0].RaisedAt

	clock.advance(5 * time.Second)
	a.Raise(KindBudgetExceeded, "daily budget 92% used", nil)

	active := a.Active()
	require.Len(t, active, 1)
	assert.Equal(t, first, active[0].RaisedAt)
	assert.Equal(t, "daily budget 92% used", active[0].Message)
}

func TestArbiter_TimeBoxedKindsExpire(t *testing.T) {
	a, clock := newTestArbiter()

	a.Raise(KindStreamGap, "7 events dropped", nil)
	a.Raise(KindDataPurgeNotice, "purged 40 rows", nil)
	require.Len(t, a.Active(), 2)

	// Stream gaps clear after 30s, purge notices after 60s.
	clock.advance(31 * time.Second)
	active := a.Active()
	require.Len(t, active, 1)
	assert.Equal(t, KindDataPurgeNotice, active[0].Kind)

	clock.advance(30 * time.Second)
	assert.Empty(t, a.Active())
	assert.False(t, a.IsActive(KindDataPurgeNotice))
}

func TestArbiter_RefreshExtendsExpiry(t *testing.T) {
	a, clock := newTestArbiter()

	a.Raise(KindStreamGap, "3 events dropped", nil)
	clock.advance(20 * time.Second)
	a.Raise(KindStreamGap, "5 events dropped", nil)

	// 25s after the first raise but only 5s after the refresh.
	clock.advance(5 * time.Second)
	require.True(t, a.IsActive(KindStreamGap))

	clock.advance(26 * time.Second)
	assert.False(t, a.IsActive(KindStreamGap))
}

func TestArbiter_PersistentKindsNeverExpire(t *testing.T) {
	a, clock := newTestArbiter()

	a.Raise(KindWatcherUnavailable, "file watcher stopped", nil)
	a.Raise(KindBudgetExceeded, "daily budget exceeded", nil)

	clock.advance(24 * time.Hour)

	active := a.Active()
	require.Len(t, active, 2)
	assert.Nil(t, active[0].ExpiresAt)
	assert.Nil(t, active[1].ExpiresAt)

	a.Clear(KindWatcherUnavailable)
	a.Clear(KindBudgetExceeded)
	assert.Empty(t, a.Active())
}

func TestArbiter_ClearAbsentKindIsNoop(t *testing.T) {
	a, _ := newTestArbiter()

	a.Clear(KindStreamGap)
	assert.Empty(t, a.Active())
}
