package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeduperIdempotence(t *testing.T) {
	d := NewDeduper(8)

	assert.False(t, d.Seen(5), "first delivery should not be deduplicated")
	assert.True(t, d.Seen(5), "second delivery of the same id must be suppressed")
	assert.True(t, d.Seen(5))
}

func TestDeduperIgnoresSynthesizedEvents(t *testing.T) {
	d := NewDeduper(8)

	// Heartbeats and gaps carry no id and are never deduplicated.
	assert.False(t, d.Seen(0))
	assert.False(t, d.Seen(0))
	assert.False(t, d.Seen(-1))
	assert.Equal(t, 0, d.Len())
}

func TestDeduperEvictsOldestWhenFull(t *testing.T) {
	d := NewDeduper(3)

	for id := int64(1); id <= 3; id++ {
		assert.False(t, d.Seen(id))
	}
	assert.True(t, d.Seen(2))

	// Inserting a fourth id evicts the oldest (1).
	assert.False(t, d.Seen(4))
	assert.Equal(t, 3, d.Len())
	assert.False(t, d.Seen(1), "evicted id should be treated as new again")
}
