package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStateChangedEventPayload(t *testing.T) {
	ev := NewStateChangedEvent("agent", "observing", "reasoning")

	assert.Equal(t, EventTypeAgentStateChanged, ev.Type)
	assert.Equal(t, "observing", ev.Payload["old"])
	assert.Equal(t, "reasoning", ev.Payload["new"])
	assert.False(t, ev.Timestamp.IsZero())
}

func TestNewGapEventPayload(t *testing.T) {
	ev := NewGapEvent(3, 6, 4, 4)

	assert.Equal(t, EventTypeGap, ev.Type)
	assert.Equal(t, int64(0), ev.ID)
	assert.Equal(t, int64(3), ev.Payload["from_id"])
	assert.Equal(t, int64(6), ev.Payload["to_id"])
	assert.Equal(t, 4, ev.Payload["replayed_count"])
	assert.Equal(t, 4, ev.Payload["dropped_count"])
}

func TestHeartbeatOmitsIDInJSON(t *testing.T) {
	ev := NewHeartbeatEvent("stream")

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	_, hasID := decoded["id"]
	assert.False(t, hasID, "synthesized events must not serialize an id")
	assert.Equal(t, "heartbeat", decoded["type"])
}

func TestNewFileChangedEventCountsFiles(t *testing.T) {
	ev := NewFileChangedEvent("observer", []string{"a.go", "b.go"}, []string{"workspace"})

	assert.Equal(t, 2, ev.Payload["file_count"])
	assert.Equal(t, []string{"a.go", "b.go"}, ev.Payload["files"])
}
