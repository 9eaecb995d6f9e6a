package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKeysByOrder(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	msg, err := encode(Event{Type: CancellationApproved, EntityID: "cr-1", OrderID: "ord-9", OccurredAt: at})
	require.NoError(t, err)

	assert.Equal(t, "ord-9", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, CancellationApproved, string(msg.Headers[0].Value))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "cr-1", decoded["entity_id"])
}

func TestKeyFallsBackToEntity(t *testing.T) {
	assert.Equal(t, "pol-1", string(Event{Type: PolicyUpdated, EntityID: "pol-1"}.Key()))
}
