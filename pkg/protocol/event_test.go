package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	e := Result("cmd_abc123def456", map[string]any{"session_id": "sess_1"})
	b, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, e, decoded)
}

func TestSequencerContiguousFromZero(t *testing.T) {
	seq := NewSequencer("cmd_xyz")
	ack := seq.Stamp(Ack("cmd_xyz"))
	d1 := seq.Stamp(Notification(EventContentDelta, map[string]any{"delta": "hi"}))
	result := seq.Stamp(Result("cmd_xyz", nil))

	require.NotNil(t, ack.Sequence)
	require.NotNil(t, d1.Sequence)
	require.NotNil(t, result.Sequence)
	assert.Equal(t, 0, *ack.Sequence)
	assert.Equal(t, 1, *d1.Sequence)
	assert.Equal(t, 2, *result.Sequence)
	assert.True(t, result.Final)
	assert.False(t, ack.Final)
}

func TestUncorrelatedEventsCarryNoSequence(t *testing.T) {
	e := Notification(EventHeartbeat, nil)
	assert.Empty(t, e.CorrelationID)
	assert.Nil(t, e.Sequence)
}
