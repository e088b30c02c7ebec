package eventlog

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorfleet/tutorfleet/pkg/events"
)

func validEnvelope() events.Envelope {
	return events.Envelope{
		EventID:       "p1",
		CorrelationID: "corr-1",
		Source:        "payment-service",
		Version:       "1.0.0",
		ProducedAt:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	evt := events.Event{
		Type:         events.TypePurchaseCreated,
		Timestamp:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		UserID:       "S",
		Role:         events.RoleStudent,
		StudentID:    "S",
		CourseID:     "C",
		PurchaseID:   "p1",
		PurchaseTier: 10,
		Metadata:     map[string]any{"preferredSlot": "morning"},
	}
	env := validEnvelope()

	data, err := Encode(evt, env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, evt.Type, got.Type)
	assert.Equal(t, evt.StudentID, got.StudentID)
	assert.Equal(t, evt.PurchaseTier, got.PurchaseTier)
	assert.Equal(t, "morning", got.Metadata["preferredSlot"])
	assert.Equal(t, env, got.Envelope)
}

func TestEncodeRejectsBadEnvelope(t *testing.T) {
	evt := events.Event{Type: events.TypePurchaseCreated, Timestamp: time.Now()}

	env := validEnvelope()
	env.EventID = ""
	_, err := Encode(evt, env)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	env = validEnvelope()
	env.CorrelationID = ""
	_, err = Encode(evt, env)
	assert.True(t, IsFatal(err))

	env = validEnvelope()
	env.ProducedAt = time.Time{}
	_, err = Encode(evt, env)
	assert.True(t, IsFatal(err))
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := Encode(events.Event{Type: "NOT_A_TYPE"}, validEnvelope())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	evt := events.Event{
		Type:     events.TypeNotificationRequested,
		Metadata: map[string]any{"body": strings.Repeat("x", maxRecordBytes)},
	}
	_, err := Encode(evt, validEnvelope())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestDecodeRejectsMalformedAndUnknown(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.True(t, IsFatal(err))

	bad, _ := json.Marshal(map[string]any{
		"payload":   map[string]any{"type": "MYSTERY"},
		"_metadata": validEnvelope(),
	})
	_, err = Decode(bad)
	assert.True(t, IsFatal(err))
}

func TestWireFormatShape(t *testing.T) {
	data, err := Encode(events.Event{Type: events.TypeTrainerAllocated, AllocationID: "a1"}, validEnvelope())
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "payload")
	assert.Contains(t, doc, "_metadata")
}
