package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKnownType(t *testing.T) {
	assert.True(t, KnownType(TypePurchaseCreated))
	assert.True(t, KnownType(TypeSessionSubstituted))
	assert.False(t, KnownType("PURCHASE_DELETED"))
	assert.False(t, KnownType(""))
}

func TestRecipients(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  []string
	}{
		{
			name:  "default mapping drops empties and dedupes",
			event: Event{Type: TypeTrainerAllocated, UserID: "s1", StudentID: "s1", TrainerID: "t1"},
			want:  []string{"s1", "t1"},
		},
		{
			name: "substitution includes both trainers",
			event: Event{
				Type:                TypeSessionSubstituted,
				StudentID:           "s1",
				TrainerID:           "t2",
				OriginalTrainerID:   "t1",
				SubstituteTrainerID: "t2",
			},
			want: []string{"s1", "t2", "t1"},
		},
		{
			name:  "all empty yields no recipients",
			event: Event{Type: TypeNotificationRequested},
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Recipients(&tt.event))
		})
	}
}

func TestPartitionKey(t *testing.T) {
	purchase := Event{Type: TypePurchaseCreated, StudentID: "S", CourseID: "C"}
	assert.Equal(t, "S:C", PartitionKey(&purchase))

	allocated := Event{Type: TypeTrainerAllocated, AllocationID: "a1", StudentID: "S"}
	assert.Equal(t, "a1", PartitionKey(&allocated))

	started := Event{Type: TypeSessionStarted, TrainerID: "t1", SessionID: "x"}
	assert.Equal(t, "t1", PartitionKey(&started))

	// Session events without a trainer fall back to the session id.
	rescheduled := Event{Type: TypeSessionRescheduled, SessionID: "x"}
	assert.Equal(t, "x", PartitionKey(&rescheduled))
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, TopicTrainerAllocated, TopicFor(TypeTrainerAllocated))
	assert.Equal(t, TopicPurchaseCreated, TopicFor(TypePurchaseConfirmed))
	assert.Equal(t, "", TopicFor(TypeJourneyLocationUpdate))
}

func TestEnrichedEventCarriesEnvelope(t *testing.T) {
	now := time.Now()
	e := EnrichedEvent{
		Event:    Event{Type: TypePurchaseCreated, StudentID: "S"},
		Envelope: Envelope{EventID: "p1", CorrelationID: "c1", Source: "payment", Version: "1.0.0", ProducedAt: now},
	}
	assert.Equal(t, "p1", e.Envelope.EventID)
	assert.Equal(t, "S", e.StudentID)
}
