// Package events defines the closed set of domain event types exchanged on
// the event log and the realtime broadcast channel, together with the
// metadata envelope attached to every record.
//
// An Event carries the business payload; an Envelope carries delivery
// metadata (event id, correlation id, producer, version). Consumers always
// see the composite EnrichedEvent.
package events

import (
	"time"
)

// Domain event types. Unknown types are fatal at decode time.
const (
	TypePurchaseCreated       = "PURCHASE_CREATED"
	TypePurchaseConfirmed     = "PURCHASE_CONFIRMED"
	TypeTrainerAllocated      = "TRAINER_ALLOCATED"
	TypeSessionsGenerated     = "SESSIONS_GENERATED"
	TypeNotificationRequested = "NOTIFICATION_REQUESTED"
	TypeSessionStarted        = "SESSION_STARTED"
	TypeSessionCompleted      = "SESSION_COMPLETED"
	TypeSessionRescheduled    = "SESSION_RESCHEDULED"
	TypeSessionSubstituted    = "SESSION_SUBSTITUTED"
	TypePayrollRecalculated   = "PAYROLL_RECALCULATED"
	TypeJourneyLocationUpdate = "JOURNEY_LOCATION_UPDATED"
	TypeJourneyEnded          = "JOURNEY_ENDED"
	TypeCourseCreated         = "COURSE_CREATED"
	TypeCourseUpdated         = "COURSE_UPDATED"
)

// User roles carried on events and JWT claims.
const (
	RoleStudent = "student"
	RoleTrainer = "trainer"
	RoleAdmin   = "admin"
)

var knownTypes = map[string]bool{
	TypePurchaseCreated:       true,
	TypePurchaseConfirmed:     true,
	TypeTrainerAllocated:      true,
	TypeSessionsGenerated:     true,
	TypeNotificationRequested: true,
	TypeSessionStarted:        true,
	TypeSessionCompleted:      true,
	TypeSessionRescheduled:    true,
	TypeSessionSubstituted:    true,
	TypePayrollRecalculated:   true,
	TypeJourneyLocationUpdate: true,
	TypeJourneyEnded:          true,
	TypeCourseCreated:         true,
	TypeCourseUpdated:         true,
}

// KnownType reports whether t belongs to the closed event-type set.
func KnownType(t string) bool {
	return knownTypes[t]
}

// Event is the business payload of a domain event. Fields not relevant to a
// given type are omitted from the wire representation.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Originating user.
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`

	// Entity references. Relations are by id only.
	StudentID    string `json:"studentId,omitempty"`
	TrainerID    string `json:"trainerId,omitempty"`
	CourseID     string `json:"courseId,omitempty"`
	PurchaseID   string `json:"purchaseId,omitempty"`
	AllocationID string `json:"allocationId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	JourneyID    string `json:"journeyId,omitempty"`

	// Substitution events reference both trainers involved.
	OriginalTrainerID   string `json:"originalTrainerId,omitempty"`
	SubstituteTrainerID string `json:"substituteTrainerId,omitempty"`

	// Purchase events.
	PurchaseTier int `json:"purchaseTier,omitempty"`

	// Free-form, type-specific fields (preferred slot, start date, reason, …).
	// Payload metadata overrides any store-held metadata with the same keys.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Envelope is the delivery metadata attached to every published record.
type Envelope struct {
	EventID       string    `json:"eventId"`
	CorrelationID string    `json:"correlationId"`
	Source        string    `json:"source"`
	Version       string    `json:"version"`
	ProducedAt    time.Time `json:"producedAt"`
}

// EnrichedEvent is what handlers and the fanout plane receive: the business
// payload together with its envelope.
type EnrichedEvent struct {
	Event
	Envelope Envelope `json:"_metadata"`
}

// Recipients derives the set of user ids a fanout event is addressed to.
// The default mapping is {userId, studentId, trainerId}; substitutions
// additionally address both trainers involved. Empty ids are dropped and the
// result is deduplicated.
func Recipients(e *Event) []string {
	candidates := []string{e.UserID, e.StudentID, e.TrainerID}
	if e.Type == TypeSessionSubstituted {
		candidates = append(candidates, e.OriginalTrainerID, e.SubstituteTrainerID)
	}

	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// PartitionKey returns the business key used as the log partition key so that
// causally dependent events preserve order. Purchases key on the student and
// course pair; allocation-derived events key on the allocation; session and
// journey events key on the trainer.
func PartitionKey(e *Event) string {
	switch e.Type {
	case TypePurchaseCreated, TypePurchaseConfirmed:
		return e.StudentID + ":" + e.CourseID
	case TypeTrainerAllocated, TypeSessionsGenerated:
		return e.AllocationID
	case TypeSessionStarted, TypeSessionCompleted, TypeSessionRescheduled, TypeSessionSubstituted,
		TypePayrollRecalculated, TypeJourneyLocationUpdate, TypeJourneyEnded:
		if e.TrainerID != "" {
			return e.TrainerID
		}
		return e.SessionID
	default:
		if e.StudentID != "" {
			return e.StudentID
		}
		return e.UserID
	}
}
