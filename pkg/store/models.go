package store

import (
	"errors"
	"time"
)

// Sentinel errors shared by all repositories.
var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert collides with a uniqueness
	// constraint. Callers treat this as "the invariant already holds".
	ErrDuplicate = errors.New("store: duplicate")
)

// Allocation statuses.
const (
	AllocationPending   = "pending"
	AllocationApproved  = "approved"
	AllocationActive    = "active"
	AllocationCancelled = "cancelled"
	AllocationRejected  = "rejected"
)

// Session statuses and types.
const (
	SessionScheduled   = "scheduled"
	SessionInProgress  = "in_progress"
	SessionCompleted   = "completed"
	SessionRescheduled = "rescheduled"
	SessionCancelled   = "cancelled"

	SessionTypeOnline  = "online"
	SessionTypeOffline = "offline"
)

// Journey statuses.
const (
	JourneyCreated   = "created"
	JourneyActive    = "active"
	JourneyCompleted = "completed"
	JourneyCancelled = "cancelled"
)

// Student home zones, which set the allocation radius.
const (
	ZoneUrban     = "urban"
	ZoneMedium    = "medium"
	ZonePeriphery = "periphery"
)

// LedgerEntry is one idempotency ledger row: the durable record that a
// consumer finished the side effects of an event.
type LedgerEntry struct {
	EventID       string
	ConsumerName  string
	CorrelationID string
	EventType     string
	PayloadDigest string
	ProcessedAt   time.Time
}

// Allocation binds a student and course to at most one trainer.
type Allocation struct {
	ID        string
	StudentID string
	CourseID  string
	TrainerID string // empty when no trainer is assigned yet
	Status    string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is one scheduled training session under an allocation.
type Session struct {
	ID            string
	AllocationID  string
	StudentID     string
	TrainerID     string
	SessionNumber int
	ScheduledDate time.Time
	Status        string
	SessionType   string
}

// Journey tracks a trainer's travel toward a session.
type Journey struct {
	ID        string
	SessionID string
	TrainerID string
	StudentID string
	Status    string
	StartedAt time.Time
	EndedAt   time.Time
}

// Trainer is the candidate pool row the allocation engine selects from.
type Trainer struct {
	ID             string
	Name           string
	Gender         string
	ApprovalStatus string
	ApprovedAt     time.Time
	Specialties    []string
	TimeSlots      []string
	BaseLat        float64
	BaseLon        float64
}

// Student holds the location and preference fields the engine matches on.
type Student struct {
	ID      string
	Name    string
	Gender  string
	HomeLat float64
	HomeLon float64
	Zone    string
}

// Course holds the specialty fields the engine matches trainers against.
type Course struct {
	ID          string
	Title       string
	Category    string
	Subcategory string
	Mode        string
}
