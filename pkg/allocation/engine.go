// Package allocation implements the engine that matches a purchase to a
// trainer, creates the allocation and its initial session set, and emits the
// derived events. Handlers are written to be idempotent: the database
// uniqueness constraints, not the handlers, are the final arbiters.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tutorfleet/tutorfleet/pkg/eventlog"
	"github.com/tutorfleet/tutorfleet/pkg/events"
	"github.com/tutorfleet/tutorfleet/pkg/store"
	"github.com/tutorfleet/tutorfleet/pkg/worker"
)

const (
	sourceName   = "allocation-engine"
	eventVersion = "1.0"

	// metadata.reason recorded on allocations parked in pending.
	reasonNoTrainer = "no eligible trainer"
)

// AllocationRepo is the slice of the allocation store the engine uses.
type AllocationRepo interface {
	Create(ctx context.Context, a *store.Allocation) error
	Get(ctx context.Context, id string) (*store.Allocation, error)
	FindLive(ctx context.Context, studentID, courseID string) (*store.Allocation, error)
	ActiveCountByTrainer(ctx context.Context, trainerIDs []string) (map[string]int, error)
}

// SessionRepo is the slice of the session store the engine uses.
type SessionRepo interface {
	CreateBatch(ctx context.Context, sessions []store.Session) error
	DailyCounts(ctx context.Context, trainerIDs []string, from, to time.Time) (map[string]map[string]int, error)
}

// TrainerRepo supplies the candidate pool.
type TrainerRepo interface {
	ApprovedWithSpecialty(ctx context.Context, category, subcategory string) ([]store.Trainer, error)
}

// StudentRepo and CourseRepo resolve the entities a purchase references.
type StudentRepo interface {
	Get(ctx context.Context, id string) (*store.Student, error)
}

type CourseRepo interface {
	Get(ctx context.Context, id string) (*store.Course, error)
}

// Engine consumes PURCHASE_CREATED and produces allocations, sessions, and
// the derived TRAINER_ALLOCATED / SESSIONS_GENERATED events.
type Engine struct {
	allocations AllocationRepo
	sessions    SessionRepo
	trainers    TrainerRepo
	students    StudentRepo
	courses     CourseRepo
	publisher   eventlog.Publisher
	broadcast   *redis.Client // nil disables the best-effort fanout copy
	now         func() time.Time
	log         *slog.Logger
}

// NewEngine wires the engine. broadcast may be nil.
func NewEngine(client *store.Client, publisher eventlog.Publisher, broadcast *redis.Client) *Engine {
	return &Engine{
		allocations: client.Allocations,
		sessions:    client.Sessions,
		trainers:    client.Trainers,
		students:    client.Students,
		courses:     client.Courses,
		publisher:   publisher,
		broadcast:   broadcast,
		now:         time.Now,
		log:         slog.With("component", "allocation-engine"),
	}
}

// AllocationID derives the deterministic allocation id for a purchase event,
// so that a re-run after a partial failure converges on the same row.
func AllocationID(purchaseEventID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("allocation:"+purchaseEventID)).String()
}

// VerifyProcessed is the worker runtime's state check for purchase events: a
// ledger hit only counts when the allocation it produced still exists. A
// missing row (lost write, manual cleanup) triggers a re-run, which converges
// on the same deterministic allocation id.
func (e *Engine) VerifyProcessed(ctx context.Context, evt *events.EnrichedEvent) (bool, error) {
	if evt.Type != events.TypePurchaseCreated || evt.StudentID == "" || evt.CourseID == "" {
		return true, nil
	}
	if _, err := e.allocations.FindLive(ctx, evt.StudentID, evt.CourseID); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("verify live allocation: %w", err)
	}
	// A pending outcome leaves no live allocation but is still durable state.
	if _, err := e.allocations.Get(ctx, AllocationID(evt.Envelope.EventID)); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("verify allocation row: %w", err)
	}
	e.log.Warn("Processed purchase has no allocation row, recovering",
		"event_id", evt.Envelope.EventID, "student_id", evt.StudentID, "course_id", evt.CourseID)
	return false, nil
}

// HandlePurchaseCreated is the PURCHASE_CREATED handler run under the worker
// runtime. On success either a live allocation with sessions exists, or a
// pending allocation records why no trainer could be assigned.
func (e *Engine) HandlePurchaseCreated(ctx context.Context, evt *events.EnrichedEvent) error {
	if evt.StudentID == "" || evt.CourseID == "" {
		return worker.Permanent(fmt.Errorf("purchase event %s missing studentId or courseId", evt.Envelope.EventID))
	}
	log := e.log.With("student_id", evt.StudentID, "course_id", evt.CourseID,
		"correlation_id", evt.Envelope.CorrelationID)

	// Recovery short-circuit: a live allocation means a previous attempt got
	// far enough; converge instead of re-allocating.
	existing, err := e.allocations.FindLive(ctx, evt.StudentID, evt.CourseID)
	if err == nil {
		log.Info("Live allocation already exists, skipping", "allocation_id", existing.ID)
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check existing allocation: %w", err)
	}

	student, err := e.students.Get(ctx, evt.StudentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return worker.Permanent(fmt.Errorf("student %s not found", evt.StudentID))
		}
		return fmt.Errorf("load student: %w", err)
	}
	course, err := e.courses.Get(ctx, evt.CourseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return worker.Permanent(fmt.Errorf("course %s not found", evt.CourseID))
		}
		return fmt.Errorf("load course: %w", err)
	}

	tier := evt.PurchaseTier
	if tier == 0 {
		tier = 10
	}
	prefs := parsePreferences(evt.Metadata)
	dates := scheduleDates(tier, prefs.startDate, e.now())

	trainer, err := e.pickTrainer(ctx, student, course, dates, prefs.slot)
	if err != nil {
		return err
	}

	alloc := &store.Allocation{
		ID:        AllocationID(evt.Envelope.EventID),
		StudentID: evt.StudentID,
		CourseID:  evt.CourseID,
	}
	if trainer != nil {
		alloc.TrainerID = trainer.ID
		alloc.Status = store.AllocationApproved
	} else {
		alloc.Status = store.AllocationPending
		alloc.Metadata = map[string]any{"reason": reasonNoTrainer}
		log.Info("No eligible trainer, parking allocation in pending")
	}

	if err := e.allocations.Create(ctx, alloc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent replica won the race; convergent state.
			log.Info("Allocation uniqueness already satisfied", "allocation_id", alloc.ID)
			return nil
		}
		return fmt.Errorf("create allocation: %w", err)
	}

	var sessions []store.Session
	if trainer != nil {
		sessions = generateSessions(alloc, course.Mode, tier, dates)
		if err := e.sessions.CreateBatch(ctx, sessions); err != nil {
			return fmt.Errorf("create sessions: %w", err)
		}
	}

	if err := e.emitAllocated(ctx, evt, alloc); err != nil {
		return err
	}
	if trainer != nil {
		if err := e.emitSessionsGenerated(ctx, evt, alloc, len(sessions)); err != nil {
			return err
		}
	}

	log.Info("Allocation complete",
		"allocation_id", alloc.ID, "trainer_id", alloc.TrainerID,
		"status", alloc.Status, "sessions", len(sessions))
	return nil
}

// pickTrainer loads the candidate pool, its capacity and workload state, and
// runs the selector over them.
func (e *Engine) pickTrainer(ctx context.Context, student *store.Student, course *store.Course, dates []time.Time, slot string) (*store.Trainer, error) {
	candidates, err := e.trainers.ApprovedWithSpecialty(ctx, course.Category, course.Subcategory)
	if err != nil {
		return nil, fmt.Errorf("load trainer candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, t := range candidates {
		ids[i] = t.ID
	}
	daily, err := e.sessions.DailyCounts(ctx, ids, dates[0], dates[len(dates)-1])
	if err != nil {
		return nil, fmt.Errorf("load trainer capacity: %w", err)
	}
	active, err := e.allocations.ActiveCountByTrainer(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load trainer workload: %w", err)
	}

	return selectTrainer(student, candidates, dates, slot, candidateInput{
		dailyCounts:  daily,
		activeCounts: active,
	}), nil
}

// emitAllocated publishes TRAINER_ALLOCATED with eventId = allocationId and
// the correlation id inherited from the purchase, then mirrors it best-effort
// onto the realtime broadcast channel.
func (e *Engine) emitAllocated(ctx context.Context, purchase *events.EnrichedEvent, alloc *store.Allocation) error {
	evt := events.Event{
		Type:         events.TypeTrainerAllocated,
		Timestamp:    e.now(),
		StudentID:    alloc.StudentID,
		TrainerID:    alloc.TrainerID,
		CourseID:     alloc.CourseID,
		AllocationID: alloc.ID,
		PurchaseID:   purchase.PurchaseID,
	}
	if alloc.Status == store.AllocationPending {
		evt.Metadata = map[string]any{"reason": reasonNoTrainer, "status": alloc.Status}
	}
	env := events.Envelope{
		EventID:       alloc.ID,
		CorrelationID: purchase.Envelope.CorrelationID,
		Source:        sourceName,
		Version:       eventVersion,
		ProducedAt:    e.now(),
	}
	if err := e.publisher.Publish(ctx, events.TopicTrainerAllocated, evt, env); err != nil {
		return fmt.Errorf("publish trainer allocated: %w", err)
	}
	e.fanout(ctx, evt, env)
	return nil
}

func (e *Engine) emitSessionsGenerated(ctx context.Context, purchase *events.EnrichedEvent, alloc *store.Allocation, count int) error {
	evt := events.Event{
		Type:         events.TypeSessionsGenerated,
		Timestamp:    e.now(),
		StudentID:    alloc.StudentID,
		TrainerID:    alloc.TrainerID,
		CourseID:     alloc.CourseID,
		AllocationID: alloc.ID,
		Metadata:     map[string]any{"sessionCount": count},
	}
	env := events.Envelope{
		EventID:       alloc.ID + ":sessions",
		CorrelationID: purchase.Envelope.CorrelationID,
		Source:        sourceName,
		Version:       eventVersion,
		ProducedAt:    e.now(),
	}
	if err := e.publisher.Publish(ctx, events.TopicSessionsGenerated, evt, env); err != nil {
		return fmt.Errorf("publish sessions generated: %w", err)
	}
	e.fanout(ctx, evt, env)
	return nil
}

// fanout mirrors an event onto the realtime broadcast channel. Failures are
// logged and swallowed; realtime delivery never gates the pipeline.
func (e *Engine) fanout(ctx context.Context, evt events.Event, env events.Envelope) {
	if e.broadcast == nil {
		return
	}
	data, err := eventlog.Encode(evt, env)
	if err != nil {
		e.log.Error("Fanout encode failed", "event_type", evt.Type, "error", err)
		return
	}
	if err := e.broadcast.Publish(ctx, events.ChannelBusinessEvents, data).Err(); err != nil {
		e.log.Warn("Fanout publish failed", "event_type", evt.Type, "error", err)
	}
}

// preferences are the schedule hints a purchase may carry in its metadata.
type preferences struct {
	slot      string
	startDate time.Time
}

func parsePreferences(meta map[string]any) preferences {
	var p preferences
	if s, ok := meta["preferredTimeSlot"].(string); ok {
		p.slot = s
	}
	if s, ok := meta["preferredStartDate"].(string); ok {
		if d, err := time.Parse("2006-01-02", s); err == nil {
			p.startDate = d
		}
	}
	return p
}
