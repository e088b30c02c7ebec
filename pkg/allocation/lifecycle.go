package allocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tutorfleet/tutorfleet/pkg/events"
	"github.com/tutorfleet/tutorfleet/pkg/store"
	"github.com/tutorfleet/tutorfleet/pkg/worker"
)

// journeyOwnershipTTL bounds how long the realtime ownership record outlives
// an abandoned journey.
const journeyOwnershipTTL = 6 * time.Hour

// SessionLifecycleRepo is the slice of the session store lifecycle handlers
// mutate.
type SessionLifecycleRepo interface {
	Get(ctx context.Context, id string) (*store.Session, error)
	UpdateStatus(ctx context.Context, id, status string) error
	Reschedule(ctx context.Context, id string, newDate time.Time) error
	Substitute(ctx context.Context, id, newTrainerID string) error
}

// JourneyRepo is the slice of the journey store lifecycle handlers use.
type JourneyRepo interface {
	Create(ctx context.Context, j *store.Journey) error
	ActiveBySession(ctx context.Context, sessionID string) (*store.Journey, error)
	End(ctx context.Context, id string, endedAt time.Time) error
}

// Lifecycle handles the session lifecycle events that follow an allocation:
// start, completion, reschedule, and trainer substitution.
type Lifecycle struct {
	sessions  SessionLifecycleRepo
	journeys  JourneyRepo
	broadcast *redis.Client // nil disables journey channel notifications
	now       func() time.Time
	log       *slog.Logger
}

// NewLifecycle wires the lifecycle handlers. broadcast may be nil.
func NewLifecycle(client *store.Client, broadcast *redis.Client) *Lifecycle {
	return &Lifecycle{
		sessions:  client.Sessions,
		journeys:  client.Journeys,
		broadcast: broadcast,
		now:       time.Now,
		log:       slog.With("component", "session-lifecycle"),
	}
}

// JourneyID derives the deterministic journey id for a session, so repeated
// SESSION_STARTED deliveries converge on one row.
func JourneyID(sessionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("journey:"+sessionID)).String()
}

// HandleSessionStarted marks the session in progress and opens the trainer's
// journey toward it.
func (l *Lifecycle) HandleSessionStarted(ctx context.Context, evt *events.EnrichedEvent) error {
	if evt.SessionID == "" {
		return worker.Permanent(fmt.Errorf("session event %s missing sessionId", evt.Envelope.EventID))
	}

	sess, err := l.sessions.Get(ctx, evt.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return worker.Permanent(fmt.Errorf("session %s not found", evt.SessionID))
		}
		return fmt.Errorf("load session: %w", err)
	}

	if err := l.sessions.UpdateStatus(ctx, sess.ID, store.SessionInProgress); err != nil {
		return fmt.Errorf("mark session in progress: %w", err)
	}

	journey := &store.Journey{
		ID:        JourneyID(sess.ID),
		SessionID: sess.ID,
		TrainerID: sess.TrainerID,
		StudentID: sess.StudentID,
		Status:    store.JourneyActive,
		StartedAt: l.now(),
	}
	if err := l.journeys.Create(ctx, journey); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("create journey: %w", err)
	}
	l.registerJourneyOwnership(ctx, journey)
	l.log.Info("Session started", "session_id", sess.ID, "journey_id", journey.ID)
	return nil
}

// registerJourneyOwnership writes the journey ownership record the realtime
// plane checks before admitting a socket to the journey room. Best-effort:
// without it, room subscriptions are denied but nothing else breaks.
func (l *Lifecycle) registerJourneyOwnership(ctx context.Context, journey *store.Journey) {
	if l.broadcast == nil {
		return
	}
	data, err := json.Marshal(map[string]string{
		"journeyId": journey.ID,
		"sessionId": journey.SessionID,
		"studentId": journey.StudentID,
		"trainerId": journey.TrainerID,
	})
	if err != nil {
		return
	}
	if err := l.broadcast.Set(ctx, "journey:"+journey.ID, data, journeyOwnershipTTL).Err(); err != nil {
		l.log.Warn("Journey ownership record not written", "journey_id", journey.ID, "error", err)
	}
}

// HandleSessionCompleted completes the session and ends its active journey,
// notifying journey subscribers on the realtime channel.
func (l *Lifecycle) HandleSessionCompleted(ctx context.Context, evt *events.EnrichedEvent) error {
	if evt.SessionID == "" {
		return worker.Permanent(fmt.Errorf("session event %s missing sessionId", evt.Envelope.EventID))
	}

	if err := l.sessions.UpdateStatus(ctx, evt.SessionID, store.SessionCompleted); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return worker.Permanent(fmt.Errorf("session %s not found", evt.SessionID))
		}
		return fmt.Errorf("mark session completed: %w", err)
	}

	journey, err := l.journeys.ActiveBySession(ctx, evt.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		// Completion without a started journey is legal (online sessions).
		l.log.Info("Session completed", "session_id", evt.SessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find active journey: %w", err)
	}
	if err := l.journeys.End(ctx, journey.ID, l.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("end journey: %w", err)
	}

	l.notifyJourneyEnded(ctx, journey)
	l.log.Info("Session completed", "session_id", evt.SessionID, "journey_id", journey.ID)
	return nil
}

// HandleSessionRescheduled moves the session to the new date carried in
// metadata.newDate (YYYY-MM-DD).
func (l *Lifecycle) HandleSessionRescheduled(ctx context.Context, evt *events.EnrichedEvent) error {
	if evt.SessionID == "" {
		return worker.Permanent(fmt.Errorf("session event %s missing sessionId", evt.Envelope.EventID))
	}
	raw, _ := evt.Metadata["newDate"].(string)
	newDate, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return worker.Permanent(fmt.Errorf("reschedule for %s has invalid newDate %q", evt.SessionID, raw))
	}

	if err := l.sessions.Reschedule(ctx, evt.SessionID, newDate); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return worker.Permanent(fmt.Errorf("session %s not found", evt.SessionID))
		}
		return fmt.Errorf("reschedule session: %w", err)
	}
	l.log.Info("Session rescheduled", "session_id", evt.SessionID, "new_date", raw)
	return nil
}

// HandleSessionSubstituted swaps the session's trainer for the substitute.
func (l *Lifecycle) HandleSessionSubstituted(ctx context.Context, evt *events.EnrichedEvent) error {
	if evt.SessionID == "" || evt.SubstituteTrainerID == "" {
		return worker.Permanent(fmt.Errorf("substitution event %s missing sessionId or substituteTrainerId", evt.Envelope.EventID))
	}

	if err := l.sessions.Substitute(ctx, evt.SessionID, evt.SubstituteTrainerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return worker.Permanent(fmt.Errorf("session %s not found", evt.SessionID))
		}
		return fmt.Errorf("substitute trainer: %w", err)
	}
	l.log.Info("Session trainer substituted",
		"session_id", evt.SessionID,
		"original_trainer_id", evt.OriginalTrainerID,
		"substitute_trainer_id", evt.SubstituteTrainerID)
	return nil
}

// notifyJourneyEnded publishes a best-effort journey-ended frame for room
// subscribers.
func (l *Lifecycle) notifyJourneyEnded(ctx context.Context, journey *store.Journey) {
	if l.broadcast == nil {
		return
	}
	data, err := json.Marshal(map[string]string{
		"journeyId": journey.ID,
		"sessionId": journey.SessionID,
		"status":    store.JourneyCompleted,
	})
	if err != nil {
		return
	}
	if err := l.broadcast.Publish(ctx, events.ChannelJourneyEnded, data).Err(); err != nil {
		l.log.Warn("Journey-ended notification failed", "journey_id", journey.ID, "error", err)
	}
}
