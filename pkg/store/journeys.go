package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JourneyStore owns journey rows. The partial unique index on session_id
// over active status guarantees at most one live journey per session.
type JourneyStore struct {
	db *sql.DB
}

// Create inserts a journey. Starting a second active journey for the same
// session returns ErrDuplicate.
func (s *JourneyStore) Create(ctx context.Context, j *Journey) error {
	var startedAt any
	if !j.StartedAt.IsZero() {
		startedAt = j.StartedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journeys (id, session_id, trainer_id, student_id, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		j.ID, j.SessionID, j.TrainerID, j.StudentID, j.Status, startedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert journey: %w", err)
	}
	return nil
}

// Get returns a journey by id, or ErrNotFound.
func (s *JourneyStore) Get(ctx context.Context, id string) (*Journey, error) {
	var j Journey
	var startedAt, endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, trainer_id, student_id, status, started_at, ended_at
		   FROM journeys WHERE id = $1`, id,
	).Scan(&j.ID, &j.SessionID, &j.TrainerID, &j.StudentID, &j.Status, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get journey: %w", err)
	}
	j.StartedAt = startedAt.Time
	j.EndedAt = endedAt.Time
	return &j, nil
}

// ActiveBySession returns the active journey for a session, or ErrNotFound.
func (s *JourneyStore) ActiveBySession(ctx context.Context, sessionID string) (*Journey, error) {
	var j Journey
	var startedAt, endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, trainer_id, student_id, status, started_at, ended_at
		   FROM journeys WHERE session_id = $1 AND status = $2`, sessionID, JourneyActive,
	).Scan(&j.ID, &j.SessionID, &j.TrainerID, &j.StudentID, &j.Status, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active journey for session: %w", err)
	}
	j.StartedAt = startedAt.Time
	j.EndedAt = endedAt.Time
	return &j, nil
}

// End transitions a journey to completed and stamps ended_at.
func (s *JourneyStore) End(ctx context.Context, id string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE journeys SET status = $2, ended_at = $3 WHERE id = $1 AND status = $4`,
		id, JourneyCompleted, endedAt, JourneyActive)
	if err != nil {
		return fmt.Errorf("end journey: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
