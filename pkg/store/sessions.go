package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SessionStore owns the session rows generated under allocations.
type SessionStore struct {
	db *sql.DB
}

// CreateBatch inserts a generated session set in one transaction. Inserts
// use ON CONFLICT DO NOTHING on the deterministic session id, so re-running
// the generator for the same allocation is a no-op.
func (s *SessionStore) CreateBatch(ctx context.Context, sessions []Session) error {
	if len(sessions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, sess := range sessions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, allocation_id, student_id, trainer_id, session_number, scheduled_date, status, session_type)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			sess.ID, sess.AllocationID, sess.StudentID, sess.TrainerID,
			sess.SessionNumber, sess.ScheduledDate, sess.Status, sess.SessionType,
		)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session batch: %w", err)
	}
	return nil
}

// Get returns a session by id, or ErrNotFound.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, allocation_id, student_id, trainer_id, session_number, scheduled_date, status, session_type
		   FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.AllocationID, &sess.StudentID, &sess.TrainerID,
		&sess.SessionNumber, &sess.ScheduledDate, &sess.Status, &sess.SessionType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// CountByAllocation returns how many sessions exist under an allocation.
func (s *SessionStore) CountByAllocation(ctx context.Context, allocationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE allocation_id = $1`, allocationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// UpdateStatus transitions a session's status.
func (s *SessionStore) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Reschedule moves a session to a new date and marks it rescheduled.
func (s *SessionStore) Reschedule(ctx context.Context, id string, newDate time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET scheduled_date = $2, status = $3 WHERE id = $1`,
		id, newDate, SessionRescheduled)
	if err != nil {
		return fmt.Errorf("reschedule session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Substitute swaps the trainer on a session.
func (s *SessionStore) Substitute(ctx context.Context, id, newTrainerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET trainer_id = $2 WHERE id = $1`, id, newTrainerID)
	if err != nil {
		return fmt.Errorf("substitute session trainer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DailyCounts returns, per trainer and per day in [from, to], the number of
// scheduled sessions. Dates are keyed as YYYY-MM-DD. The engine uses this to
// enforce the daily capacity cap by overlap counting.
func (s *SessionStore) DailyCounts(ctx context.Context, trainerIDs []string, from, to time.Time) (map[string]map[string]int, error) {
	counts := make(map[string]map[string]int, len(trainerIDs))
	if len(trainerIDs) == 0 {
		return counts, nil
	}

	ids, err := json.Marshal(trainerIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal trainer ids: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT trainer_id, scheduled_date, COUNT(*)
		   FROM sessions
		  WHERE trainer_id IN (SELECT jsonb_array_elements_text($1::jsonb))
		    AND scheduled_date BETWEEN $2 AND $3
		    AND status NOT IN ($4)
		  GROUP BY trainer_id, scheduled_date`,
		ids, from, to, SessionCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("daily session counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var trainerID string
		var day time.Time
		var n int
		if err := rows.Scan(&trainerID, &day, &n); err != nil {
			return nil, fmt.Errorf("scan daily count: %w", err)
		}
		if counts[trainerID] == nil {
			counts[trainerID] = make(map[string]int)
		}
		counts[trainerID][day.Format("2006-01-02")] = n
	}
	return counts, rows.Err()
}
