package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AllocationStore owns the allocation rows the engine creates. The partial
// unique index on (student_id, course_id) over live statuses is the final
// arbiter between concurrent allocation attempts.
type AllocationStore struct {
	db *sql.DB
}

// Create inserts a new allocation. Colliding with the live-allocation
// uniqueness index returns ErrDuplicate.
func (s *AllocationStore) Create(ctx context.Context, a *Allocation) error {
	meta, err := json.Marshal(orEmpty(a.Metadata))
	if err != nil {
		return fmt.Errorf("marshal allocation metadata: %w", err)
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO allocations (id, student_id, course_id, trainer_id, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		a.ID, a.StudentID, a.CourseID, a.TrainerID, a.Status, meta, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

// FindLive returns the approved or active allocation for (studentID,
// courseID), or ErrNotFound.
func (s *AllocationStore) FindLive(ctx context.Context, studentID, courseID string) (*Allocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, student_id, course_id, COALESCE(trainer_id, ''), status, metadata, created_at, updated_at
		   FROM allocations
		  WHERE student_id = $1 AND course_id = $2 AND status IN ($3, $4)`,
		studentID, courseID, AllocationApproved, AllocationActive,
	)
	return scanAllocation(row)
}

// Get returns an allocation by id, or ErrNotFound.
func (s *AllocationStore) Get(ctx context.Context, id string) (*Allocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, student_id, course_id, COALESCE(trainer_id, ''), status, metadata, created_at, updated_at
		   FROM allocations WHERE id = $1`, id)
	return scanAllocation(row)
}

// UpdateStatus transitions an allocation's status.
func (s *AllocationStore) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE allocations SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update allocation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveCountByTrainer returns the number of live allocations per trainer,
// used as the workload signal in candidate scoring.
func (s *AllocationStore) ActiveCountByTrainer(ctx context.Context, trainerIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(trainerIDs))
	if len(trainerIDs) == 0 {
		return counts, nil
	}

	ids, err := json.Marshal(trainerIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal trainer ids: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT trainer_id, COUNT(*)
		   FROM allocations
		  WHERE status IN ($1, $2)
		    AND trainer_id IN (SELECT jsonb_array_elements_text($3::jsonb))
		  GROUP BY trainer_id`,
		AllocationApproved, AllocationActive, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("count active allocations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan allocation count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func scanAllocation(row *sql.Row) (*Allocation, error) {
	var a Allocation
	var meta []byte
	err := row.Scan(&a.ID, &a.StudentID, &a.CourseID, &a.TrainerID, &a.Status, &meta, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan allocation: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode allocation metadata: %w", err)
		}
	}
	return &a, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
