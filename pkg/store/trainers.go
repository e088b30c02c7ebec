package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// TrainerStore reads the trainer candidate pool.
type TrainerStore struct {
	db *sql.DB
}

// ApprovedWithSpecialty returns approved trainers whose specialty set covers
// both the course category and subcategory, ordered by approval time so that
// scoring ties break toward the earliest-approved trainer.
func (s *TrainerStore) ApprovedWithSpecialty(ctx context.Context, category, subcategory string) ([]Trainer, error) {
	cat, err := json.Marshal([]string{category})
	if err != nil {
		return nil, fmt.Errorf("marshal category: %w", err)
	}
	sub, err := json.Marshal([]string{subcategory})
	if err != nil {
		return nil, fmt.Errorf("marshal subcategory: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, gender, approval_status, COALESCE(approved_at, 'epoch'::timestamptz),
		        specialties, time_slots, base_lat, base_lon
		   FROM trainers
		  WHERE approval_status = 'approved'
		    AND specialties @> $1::jsonb
		    AND specialties @> $2::jsonb
		  ORDER BY approved_at ASC NULLS LAST, id ASC`,
		cat, sub,
	)
	if err != nil {
		return nil, fmt.Errorf("query approved trainers: %w", err)
	}
	defer rows.Close()

	var out []Trainer
	for rows.Next() {
		var t Trainer
		var specialties, slots []byte
		if err := rows.Scan(&t.ID, &t.Name, &t.Gender, &t.ApprovalStatus, &t.ApprovedAt,
			&specialties, &slots, &t.BaseLat, &t.BaseLon); err != nil {
			return nil, fmt.Errorf("scan trainer: %w", err)
		}
		if err := json.Unmarshal(specialties, &t.Specialties); err != nil {
			return nil, fmt.Errorf("decode trainer specialties: %w", err)
		}
		if err := json.Unmarshal(slots, &t.TimeSlots); err != nil {
			return nil, fmt.Errorf("decode trainer time slots: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// StudentStore reads student rows.
type StudentStore struct {
	db *sql.DB
}

// Get returns a student by id, or ErrNotFound.
func (s *StudentStore) Get(ctx context.Context, id string) (*Student, error) {
	var st Student
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, gender, home_lat, home_lon, zone FROM students WHERE id = $1`, id,
	).Scan(&st.ID, &st.Name, &st.Gender, &st.HomeLat, &st.HomeLon, &st.Zone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get student: %w", err)
	}
	return &st, nil
}

// CourseStore reads course rows.
type CourseStore struct {
	db *sql.DB
}

// Get returns a course by id, or ErrNotFound.
func (s *CourseStore) Get(ctx context.Context, id string) (*Course, error) {
	var c Course
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, category, subcategory, mode FROM courses WHERE id = $1`, id,
	).Scan(&c.ID, &c.Title, &c.Category, &c.Subcategory, &c.Mode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get course: %w", err)
	}
	return &c, nil
}
