package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// LedgerStore owns the idempotency ledger. A row per (eventId, consumerName)
// is the single authoritative "already done" signal; it is written only
// after a consumer's side effects commit.
type LedgerStore struct {
	db *sql.DB
}

// Seen reports whether the ledger already records (eventID, consumer).
func (s *LedgerStore) Seen(ctx context.Context, eventID, consumer string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM idempotency_ledger WHERE event_id = $1 AND consumer_name = $2`,
		eventID, consumer,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return true, nil
}

// Record inserts a ledger row. A concurrent writer that already recorded the
// same (eventId, consumerName) surfaces as ErrDuplicate, which callers treat
// as already processed.
func (s *LedgerStore) Record(ctx context.Context, e LedgerEntry) error {
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_ledger
		     (event_id, consumer_name, correlation_id, event_type, payload_digest, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.EventID, e.ConsumerName, e.CorrelationID, e.EventType, e.PayloadDigest, e.ProcessedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("ledger insert: %w", err)
	}
	return nil
}

// DeleteOlderThan prunes ledger rows past the retention horizon. Replay
// protection only needs to cover the log's retention window.
func (s *LedgerStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_ledger WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger prune: %w", err)
	}
	return res.RowsAffected()
}
