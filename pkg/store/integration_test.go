//go:build integration

package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient provisions a throwaway PostgreSQL container, applies the
// embedded migrations, and returns a wired Client.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("tutorfleet"),
		tcpostgres.WithUsername("tutorfleet"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, Migrate(db, "tutorfleet"))
	return NewClientFromDB(db)
}

func TestLedgerUniqueness(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	entry := LedgerEntry{
		EventID:       "p1",
		ConsumerName:  "allocation-worker",
		CorrelationID: "corr-1",
		EventType:     "PURCHASE_CREATED",
	}

	seen, err := client.Ledger.Seen(ctx, "p1", "allocation-worker")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, client.Ledger.Record(ctx, entry))

	seen, err = client.Ledger.Seen(ctx, "p1", "allocation-worker")
	require.NoError(t, err)
	assert.True(t, seen)

	// Second write for the same (event, consumer) collides.
	assert.ErrorIs(t, client.Ledger.Record(ctx, entry), ErrDuplicate)

	// A different consumer records independently.
	entry.ConsumerName = "notification-worker"
	require.NoError(t, client.Ledger.Record(ctx, entry))
}

func TestAllocationLiveUniqueness(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first := &Allocation{
		ID: uuid.New().String(), StudentID: "S", CourseID: "C",
		TrainerID: "t1", Status: AllocationApproved,
	}
	require.NoError(t, client.Allocations.Create(ctx, first))

	// A second live allocation for (S, C) is rejected by the partial index.
	second := &Allocation{
		ID: uuid.New().String(), StudentID: "S", CourseID: "C",
		TrainerID: "t2", Status: AllocationActive,
	}
	assert.ErrorIs(t, client.Allocations.Create(ctx, second), ErrDuplicate)

	// A pending row does not count against uniqueness.
	pending := &Allocation{
		ID: uuid.New().String(), StudentID: "S", CourseID: "C",
		Status: AllocationPending, Metadata: map[string]any{"reason": "no eligible trainer"},
	}
	require.NoError(t, client.Allocations.Create(ctx, pending))

	live, err := client.Allocations.FindLive(ctx, "S", "C")
	require.NoError(t, err)
	assert.Equal(t, first.ID, live.ID)
	assert.Equal(t, "t1", live.TrainerID)
}

func TestJourneyActiveUniqueness(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	alloc := &Allocation{ID: "a1", StudentID: "S", CourseID: "C", TrainerID: "t1", Status: AllocationActive}
	require.NoError(t, client.Allocations.Create(ctx, alloc))
	require.NoError(t, client.Sessions.CreateBatch(ctx, []Session{{
		ID: "a1-s01", AllocationID: "a1", StudentID: "S", TrainerID: "t1",
		SessionNumber: 1, ScheduledDate: time.Now(), Status: SessionScheduled, SessionType: SessionTypeOffline,
	}}))

	j1 := &Journey{ID: "j1", SessionID: "a1-s01", TrainerID: "t1", StudentID: "S", Status: JourneyActive, StartedAt: time.Now()}
	require.NoError(t, client.Journeys.Create(ctx, j1))

	j2 := &Journey{ID: "j2", SessionID: "a1-s01", TrainerID: "t1", StudentID: "S", Status: JourneyActive, StartedAt: time.Now()}
	assert.ErrorIs(t, client.Journeys.Create(ctx, j2), ErrDuplicate)

	// Ending the active journey frees the slot.
	require.NoError(t, client.Journeys.End(ctx, "j1", time.Now()))
	require.NoError(t, client.Journeys.Create(ctx, j2))
}

func TestSessionBatchIdempotent(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	alloc := &Allocation{ID: "a2", StudentID: "S2", CourseID: "C2", TrainerID: "t1", Status: AllocationApproved}
	require.NoError(t, client.Allocations.Create(ctx, alloc))

	batch := []Session{
		{ID: "a2-s01", AllocationID: "a2", StudentID: "S2", TrainerID: "t1", SessionNumber: 1, ScheduledDate: time.Now(), Status: SessionScheduled, SessionType: SessionTypeOffline},
		{ID: "a2-s02", AllocationID: "a2", StudentID: "S2", TrainerID: "t1", SessionNumber: 2, ScheduledDate: time.Now().AddDate(0, 0, 1), Status: SessionScheduled, SessionType: SessionTypeOffline},
	}
	require.NoError(t, client.Sessions.CreateBatch(ctx, batch))
	// Re-running the same batch inserts nothing new.
	require.NoError(t, client.Sessions.CreateBatch(ctx, batch))

	n, err := client.Sessions.CountByAllocation(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHealthSnapshot(t *testing.T) {
	client := newTestClient(t)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Reachable)
	assert.GreaterOrEqual(t, health.Open, 0)
	assert.Positive(t, health.MaxOpen)
}
