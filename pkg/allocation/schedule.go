package allocation

import (
	"fmt"
	"time"

	"github.com/tutorfleet/tutorfleet/pkg/store"
)

// Hybrid tier-30 split: the first six sessions are fixed online onboarding,
// the rest alternate until 18 online and 12 offline are scheduled.
const (
	hybridOnboardingSessions = 6
	hybridOnlineTotal        = 18
	hybridOfflineTotal       = 12
)

// SessionID derives the deterministic id for one session of an allocation.
// Re-running the generator yields the same ids, so inserts converge.
func SessionID(allocationID string, sessionNumber int) string {
	return fmt.Sprintf("%s-s%02d", allocationID, sessionNumber)
}

// scheduleDates returns tier consecutive daily dates starting at start (or
// the day after now when start is zero or in the past), skipping Sundays.
func scheduleDates(tier int, start, now time.Time) []time.Time {
	day := start
	tomorrow := now.AddDate(0, 0, 1)
	if day.IsZero() || day.Before(tomorrow) {
		day = tomorrow
	}
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	dates := make([]time.Time, 0, tier)
	for len(dates) < tier {
		if day.Weekday() != time.Sunday {
			dates = append(dates, day)
		}
		day = day.AddDate(0, 0, 1)
	}
	return dates
}

// sessionType returns the type of session n (1-based) for a course mode and
// tier. The hybrid tier-30 plan opens with fixed online sessions and then
// alternates; other modes are uniform.
func sessionType(mode string, tier, n, onlineSoFar, offlineSoFar int) string {
	if mode != "hybrid" {
		if mode == "online" {
			return store.SessionTypeOnline
		}
		return store.SessionTypeOffline
	}

	if tier == 30 {
		if n <= hybridOnboardingSessions {
			return store.SessionTypeOnline
		}
		if onlineSoFar >= hybridOnlineTotal {
			return store.SessionTypeOffline
		}
		if offlineSoFar >= hybridOfflineTotal {
			return store.SessionTypeOnline
		}
		if (n-hybridOnboardingSessions)%2 == 1 {
			return store.SessionTypeOffline
		}
		return store.SessionTypeOnline
	}

	// Hybrid at smaller tiers has no fixed split; alternate starting online.
	if n%2 == 1 {
		return store.SessionTypeOnline
	}
	return store.SessionTypeOffline
}

// generateSessions builds the initial session set for an allocation: tier
// daily sessions with deterministic ids, typed per the course mode.
func generateSessions(alloc *store.Allocation, courseMode string, tier int, dates []time.Time) []store.Session {
	sessions := make([]store.Session, 0, len(dates))
	online, offline := 0, 0
	for i, date := range dates {
		n := i + 1
		typ := sessionType(courseMode, tier, n, online, offline)
		if typ == store.SessionTypeOnline {
			online++
		} else {
			offline++
		}
		sessions = append(sessions, store.Session{
			ID:            SessionID(alloc.ID, n),
			AllocationID:  alloc.ID,
			StudentID:     alloc.StudentID,
			TrainerID:     alloc.TrainerID,
			SessionNumber: n,
			ScheduledDate: date,
			Status:        store.SessionScheduled,
			SessionType:   typ,
		})
	}
	return sessions
}
