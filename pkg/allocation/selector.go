package allocation

import (
	"time"

	"github.com/tutorfleet/tutorfleet/pkg/store"
)

// maxDailyStudents is the hard per-trainer capacity cap for any single day.
const maxDailyStudents = 8

// Scoring weights. Gender preference dominates, then slot fit, then the
// workload tiebreaker which favors less-loaded trainers.
const (
	genderWeight   = 3.0
	slotWeight     = 2.0
	workloadWeight = 1.0
)

// candidateInput carries the per-trainer state the selector scores against.
type candidateInput struct {
	// dailyCounts maps trainer id -> YYYY-MM-DD -> scheduled sessions.
	dailyCounts map[string]map[string]int
	// activeCounts maps trainer id -> live allocations.
	activeCounts map[string]int
}

// selectTrainer picks the best eligible trainer for a student and course, or
// nil when no candidate passes the hard filters. Candidates must be ordered
// earliest-approved first; ties keep the earlier candidate.
func selectTrainer(student *store.Student, candidates []store.Trainer, dates []time.Time, preferredSlot string, in candidateInput) *store.Trainer {
	radius := radiusForZone(student.Zone)

	var best *store.Trainer
	var bestScore float64
	for i := range candidates {
		t := &candidates[i]
		if distanceKm(student.HomeLat, student.HomeLon, t.BaseLat, t.BaseLon) > radius {
			continue
		}
		if overbooked(in.dailyCounts[t.ID], dates) {
			continue
		}

		score := 0.0
		if student.Gender != "" && t.Gender == student.Gender {
			score += genderWeight
		}
		if preferredSlot != "" && hasSlot(t.TimeSlots, preferredSlot) {
			score += slotWeight
		}
		score += workloadWeight / float64(1+in.activeCounts[t.ID])

		if best == nil || score > bestScore {
			best = t
			bestScore = score
		}
	}
	return best
}

// overbooked reports whether any proposed date would push the trainer past
// the daily capacity cap.
func overbooked(counts map[string]int, dates []time.Time) bool {
	for _, d := range dates {
		if counts[d.Format("2006-01-02")] >= maxDailyStudents {
			return true
		}
	}
	return false
}

func hasSlot(slots []string, want string) bool {
	for _, s := range slots {
		if s == want {
			return true
		}
	}
	return false
}
