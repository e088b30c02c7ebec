package realtime

import "github.com/tutorfleet/tutorfleet/pkg/events"

// shouldReceive is the visibility filter applied after recipient resolution:
// admins see everything, students see their own events, trainers see events
// addressed to them (including either side of a substitution).
func shouldReceive(evt *events.Event, userID, role string) bool {
	switch role {
	case events.RoleAdmin:
		return true
	case events.RoleStudent:
		return evt.StudentID == userID
	case events.RoleTrainer:
		if evt.TrainerID == userID {
			return true
		}
		if evt.Type == events.TypeSessionSubstituted {
			return evt.OriginalTrainerID == userID || evt.SubstituteTrainerID == userID
		}
		return false
	default:
		return false
	}
}
