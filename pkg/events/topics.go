package events

// Log topics used by the core pipeline.
const (
	TopicPurchaseCreated       = "purchase-created"
	TopicTrainerAllocated      = "trainer-allocated"
	TopicSessionsGenerated     = "sessions-generated"
	TopicNotificationRequested = "notification-requested"
	TopicSessionStarted        = "session-started"
	TopicSessionCompleted      = "session-completed"
	TopicSessionRescheduled    = "session-rescheduled"
	TopicSessionSubstituted    = "session-substituted"
	TopicPayrollRecalculated   = "payroll-recalculated"
	TopicDeadLetter            = "dead-letter-queue"
)

// Realtime broadcast channels on the shared Pub/Sub plane.
const (
	ChannelBusinessEvents = "business-events"
	ChannelJourneyUpdates = "journey:updates"
	ChannelJourneyEnded   = "journey:ended"
)

// TopicFor maps an event type to its log topic. Returns "" for types that
// are never published by the core (journey location updates travel on the
// realtime channel only).
func TopicFor(eventType string) string {
	switch eventType {
	case TypePurchaseCreated, TypePurchaseConfirmed:
		return TopicPurchaseCreated
	case TypeTrainerAllocated:
		return TopicTrainerAllocated
	case TypeSessionsGenerated:
		return TopicSessionsGenerated
	case TypeNotificationRequested:
		return TopicNotificationRequested
	case TypeSessionStarted:
		return TopicSessionStarted
	case TypeSessionCompleted:
		return TopicSessionCompleted
	case TypeSessionRescheduled:
		return TopicSessionRescheduled
	case TypeSessionSubstituted:
		return TopicSessionSubstituted
	case TypePayrollRecalculated:
		return TopicPayrollRecalculated
	default:
		return ""
	}
}
