package protocol

// SchedulingEventType classifies an entry in the scheduling event log.
type SchedulingEventType string

// Scheduling event types.
const (
	EventScheduled          SchedulingEventType = "scheduled"
	EventExecuted           SchedulingEventType = "executed"
	EventFailed             SchedulingEventType = "failed"
	EventRescheduled        SchedulingEventType = "rescheduled"
	EventEmergencyScheduled SchedulingEventType = "emergency_scheduled"
	EventRecovery           SchedulingEventType = "recovery"
	EventCycleRemedy        SchedulingEventType = "cycle_remedy"
)
