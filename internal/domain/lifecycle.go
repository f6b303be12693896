package domain

import "time"

// LifecycleEventType identifies a scheduled side effect on an escalated ticket.
type LifecycleEventType string

const (
	EventFollowup1 LifecycleEventType = "followup_1"
	EventFollowup2 LifecycleEventType = "followup_2"
	EventAutoClose LifecycleEventType = "auto_close"
)

// LifecycleEventStatus is the processing state of a lifecycle event.
type LifecycleEventStatus string

const (
	EventPending   LifecycleEventStatus = "pending"
	EventExecuted  LifecycleEventStatus = "executed"
	EventCancelled LifecycleEventStatus = "cancelled"
)

// LifecycleEvent is a timed follow-up or auto-close for an escalated ticket.
type LifecycleEvent struct {
	ID          int64                `json:"id"`
	TicketID    string               `json:"ticket_id"`
	EventType   LifecycleEventType   `json:"event_type"`
	ScheduledAt time.Time            `json:"scheduled_at"`
	Status      LifecycleEventStatus `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	ExecutedAt  *time.Time           `json:"executed_at,omitempty"`
}
