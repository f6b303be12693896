// Package domain contains core domain types for the support pipeline.
package domain

import (
	"strings"
	"time"
)

// TicketStatus is the workflow status of a ticket.
type TicketStatus string

const (
	StatusOpen         TicketStatus = "open"
	StatusInProgress   TicketStatus = "in_progress"
	StatusEscalated    TicketStatus = "escalated"
	StatusResolved     TicketStatus = "resolved"
	StatusAutoResolved TicketStatus = "auto_resolved"
)

// ActiveStatuses lists the statuses that count as an open conversation.
var ActiveStatuses = []TicketStatus{StatusOpen, StatusInProgress, StatusEscalated}

// IsActive reports whether the status belongs to an ongoing conversation.
func (s TicketStatus) IsActive() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusEscalated:
		return true
	default:
		return false
	}
}

// Phase is the pipeline stage a ticket currently occupies.
type Phase string

const (
	PhaseTriage     Phase = "triage"
	PhaseRouting    Phase = "routing"
	PhaseResolution Phase = "resolution"
	PhaseEscalation Phase = "escalation"
)

// Priority is the triage priority of a ticket.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// ParsePriority normalizes a priority string. Unknown values map to P3.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case PriorityP1:
		return PriorityP1
	case PriorityP2:
		return PriorityP2
	default:
		return PriorityP3
	}
}

// Channel identifies the conversation transport a ticket arrived on.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelChat     Channel = "chat"
	ChannelPhone    Channel = "phone"
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, bool) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelTelegram, ChannelWhatsApp, ChannelEmail, ChannelChat, ChannelPhone:
		return c, true
	default:
		return "", false
	}
}

// Lifecycle stage markers stamped on tickets.
const (
	StageScheduled           = "scheduled"
	StageFollowup1Sent       = "followup_1_sent"
	StageFollowup2Sent       = "followup_2_sent"
	StageAutoClosed          = "auto_closed"
	StageAutoClosedColdStart = "auto_closed_cold_start"
)

// Ticket represents one customer request/conversation.
type Ticket struct {
	ID             string   `json:"ticket_id"`
	CompanyID      string   `json:"company_id"`
	CustomerID     string   `json:"customer_id"`
	ExternalUserID string   `json:"external_user_id"`
	Channel        Channel  `json:"channel"`
	Subject        string   `json:"subject"`
	Description    string   `json:"description"`
	Priority       Priority `json:"priority"`
	Category       string   `json:"category"`
	Tags           []string `json:"tags"`

	Status       TicketStatus `json:"status"`
	CurrentPhase Phase        `json:"current_phase"`

	InteractionsCount     int        `json:"interactions_count"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	LastCustomerMessageAt *time.Time `json:"last_customer_message_at,omitempty"`
	LastAgentMessageAt    *time.Time `json:"last_agent_message_at,omitempty"`
	ResolvedAt            *time.Time `json:"resolved_at,omitempty"`
	AutoClosedAt          *time.Time `json:"auto_closed_at,omitempty"`
	ReopenedAt            *time.Time `json:"reopened_at,omitempty"`
	ReopenCount           int        `json:"reopen_count"`

	LockVersion    int64  `json:"lock_version"`
	LifecycleStage string `json:"lifecycle_stage,omitempty"`
}

// LastActivityAt returns the most recent customer or agent message time,
// falling back to the creation time for tickets without messages.
func (t *Ticket) LastActivityAt() time.Time {
	last := t.CreatedAt
	if t.LastCustomerMessageAt != nil && t.LastCustomerMessageAt.After(last) {
		last = *t.LastCustomerMessageAt
	}
	if t.LastAgentMessageAt != nil && t.LastAgentMessageAt.After(last) {
		last = *t.LastAgentMessageAt
	}
	return last
}

// Snapshot returns the mutable workflow fields as a map for audit records.
func (t *Ticket) Snapshot() map[string]any {
	return map[string]any{
		"status":             string(t.Status),
		"current_phase":      string(t.CurrentPhase),
		"priority":           string(t.Priority),
		"category":           t.Category,
		"tags":               append([]string(nil), t.Tags...),
		"interactions_count": t.InteractionsCount,
		"lifecycle_stage":    t.LifecycleStage,
		"reopen_count":       t.ReopenCount,
	}
}

// RoutingHistoryEntry summarizes one earlier ticket of the same customer
// together with the team it was routed to.
type RoutingHistoryEntry struct {
	TicketID   string       `json:"ticket_id"`
	Category   string       `json:"category"`
	TargetTeam string       `json:"target_team"`
	Status     TicketStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
}
