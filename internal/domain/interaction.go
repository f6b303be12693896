package domain

import "time"

// InteractionType classifies an interaction record.
type InteractionType string

const (
	InteractionCustomerMessage InteractionType = "customer_message"
	InteractionAgentResponse   InteractionType = "agent_response"
	InteractionSystemUpdate    InteractionType = "system_update"
)

// Interaction authors.
const (
	AuthorCustomer  = "customer"
	AuthorBot       = "bot"
	AuthorSystem    = "system"
	AuthorLifecycle = "lifecycle"
	authorHuman     = "human:"
)

// HumanAuthor returns the author tag for a reply written by an operator.
func HumanAuthor(operatorID string) string {
	return authorHuman + operatorID
}

// AIMetadata describes how an automated decision was produced.
type AIMetadata struct {
	ConfidenceScore float64  `json:"confidence_score"`
	Reasoning       string   `json:"reasoning,omitempty"`
	DecisionType    string   `json:"decision_type,omitempty"`
	Factors         []string `json:"factors,omitempty"`
}

// Interaction is one append-only message or update on a ticket.
type Interaction struct {
	ID             int64           `json:"id"`
	TicketID       string          `json:"ticket_id"`
	Type           InteractionType `json:"type"`
	Author         string          `json:"author"`
	Content        string          `json:"content"`
	Channel        Channel         `json:"channel"`
	SentimentScore *float64        `json:"sentiment_score,omitempty"`
	PIIDetected    bool            `json:"pii_detected"`
	PIITypes       []string        `json:"pii_types,omitempty"`
	AIMetadata     *AIMetadata     `json:"ai_metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditOperation enumerates the operations recorded in the audit log.
type AuditOperation string

const (
	OpUpdatePriority AuditOperation = "UPDATE_PRIORITY"
	OpRouteToTeam    AuditOperation = "ROUTE_TO_TEAM"
	OpEscalate       AuditOperation = "ESCALATE"
	OpCreateTicket   AuditOperation = "CREATE_TICKET"
	OpUpdateStatus   AuditOperation = "UPDATE_STATUS"
	OpAgentExecution AuditOperation = "AGENT_EXECUTION"
	OpHumanReply     AuditOperation = "HUMAN_REPLY"
	OpIngestMessage  AuditOperation = "INGEST_MESSAGE"
)

// AuditEntry records one state transition with before/after snapshots.
type AuditEntry struct {
	ID        int64          `json:"id"`
	TicketID  string         `json:"ticket_id"`
	AgentName string         `json:"agent_name"`
	Operation AuditOperation `json:"operation"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AgentState holds the last decision an agent made about a ticket.
type AgentState struct {
	TicketID    string         `json:"ticket_id"`
	AgentName   string         `json:"agent_name"`
	Decision    map[string]any `json:"decision"`
	LockVersion int64          `json:"lock_version"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RoutingDecision is one append-only router execution record.
type RoutingDecision struct {
	ID         int64     `json:"id"`
	TicketID   string    `json:"ticket_id"`
	TargetTeam string    `json:"target_team"`
	Confidence float64   `json:"confidence"`
	Reasons    []string  `json:"reasons"`
	CreatedAt  time.Time `json:"created_at"`
}
