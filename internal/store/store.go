// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/triagedesk/internal/domain"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when an optimistic lock check fails.
	ErrVersionConflict = errors.New("lock version conflict")
	// ErrDuplicateActiveTicket is returned when a second active ticket is
	// created for the same channel and external user.
	ErrDuplicateActiveTicket = errors.New("active ticket already exists")
)

// Repository defines the persistence operations of the ticket pipeline.
// Every method runs against the current unit of work: the database itself,
// or the transaction a Store.WithTx callback received.
type Repository interface {
	// CreateTicket inserts a new ticket. Returns ErrDuplicateActiveTicket when
	// another active ticket exists for the same channel and external user.
	CreateTicket(ctx context.Context, ticket *domain.Ticket) error

	// GetTicket retrieves a ticket by id. Returns ErrNotFound if absent.
	GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, error)

	// UpdateTicket persists the mutable fields of a ticket. The lock version
	// is not written here; see BumpLockVersion.
	UpdateTicket(ctx context.Context, ticket *domain.Ticket) error

	// FindActiveTicket returns the active ticket for a channel and external
	// user, or nil when there is none.
	FindActiveTicket(ctx context.Context, channel domain.Channel, externalUserID string) (*domain.Ticket, error)

	// FindLatestTicket returns the most recently created ticket for a channel
	// and external user regardless of status, or nil.
	FindLatestTicket(ctx context.Context, channel domain.Channel, externalUserID string) (*domain.Ticket, error)

	// RecentRoutingHistory returns the customer's most recent other tickets
	// with the team each was last routed to, newest first.
	RecentRoutingHistory(ctx context.Context, channel domain.Channel, externalUserID, excludeTicketID string, limit int) ([]domain.RoutingHistoryEntry, error)

	// BumpLockVersion increments the ticket lock version if it still equals
	// expected. Returns the new version or ErrVersionConflict.
	BumpLockVersion(ctx context.Context, ticketID string, expected int64) (int64, error)

	// AppendInteraction inserts an interaction and sets its ID.
	AppendInteraction(ctx context.Context, interaction *domain.Interaction) error

	// ListInteractions returns the ticket interactions in insertion order.
	// A positive limit keeps only the most recent entries.
	ListInteractions(ctx context.Context, ticketID string, limit int) ([]domain.Interaction, error)

	// AppendAudit inserts an audit entry.
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error

	// ListAudit returns the audit trail of a ticket in insertion order.
	ListAudit(ctx context.Context, ticketID string) ([]domain.AuditEntry, error)

	// GetAgentState returns the last state of an agent for a ticket, or nil.
	GetAgentState(ctx context.Context, ticketID, agentName string) (*domain.AgentState, error)

	// UpsertAgentState creates or replaces the state of an agent for a ticket.
	UpsertAgentState(ctx context.Context, state *domain.AgentState) error

	// RecordRoutingDecision appends a routing decision and sets its ID.
	RecordRoutingDecision(ctx context.Context, decision *domain.RoutingDecision) error

	// ListRoutingDecisions returns the routing history of a ticket, oldest first.
	ListRoutingDecisions(ctx context.Context, ticketID string) ([]domain.RoutingDecision, error)

	// InsertLifecycleEvent inserts a pending lifecycle event and sets its ID.
	InsertLifecycleEvent(ctx context.Context, event *domain.LifecycleEvent) error

	// CancelPendingLifecycleEvents cancels every pending event of a ticket.
	CancelPendingLifecycleEvents(ctx context.Context, ticketID string) (int64, error)

	// ClaimDueLifecycleEvent atomically marks the oldest due pending event as
	// executed and returns it, or nil when nothing is due.
	ClaimDueLifecycleEvent(ctx context.Context, now time.Time) (*domain.LifecycleEvent, error)

	// ListLifecycleEvents returns all lifecycle events of a ticket.
	ListLifecycleEvents(ctx context.Context, ticketID string) ([]domain.LifecycleEvent, error)
}

// Store is a Repository that can open transactional units of work.
type Store interface {
	Repository

	// WithTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise. The Repository handed to fn is
	// itself a Store whose WithTx joins the outer transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// InTx runs fn inside a transaction when repo can open one, and directly
// against repo otherwise.
func InTx(ctx context.Context, repo Repository, fn func(ctx context.Context, repo Repository) error) error {
	if s, ok := repo.(Store); ok {
		return s.WithTx(ctx, fn)
	}
	return fn(ctx, repo)
}
