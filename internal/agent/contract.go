// Package agent implements the four decision agents of the ticket pipeline.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/knowledge"
	"github.com/ashureev/triagedesk/internal/llm"
	"github.com/ashureev/triagedesk/internal/store"
)

// Agent names, also used as AgentState and audit identifiers.
const (
	NameTriage    = "triage"
	NameRouter    = "router"
	NameResolver  = "resolver"
	NameEscalator = "escalator"
)

// Keys under which pipeline decisions are threaded between agents.
const (
	KeyTriage   = "triage_result"
	KeyRouting  = "routing_result"
	KeyResolver = "resolver_result"
)

// Agent makes one category of decision about a ticket.
type Agent interface {
	Name() string

	// Execute decides and persists. LLM failures are recovered internally;
	// a returned error is an infrastructure failure that must abort the
	// surrounding unit of work.
	Execute(ctx context.Context, ticketID string, ac *Context) (*Result, error)
}

// Result is what an agent reports back to the orchestrator.
type Result struct {
	Success           bool           `json:"success"`
	Confidence        float64        `json:"confidence"`
	Decisions         map[string]any `json:"decisions"`
	Message           string         `json:"message"`
	NeedsEscalation   bool           `json:"needs_escalation"`
	EscalationReasons []string       `json:"escalation_reasons,omitempty"`
}

// Context carries the ticket, its history, the tenant configuration and the
// decisions of agents that already ran in the same pipeline invocation.
type Context struct {
	// Repo is the unit of work every agent writes through.
	Repo         store.Repository
	Ticket       *domain.Ticket
	Interactions []domain.Interaction
	Company      *domain.CompanyConfig

	// Decisions holds each agent's decision map under KeyTriage,
	// KeyRouting and KeyResolver.
	Decisions map[string]map[string]any

	Triage     *TriageDecision
	Routing    *RoutingDecision
	Resolution *Resolution

	// Now is the one clock reading shared by every agent of the run. It is
	// taken from the first agent's clock when left zero.
	Now time.Time
}

func (ac *Context) clock(fallback func() time.Time) time.Time {
	if ac.Now.IsZero() {
		ac.Now = fallback()
	}
	return ac.Now
}

func (ac *Context) record(key string, decision map[string]any) {
	if ac.Decisions == nil {
		ac.Decisions = make(map[string]map[string]any)
	}
	ac.Decisions[key] = decision
}

// Deps are the collaborators shared by all agents.
type Deps struct {
	LLM       llm.Client
	Knowledge knowledge.Searcher
	Logger    *slog.Logger
	Now       func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.LLM == nil {
		d.LLM = llm.Unavailable{}
	}
	if d.Knowledge == nil {
		d.Knowledge = knowledge.Noop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func notFound(ticketID string) *Result {
	return &Result{Success: false, Message: fmt.Sprintf("ticket %s not found", ticketID)}
}

// loadTicket returns the context ticket, reading it from the repository when
// the context does not carry it. A nil ticket means it does not exist.
func loadTicket(ctx context.Context, ticketID string, ac *Context) (*domain.Ticket, error) {
	if ac.Ticket != nil && ac.Ticket.ID == ticketID {
		return ac.Ticket, nil
	}
	t, err := ac.Repo.GetTicket(ctx, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	ac.Ticket = t
	return t, nil
}

func (ac *Context) company(ticket *domain.Ticket) *domain.CompanyConfig {
	if ac.Company == nil {
		ac.Company = domain.DefaultCompanyConfig(ticket.CompanyID)
		ac.Company.ApplyDefaults()
	}
	return ac.Company
}

func writeAudit(ctx context.Context, repo store.Repository, ticketID, agentName string, op domain.AuditOperation, before, after map[string]any, now time.Time) error {
	if err := repo.AppendAudit(ctx, &domain.AuditEntry{
		TicketID:  ticketID,
		AgentName: agentName,
		Operation: op,
		Before:    before,
		After:     after,
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("write %s audit: %w", op, err)
	}
	return nil
}

// saveState upserts the agent state under the ticket's optimistic lock. On a
// version conflict the ticket is re-read and the write retried once.
func saveState(ctx context.Context, repo store.Repository, ticket *domain.Ticket, agentName string, decision map[string]any, now time.Time) error {
	version, err := repo.BumpLockVersion(ctx, ticket.ID, ticket.LockVersion)
	if errors.Is(err, store.ErrVersionConflict) {
		fresh, getErr := repo.GetTicket(ctx, ticket.ID)
		if getErr != nil {
			return fmt.Errorf("reload ticket after version conflict: %w", getErr)
		}
		version, err = repo.BumpLockVersion(ctx, ticket.ID, fresh.LockVersion)
	}
	if err != nil {
		return fmt.Errorf("save %s state: %w", agentName, err)
	}
	ticket.LockVersion = version

	if err := repo.UpsertAgentState(ctx, &domain.AgentState{
		TicketID:    ticket.ID,
		AgentName:   agentName,
		Decision:    decision,
		LockVersion: version,
		UpdatedAt:   now,
	}); err != nil {
		return fmt.Errorf("save %s state: %w", agentName, err)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
