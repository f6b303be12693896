// Package pipeline runs the triage, routing, resolution and escalation
// agents over a ticket as one unit of work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/triagedesk/internal/agent"
	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/store"
	"github.com/ashureev/triagedesk/internal/tenant"
)

// ErrAgentFailed is returned when an agent reports success=false. The
// pipeline transaction is rolled back.
var ErrAgentFailed = errors.New("agent failed")

// EscalationStep is the escalator outcome as exposed to callers.
type EscalationStep struct {
	Success         bool           `json:"success"`
	EscalateToHuman bool           `json:"escalate_to_human"`
	Decisions       map[string]any `json:"decisions"`
	Message         string         `json:"message"`
}

// Result aggregates the agent results of one pipeline run.
type Result struct {
	TicketID    string              `json:"ticket_id"`
	Triage      *agent.Result       `json:"triage"`
	Routing     *agent.Result       `json:"routing"`
	Resolution  *agent.Result       `json:"resolution"`
	Escalation  EscalationStep      `json:"escalation"`
	FinalStatus domain.TicketStatus `json:"final_status"`

	// Response is the reply drafted by the resolver.
	Response string `json:"-"`
	// Reasons are the consolidated escalation reasons.
	Reasons []string `json:"-"`
}

// Orchestrator runs the agents in fixed order.
type Orchestrator struct {
	store   store.Store
	tenants tenant.Provider
	agents  []agent.Agent
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an orchestrator with the four standard agents.
func New(st store.Store, tenants tenant.Provider, deps agent.Deps) *Orchestrator {
	o := NewWithAgents(st, tenants, deps.Logger,
		agent.NewTriage(deps),
		agent.NewRouter(deps),
		agent.NewResolver(deps),
		agent.NewEscalator(deps),
	)
	if deps.Now != nil {
		o.now = deps.Now
	}
	return o
}

// NewWithAgents creates an orchestrator over the given agents. The last
// agent's verdict decides the final status.
func NewWithAgents(st store.Store, tenants tenant.Provider, logger *slog.Logger, agents ...agent.Agent) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if tenants == nil {
		tenants = tenant.Static{}
	}
	return &Orchestrator{store: st, tenants: tenants, agents: agents, logger: logger, now: time.Now}
}

// RunPipeline loads the ticket's company configuration and runs the agents.
// Returns store.ErrNotFound when the ticket does not exist.
func (o *Orchestrator) RunPipeline(ctx context.Context, ticketID string) (*Result, error) {
	ticket, err := o.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	cfg := tenant.Resolve(ctx, o.tenants, ticket.CompanyID, o.logger)
	return o.RunPipelineWithConfig(ctx, ticketID, cfg)
}

// RunPipelineWithConfig runs all agents inside one transaction. Any agent
// error or failure rolls back every write of the run.
func (o *Orchestrator) RunPipelineWithConfig(ctx context.Context, ticketID string, cfg *domain.CompanyConfig) (*Result, error) {
	start := time.Now()
	var result *Result

	err := o.store.WithTx(ctx, func(ctx context.Context, repo store.Repository) error {
		ticket, err := repo.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		interactions, err := repo.ListInteractions(ctx, ticketID, 0)
		if err != nil {
			return fmt.Errorf("load interactions: %w", err)
		}
		if interactions == nil {
			interactions = []domain.Interaction{}
		}

		ac := &agent.Context{
			Repo:         repo,
			Ticket:       ticket,
			Interactions: interactions,
			Company:      cfg,
			Now:          o.now(),
		}

		res := &Result{TicketID: ticketID}
		for _, a := range o.agents {
			step, err := a.Execute(ctx, ticketID, ac)
			if err != nil {
				return fmt.Errorf("%s: %w", a.Name(), err)
			}
			if !step.Success {
				return fmt.Errorf("%s: %s: %w", a.Name(), step.Message, ErrAgentFailed)
			}
			res.record(a.Name(), step)
		}

		res.FinalStatus = ac.Ticket.Status
		if ac.Resolution != nil {
			res.Response = ac.Resolution.Response
		}
		result = res
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Error("Pipeline failed", "ticket_id", ticketID, "duration", time.Since(start), "error", err)
		}
		return nil, err
	}

	o.logger.Info("Pipeline completed",
		"ticket_id", ticketID,
		"final_status", result.FinalStatus,
		"escalated", result.Escalation.EscalateToHuman,
		"duration", time.Since(start),
	)
	return result, nil
}

func (r *Result) record(name string, step *agent.Result) {
	switch name {
	case agent.NameTriage:
		r.Triage = step
	case agent.NameRouter:
		r.Routing = step
	case agent.NameResolver:
		r.Resolution = step
	case agent.NameEscalator:
		r.Escalation = EscalationStep{
			Success:         step.Success,
			EscalateToHuman: step.NeedsEscalation,
			Decisions:       step.Decisions,
			Message:         step.Message,
		}
		r.Reasons = step.EscalationReasons
	}
}
