package agent

import (
	"context"
	"fmt"

	"github.com/ashureev/triagedesk/internal/domain"
)

// Escalator makes the final escalate-to-human decision. It re-checks every
// rule on its own rather than trusting the resolver's flag.
type Escalator struct {
	deps Deps
}

// NewEscalator creates the escalator agent.
func NewEscalator(deps Deps) *Escalator {
	return &Escalator{deps: deps.withDefaults()}
}

// Name returns the agent name.
func (a *Escalator) Name() string { return NameEscalator }

// Execute sets the ticket to escalated or in_progress.
func (a *Escalator) Execute(ctx context.Context, ticketID string, ac *Context) (*Result, error) {
	ticket, err := loadTicket(ctx, ticketID, ac)
	if err != nil {
		return nil, err
	}
	if ticket == nil {
		return notFound(ticketID), nil
	}
	company := ac.company(ticket)

	triage, err := ac.triageDecision(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	resolution, err := ac.resolution(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	var sentiment float64
	if triage != nil {
		sentiment = triage.Sentiment
	}
	resolverConfidence := templateConfidence
	var upstream []string
	if resolution != nil {
		// The floor is checked against the draft confidence, before the
		// resolver's rule penalty.
		resolverConfidence = resolution.BaseConfidence
		if resolverConfidence == 0 {
			resolverConfidence = resolution.Confidence
		}
		upstream = resolution.EscalationReasons
	}

	now := ac.clock(a.deps.Now)
	own := EvaluateRules(RuleInput{
		Priority:          ticket.Priority,
		InteractionsCount: ticket.InteractionsCount,
		Sentiment:         sentiment,
		HoursOpen:         hoursSince(ticket.CreatedAt, now),
		Confidence:        resolverConfidence,
		ConfidenceFloor:   company.Escalation.MinResolverConfidence(),
		ConfidenceLabel:   "resolver confidence",
	}, company.Escalation)

	decision := EscalationDecision{Reasons: mergeReasons(upstream, own)}
	decision.EscalateToHuman = len(decision.Reasons) > 0

	before := ticket.Snapshot()
	if decision.EscalateToHuman {
		ticket.Status = domain.StatusEscalated
		ticket.CurrentPhase = domain.PhaseEscalation
	} else {
		ticket.Status = domain.StatusInProgress
	}
	decision.FinalStatus = ticket.Status
	ticket.UpdatedAt = now
	if err := ac.Repo.UpdateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("escalator update ticket: %w", err)
	}

	decisionMap := toMap(decision)
	after := ticket.Snapshot()
	after["escalate_to_human"] = decision.EscalateToHuman
	after["reasons"] = decision.Reasons
	if err := writeAudit(ctx, ac.Repo, ticketID, NameEscalator, domain.OpEscalate, before, after, now); err != nil {
		return nil, err
	}
	if err := saveState(ctx, ac.Repo, ticket, NameEscalator, decisionMap, now); err != nil {
		return nil, err
	}

	msg := "handled automatically"
	if decision.EscalateToHuman {
		msg = "escalated to human"
		a.deps.Logger.Info("Ticket escalated", "ticket_id", ticketID, "reasons", len(decision.Reasons))
	}

	return &Result{
		Success:           true,
		Confidence:        resolverConfidence,
		Decisions:         decisionMap,
		Message:           msg,
		NeedsEscalation:   decision.EscalateToHuman,
		EscalationReasons: decision.Reasons,
	}, nil
}
