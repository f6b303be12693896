package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/llm"
)

const (
	historyLimit           = 5
	affinityWindow         = 3
	affinityMinimum        = 2
	routerBaseConfidence   = 0.7
	routerAffinityScore    = 0.9
	routerP1Boost          = 0.1
	defaultTeam            = "general"
	routerSystemPromptHead = `You route customer support tickets to a team.
Reply with a JSON object only: {"target_team": "<team_id>", "confidence": <0..1>, "reasons": ["..."]}.
Available teams:`
)

// Router assigns the ticket to a team.
type Router struct {
	deps Deps
}

// NewRouter creates the router agent.
func NewRouter(deps Deps) *Router {
	return &Router{deps: deps.withDefaults()}
}

// Name returns the agent name.
func (a *Router) Name() string { return NameRouter }

// Execute picks a target team, records the routing decision and advances the
// ticket to resolution.
func (a *Router) Execute(ctx context.Context, ticketID string, ac *Context) (*Result, error) {
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
	if triage == nil {
		fb := fallbackTriage(ticket.Description)
		triage = &fb
	}

	history, err := ac.Repo.RecentRoutingHistory(ctx, ticket.Channel, ticket.ExternalUserID, ticket.ID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load routing history: %w", err)
	}

	decision, err := a.routeWithLLM(ctx, ticket, triage, history, company)
	if err != nil {
		a.deps.Logger.Warn("Router LLM failed, using rule fallback", "ticket_id", ticketID, "error", err)
		decision = fallbackRoute(triage, ticket.Priority, history, company)
	}

	now := ac.clock(a.deps.Now)
	if err := ac.Repo.RecordRoutingDecision(ctx, &domain.RoutingDecision{
		TicketID:   ticketID,
		TargetTeam: decision.TargetTeam,
		Confidence: decision.Confidence,
		Reasons:    decision.Reasons,
		CreatedAt:  now,
	}); err != nil {
		return nil, fmt.Errorf("record routing decision: %w", err)
	}

	before := ticket.Snapshot()
	ticket.CurrentPhase = domain.PhaseResolution
	ticket.UpdatedAt = now
	if err := ac.Repo.UpdateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("router update ticket: %w", err)
	}

	decisionMap := toMap(decision)
	after := ticket.Snapshot()
	after["target_team"] = decision.TargetTeam
	after["routing_confidence"] = decision.Confidence
	if err := writeAudit(ctx, ac.Repo, ticketID, NameRouter, domain.OpRouteToTeam, before, after, now); err != nil {
		return nil, err
	}
	if err := saveState(ctx, ac.Repo, ticket, NameRouter, decisionMap, now); err != nil {
		return nil, err
	}

	ac.Routing = &decision
	ac.record(KeyRouting, decisionMap)

	return &Result{
		Success:    true,
		Confidence: decision.Confidence,
		Decisions:  decisionMap,
		Message:    "routed to " + decision.TargetTeam,
	}, nil
}

func (a *Router) routeWithLLM(ctx context.Context, ticket *domain.Ticket, triage *TriageDecision, history []domain.RoutingHistoryEntry, company *domain.CompanyConfig) (RoutingDecision, error) {
	var sys strings.Builder
	sys.WriteString(routerSystemPromptHead)
	for _, team := range company.Teams {
		fmt.Fprintf(&sys, "\n- %s: %s", team.ID, team.Description)
		if len(team.Responsibilities) > 0 {
			fmt.Fprintf(&sys, " (%s)", strings.Join(team.Responsibilities, "; "))
		}
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Priority: %s\nCategory: %s\nSentiment: %.2f\nTags: %s\n",
		triage.Priority, triage.Category, triage.Sentiment, strings.Join(triage.Tags, ", "))
	if len(history) > 0 {
		user.WriteString("Previous tickets of this customer:\n")
		for _, h := range history {
			fmt.Fprintf(&user, "- %s, category %s, team %s\n", h.CreatedAt.Format("2006-01-02"), h.Category, h.TargetTeam)
		}
	}
	fmt.Fprintf(&user, "Message:\n%s", ticket.Description)

	raw, err := a.deps.LLM.JSONCompletion(ctx, llm.ChatRequest{
		SystemPrompt: sys.String(),
		UserMessage:  user.String(),
		Temperature:  0.1,
		MaxTokens:    300,
	})
	if err != nil {
		return RoutingDecision{}, err
	}
	return normalizeRoute(raw, company), nil
}

func normalizeRoute(raw map[string]any, company *domain.CompanyConfig) RoutingDecision {
	d := RoutingDecision{
		TargetTeam: validTeam(strings.ToLower(strings.TrimSpace(stringField(raw, "target_team"))), company),
		Confidence: clamp(numberField(raw, "confidence", routerBaseConfidence), 0, 1),
		Source:     SourceLLM,
	}
	if list, ok := raw["reasons"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				d.Reasons = append(d.Reasons, strings.TrimSpace(s))
			}
		}
	}
	if len(d.Reasons) == 0 {
		d.Reasons = []string{"selected by model"}
	}
	return d
}

// fallbackRoute routes by triage category, preferring a team the customer
// was sent to in at least two of their last three tickets.
func fallbackRoute(triage *TriageDecision, priority domain.Priority, history []domain.RoutingHistoryEntry, company *domain.CompanyConfig) RoutingDecision {
	d := RoutingDecision{
		TargetTeam: validTeam(triage.Category, company),
		Confidence: routerBaseConfidence,
		Reasons:    []string{"category " + triage.Category},
		Source:     SourceFallback,
	}

	if team, n := historyAffinity(history); team != "" {
		if valid := validTeam(team, company); valid == team {
			d.TargetTeam = team
			d.Confidence = routerAffinityScore
			d.Reasons = append(d.Reasons, fmt.Sprintf("customer history: %d of last %d tickets went to %s", n, affinityWindow, team))
		}
	}

	if priority == domain.PriorityP1 || triage.Priority == domain.PriorityP1 {
		d.Confidence = clamp(d.Confidence+routerP1Boost, 0, 1)
		d.Reasons = append(d.Reasons, "P1 priority")
	}
	return d
}

func historyAffinity(history []domain.RoutingHistoryEntry) (string, int) {
	counts := make(map[string]int)
	var order []string
	seen := 0
	for _, h := range history {
		if seen == affinityWindow {
			break
		}
		seen++
		if h.TargetTeam == "" {
			continue
		}
		if counts[h.TargetTeam] == 0 {
			order = append(order, h.TargetTeam)
		}
		counts[h.TargetTeam]++
	}
	for _, team := range order {
		if counts[team] >= affinityMinimum {
			return team, counts[team]
		}
	}
	return "", 0
}

func validTeam(team string, company *domain.CompanyConfig) string {
	if slices.Contains(company.TeamIDs(), team) {
		return team
	}
	return defaultTeam
}
