package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/store"
)

// Decision sources.
const (
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// TriageDecision is the classification produced by the triage agent.
type TriageDecision struct {
	Priority   domain.Priority `json:"priority"`
	Category   string          `json:"category"`
	Sentiment  float64         `json:"sentiment"`
	Confidence float64         `json:"confidence"`
	Tags       []string        `json:"tags"`
	Source     string          `json:"source"`
	Reasoning  string          `json:"reasoning,omitempty"`
}

// RoutingDecision is the team assignment produced by the router agent.
type RoutingDecision struct {
	TargetTeam string   `json:"target_team"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	Source     string   `json:"source"`
}

// Resolution is the draft reply and escalation signal of the resolver.
type Resolution struct {
	Response          string   `json:"response"`
	Confidence        float64  `json:"confidence"`
	BaseConfidence    float64  `json:"base_confidence"`
	NeedsEscalation   bool     `json:"needs_escalation"`
	EscalationReasons []string `json:"escalation_reasons"`
	Tone              string   `json:"tone"`
	Source            string   `json:"source"`
	KnowledgeSnippets int      `json:"knowledge_snippets"`
}

// EscalationDecision is the final verdict of the escalator.
type EscalationDecision struct {
	EscalateToHuman bool                `json:"escalate_to_human"`
	Reasons         []string            `json:"reasons"`
	FinalStatus     domain.TicketStatus `json:"final_status"`
}

// toMap converts a decision struct into the generic map stored in
// AgentState and threaded through the pipeline.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func fromMap(m map[string]any, v any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// priorDecision returns the decision of an earlier agent: from the pipeline
// context when present, else from its persisted AgentState. A nil result
// means the agent never ran for the ticket.
func priorDecision[T any](ctx context.Context, repo store.Repository, ac *Context, key, agentName, ticketID string) (*T, error) {
	if m, ok := ac.Decisions[key]; ok {
		var v T
		if err := fromMap(m, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		return &v, nil
	}

	state, err := repo.GetAgentState(ctx, ticketID, agentName)
	if err != nil {
		return nil, fmt.Errorf("load %s state: %w", agentName, err)
	}
	if state == nil {
		return nil, nil
	}
	var v T
	if err := fromMap(state.Decision, &v); err != nil {
		return nil, fmt.Errorf("decode %s state: %w", agentName, err)
	}
	return &v, nil
}

func (ac *Context) triageDecision(ctx context.Context, ticketID string) (*TriageDecision, error) {
	if ac.Triage != nil {
		return ac.Triage, nil
	}
	d, err := priorDecision[TriageDecision](ctx, ac.Repo, ac, KeyTriage, NameTriage, ticketID)
	if err != nil {
		return nil, err
	}
	ac.Triage = d
	return d, nil
}

func (ac *Context) routingDecision(ctx context.Context, ticketID string) (*RoutingDecision, error) {
	if ac.Routing != nil {
		return ac.Routing, nil
	}
	d, err := priorDecision[RoutingDecision](ctx, ac.Repo, ac, KeyRouting, NameRouter, ticketID)
	if err != nil {
		return nil, err
	}
	ac.Routing = d
	return d, nil
}

func (ac *Context) resolution(ctx context.Context, ticketID string) (*Resolution, error) {
	if ac.Resolution != nil {
		return ac.Resolution, nil
	}
	d, err := priorDecision[Resolution](ctx, ac.Repo, ac, KeyResolver, NameResolver, ticketID)
	if err != nil {
		return nil, err
	}
	ac.Resolution = d
	return d, nil
}

func (ac *Context) interactions(ctx context.Context, ticketID string) ([]domain.Interaction, error) {
	if ac.Interactions != nil {
		return ac.Interactions, nil
	}
	list, err := ac.Repo.ListInteractions(ctx, ticketID, 0)
	if err != nil {
		return nil, fmt.Errorf("load interactions: %w", err)
	}
	ac.Interactions = list
	return list, nil
}

// lastCustomerMessage returns the newest customer message, or "".
func lastCustomerMessage(interactions []domain.Interaction) string {
	for i := len(interactions) - 1; i >= 0; i-- {
		if interactions[i].Type == domain.InteractionCustomerMessage {
			return interactions[i].Content
		}
	}
	return ""
}
