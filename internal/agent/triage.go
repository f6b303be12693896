package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/llm"
)

var builtinCategories = []string{"billing", "tech", "general"}

const triageSystemPrompt = `You classify customer support messages.
Reply with a JSON object only, with these fields:
  "priority": "P1" (urgent, cancellation, fraud, security), "P2" (a problem that blocks the customer) or "P3" (everything else)
  "category": one of %s
  "sentiment": number from -1 (very negative) to 1 (very positive)
  "confidence": number from 0 to 1
  "tags": up to 5 short lowercase tags
  "reasoning": one short sentence`

// Triage classifies priority, category and sentiment.
type Triage struct {
	deps Deps
}

// NewTriage creates the triage agent.
func NewTriage(deps Deps) *Triage {
	return &Triage{deps: deps.withDefaults()}
}

// Name returns the agent name.
func (a *Triage) Name() string { return NameTriage }

// Execute classifies the ticket and advances it to routing.
func (a *Triage) Execute(ctx context.Context, ticketID string, ac *Context) (*Result, error) {
	ticket, err := loadTicket(ctx, ticketID, ac)
	if err != nil {
		return nil, err
	}
	if ticket == nil {
		return notFound(ticketID), nil
	}
	company := ac.company(ticket)
	interactions, err := ac.interactions(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	text := triageText(ticket, interactions)
	decision, err := a.classifyWithLLM(ctx, text, company)
	if err != nil {
		a.deps.Logger.Warn("Triage LLM failed, using keyword fallback",
			"ticket_id", ticketID, "text_len", len(text), "error", err)
		decision = fallbackTriage(text)
	}

	now := ac.clock(a.deps.Now)
	before := ticket.Snapshot()
	ticket.Priority = decision.Priority
	ticket.Category = decision.Category
	ticket.Tags = decision.Tags
	ticket.CurrentPhase = domain.PhaseRouting
	ticket.UpdatedAt = now
	if err := ac.Repo.UpdateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("triage update ticket: %w", err)
	}

	sentiment := decision.Sentiment
	update := &domain.Interaction{
		TicketID: ticketID,
		Type:     domain.InteractionSystemUpdate,
		Author:   domain.AuthorSystem,
		Content: fmt.Sprintf("Triage: priority %s, category %s, sentiment %.2f, confidence %.2f",
			decision.Priority, decision.Category, decision.Sentiment, decision.Confidence),
		Channel:        ticket.Channel,
		SentimentScore: &sentiment,
		AIMetadata: &domain.AIMetadata{
			ConfidenceScore: decision.Confidence,
			Reasoning:       decision.Reasoning,
			DecisionType:    "triage",
			Factors:         decision.Tags,
		},
		CreatedAt: now,
	}
	if err := ac.Repo.AppendInteraction(ctx, update); err != nil {
		return nil, fmt.Errorf("triage append interaction: %w", err)
	}
	ac.Interactions = append(ac.Interactions, *update)

	decisionMap := toMap(decision)
	if err := writeAudit(ctx, ac.Repo, ticketID, NameTriage, domain.OpUpdatePriority, before, ticket.Snapshot(), now); err != nil {
		return nil, err
	}
	if err := saveState(ctx, ac.Repo, ticket, NameTriage, decisionMap, now); err != nil {
		return nil, err
	}

	ac.Triage = &decision
	ac.record(KeyTriage, decisionMap)

	return &Result{
		Success:    true,
		Confidence: decision.Confidence,
		Decisions:  decisionMap,
		Message:    fmt.Sprintf("classified as %s/%s", decision.Priority, decision.Category),
	}, nil
}

func (a *Triage) classifyWithLLM(ctx context.Context, text string, company *domain.CompanyConfig) (TriageDecision, error) {
	categories := allowedCategories(company)
	raw, err := a.deps.LLM.JSONCompletion(ctx, llm.ChatRequest{
		SystemPrompt: fmt.Sprintf(triageSystemPrompt, strings.Join(categories, ", ")),
		UserMessage:  text,
		Temperature:  0.1,
		MaxTokens:    300,
	})
	if err != nil {
		return TriageDecision{}, err
	}
	return normalizeTriage(raw, categories), nil
}

// normalizeTriage clamps an LLM classification into the allowed domain.
func normalizeTriage(raw map[string]any, categories []string) TriageDecision {
	d := TriageDecision{
		Priority:   domain.ParsePriority(stringField(raw, "priority")),
		Category:   strings.ToLower(strings.TrimSpace(stringField(raw, "category"))),
		Sentiment:  clamp(numberField(raw, "sentiment", 0), -1, 1),
		Confidence: clamp(numberField(raw, "confidence", 0.75), 0, 1),
		Source:     SourceLLM,
		Reasoning:  stringField(raw, "reasoning"),
	}
	if !slices.Contains(categories, d.Category) {
		d.Category = "general"
	}

	var tags []string
	if list, ok := raw["tags"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	d.Tags = sanitizeTags(tags)
	return d
}

func allowedCategories(company *domain.CompanyConfig) []string {
	out := slices.Clone(builtinCategories)
	for _, id := range company.TeamIDs() {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// triageText is the ticket text plus the latest customer message when it
// differs from the description.
func triageText(ticket *domain.Ticket, interactions []domain.Interaction) string {
	parts := make([]string, 0, 3)
	if ticket.Subject != "" {
		parts = append(parts, ticket.Subject)
	}
	parts = append(parts, ticket.Description)
	if last := lastCustomerMessage(interactions); last != "" && last != ticket.Description {
		parts = append(parts, last)
	}
	return strings.Join(parts, "\n")
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func numberField(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}
