package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/llm"
)

const (
	historyTurns          = 10
	llmResolverConfidence = 0.85
	templateConfidence    = 0.6
)

// Reply tones.
const (
	TonePersuasive = "persuasive"
	ToneApologetic = "apologetic"
	ToneFriendly   = "friendly"
	ToneNeutral    = "neutral"
)

var toneInstructions = map[string]string{
	TonePersuasive: "Be enthusiastic and highlight the benefits of the products, without pressuring the customer.",
	ToneApologetic: "The customer is upset. Apologize sincerely, acknowledge the problem and be very objective.",
	ToneFriendly:   "The customer is in a good mood. Be warm and friendly.",
	ToneNeutral:    "Be polite, clear and objective.",
}

var fallbackTemplates = map[string]string{
	"billing": "Recebemos sua solicitação sobre cobrança. Nossa equipe financeira vai analisar sua conta e retornar com os detalhes o quanto antes.",
	"tech":    "Recebemos seu relato técnico. Enquanto analisamos, tente reiniciar o aplicativo e verificar sua conexão. Voltaremos com uma solução em breve.",
	"general": "Obrigado pelo contato! Recebemos sua mensagem e nossa equipe vai ajudar você o quanto antes.",
}

var errEmptyResponse = errors.New("empty response")

// Resolver drafts the customer reply and flags escalation.
type Resolver struct {
	deps Deps
}

// NewResolver creates the resolver agent.
func NewResolver(deps Deps) *Resolver {
	return &Resolver{deps: deps.withDefaults()}
}

// Name returns the agent name.
func (a *Resolver) Name() string { return NameResolver }

// Execute drafts a reply, evaluates the escalation rules and appends the
// reply as an agent response.
func (a *Resolver) Execute(ctx context.Context, ticketID string, ac *Context) (*Result, error) {
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
	triage, err := ac.triageDecision(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if triage == nil {
		fb := fallbackTriage(ticket.Description)
		triage = &fb
	}
	routing, err := ac.routingDecision(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	team := validTeam(triage.Category, company)
	if routing != nil {
		team = routing.TargetTeam
	}

	query := lastCustomerMessage(interactions)
	if query == "" {
		query = ticket.Description
	}
	var snippets []string
	if company.KnowledgeBase.Enabled {
		snippets = a.deps.Knowledge.Search(ctx, query, company.CompanyID, company.KnowledgeBase.Collection)
	}

	tone := selectTone(company.Team(team), triage.Sentiment)
	res := Resolution{Tone: tone, KnowledgeSnippets: len(snippets)}

	res.Response, err = a.draftWithLLM(ctx, company, team, tone, snippets, interactions, ticket)
	if err != nil {
		a.deps.Logger.Warn("Resolver LLM failed, using template", "ticket_id", ticketID, "error", err)
		res.Response = fallbackResponse(company, triage.Category)
		res.Confidence = templateConfidence
		res.Source = SourceFallback
	} else {
		res.Confidence = llmResolverConfidence
		res.Source = SourceLLM
	}

	now := ac.clock(a.deps.Now)
	res.EscalationReasons = EvaluateRules(RuleInput{
		Priority:          ticket.Priority,
		InteractionsCount: ticket.InteractionsCount,
		Sentiment:         triage.Sentiment,
		HoursOpen:         hoursSince(ticket.CreatedAt, now),
		Confidence:        triage.Confidence,
		ConfidenceFloor:   company.Escalation.MinConfidence(),
		ConfidenceLabel:   "triage confidence",
	}, company.Escalation)
	res.NeedsEscalation = len(res.EscalationReasons) > 0
	res.BaseConfidence = res.Confidence
	res.Confidence = penalize(res.Confidence, len(res.EscalationReasons))

	reply := &domain.Interaction{
		TicketID: ticketID,
		Type:     domain.InteractionAgentResponse,
		Author:   domain.AuthorBot,
		Content:  res.Response,
		Channel:  ticket.Channel,
		AIMetadata: &domain.AIMetadata{
			ConfidenceScore: res.Confidence,
			Reasoning:       res.Source + " response, " + tone + " tone",
			DecisionType:    "resolution",
			Factors:         res.EscalationReasons,
		},
		CreatedAt: now,
	}
	if err := ac.Repo.AppendInteraction(ctx, reply); err != nil {
		return nil, fmt.Errorf("resolver append interaction: %w", err)
	}
	ac.Interactions = append(ac.Interactions, *reply)

	before := ticket.Snapshot()
	ticket.LastAgentMessageAt = &now
	ticket.UpdatedAt = now
	if err := ac.Repo.UpdateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("resolver update ticket: %w", err)
	}

	decisionMap := toMap(res)
	after := ticket.Snapshot()
	after["needs_escalation"] = res.NeedsEscalation
	after["escalation_reasons"] = res.EscalationReasons
	after["response_source"] = res.Source
	if err := writeAudit(ctx, ac.Repo, ticketID, NameResolver, domain.OpAgentExecution, before, after, now); err != nil {
		return nil, err
	}
	if err := saveState(ctx, ac.Repo, ticket, NameResolver, decisionMap, now); err != nil {
		return nil, err
	}

	ac.Resolution = &res
	ac.record(KeyResolver, decisionMap)

	return &Result{
		Success:           true,
		Confidence:        res.Confidence,
		Decisions:         decisionMap,
		Message:           "response drafted",
		NeedsEscalation:   res.NeedsEscalation,
		EscalationReasons: res.EscalationReasons,
	}, nil
}

func (a *Resolver) draftWithLLM(ctx context.Context, company *domain.CompanyConfig, teamID, tone string, snippets []string, interactions []domain.Interaction, ticket *domain.Ticket) (string, error) {
	var sys strings.Builder
	name := company.Name
	if name == "" {
		name = company.CompanyID
	}
	fmt.Fprintf(&sys, "You are a customer support agent for %s. Answer in the customer's language.\n", name)
	if team := company.Team(teamID); team != nil {
		fmt.Fprintf(&sys, "Team: %s. %s\n", team.ID, team.Instructions)
	}
	if len(company.Products) > 0 {
		sys.WriteString("Products:\n")
		for _, p := range company.Products {
			fmt.Fprintf(&sys, "- %s: %s %s\n", p.Name, p.Description, p.Price)
		}
	}
	if len(company.Policies) > 0 {
		sys.WriteString("Policies:\n")
		for _, p := range company.Policies {
			fmt.Fprintf(&sys, "- %s\n", p)
		}
	}
	if len(snippets) > 0 {
		sys.WriteString("Knowledge base:\n")
		for _, s := range snippets {
			fmt.Fprintf(&sys, "- %s\n", s)
		}
	}
	sys.WriteString("Tone: " + toneInstructions[tone])

	content, err := a.deps.LLM.ChatCompletion(ctx, llm.ChatRequest{
		SystemPrompt: sys.String(),
		UserMessage:  formatHistory(interactions, ticket.Description),
		Temperature:  0.4,
		MaxTokens:    600,
	})
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errEmptyResponse
	}
	return content, nil
}

// formatHistory renders the last conversation turns, skipping system updates.
func formatHistory(interactions []domain.Interaction, description string) string {
	turns := make([]string, 0, historyTurns)
	for i := len(interactions) - 1; i >= 0 && len(turns) < historyTurns; i-- {
		in := interactions[i]
		switch in.Type {
		case domain.InteractionCustomerMessage:
			turns = append(turns, "Customer: "+in.Content)
		case domain.InteractionAgentResponse:
			turns = append(turns, "Agent: "+in.Content)
		}
	}
	if len(turns) == 0 {
		return "Customer: " + description
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return strings.Join(turns, "\n")
}

func selectTone(team *domain.Team, sentiment float64) string {
	switch {
	case team != nil && team.IsSales:
		return TonePersuasive
	case sentiment < -0.5:
		return ToneApologetic
	case sentiment > 0.3:
		return ToneFriendly
	default:
		return ToneNeutral
	}
}

func fallbackResponse(company *domain.CompanyConfig, category string) string {
	if text := company.FallbackResponses[category]; text != "" {
		return text
	}
	if text, ok := fallbackTemplates[category]; ok {
		return text
	}
	if text := company.FallbackResponses["general"]; text != "" {
		return text
	}
	return fallbackTemplates["general"]
}
