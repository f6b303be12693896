package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/llm"
)

const (
	summaryTurns    = 10
	summarySnippet  = 200
	summaryMaxChars = 600
)

const summaryPrompt = `Você resume conversas de suporte para a equipe humana.
Escreva uma ou duas frases, em português, dizendo o problema do cliente e o motivo do escalonamento.
Não inclua dados pessoais.`

// Summarize produces a one or two sentence summary of the conversation for
// the escalation notice. A deterministic summary is returned when the LLM
// fails or answers with nothing.
func Summarize(ctx context.Context, client llm.Client, ticket *domain.Ticket, interactions []domain.Interaction, reasons []string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	if client != nil {
		text, err := client.ChatCompletion(ctx, llm.ChatRequest{
			SystemPrompt: summaryPrompt,
			UserMessage:  transcript(ticket, interactions, reasons),
			Temperature:  0.2,
			MaxTokens:    120,
		})
		if err == nil {
			if text = strings.TrimSpace(text); text != "" {
				return truncate(text, summaryMaxChars)
			}
		} else {
			logger.Warn("Escalation summary LLM failed, using fallback", "ticket_id", ticket.ID, "error", err)
		}
	}
	return fallbackSummary(ticket, interactions, reasons)
}

func transcript(ticket *domain.Ticket, interactions []domain.Interaction, reasons []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Prioridade: %s\nCategoria: %s\n", ticket.Priority, ticket.Category)
	if len(reasons) > 0 {
		fmt.Fprintf(&b, "Motivos: %s\n", strings.Join(reasons, "; "))
	}
	b.WriteString("Conversa:\n")
	start := 0
	if len(interactions) > summaryTurns {
		start = len(interactions) - summaryTurns
	}
	for _, it := range interactions[start:] {
		if it.Type == domain.InteractionSystemUpdate {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", it.Author, truncate(it.Content, summarySnippet))
	}
	return b.String()
}

func fallbackSummary(ticket *domain.Ticket, interactions []domain.Interaction, reasons []string) string {
	last := ticket.Description
	for i := len(interactions) - 1; i >= 0; i-- {
		if interactions[i].Type == domain.InteractionCustomerMessage {
			last = interactions[i].Content
			break
		}
	}
	summary := fmt.Sprintf("Ticket %s (%s, %s) escalado", ticket.ID, ticket.Priority, ticket.Category)
	if len(reasons) > 0 {
		summary += ": " + strings.Join(reasons, "; ")
	}
	summary += "."
	if last = strings.TrimSpace(last); last != "" {
		summary += " Última mensagem do cliente: \"" + truncate(last, summarySnippet) + "\""
	}
	return summary
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
