package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/store"
	"github.com/ashureev/triagedesk/internal/tenant"
)

// HumanReplyRequest is an operator answer to an escalated ticket.
type HumanReplyRequest struct {
	TicketID    string `json:"-"`
	OperatorID  string `json:"-"`
	ReplyText   string `json:"reply_text"`
	CloseTicket bool   `json:"close_ticket"`
}

// HumanReplyResult reports the ticket status after a human reply.
type HumanReplyResult struct {
	Success   bool                `json:"success"`
	TicketID  string              `json:"ticket_id"`
	NewStatus domain.TicketStatus `json:"new_status"`
}

// HumanReply records an operator reply on an escalated ticket and sends it
// to the customer. Closing resolves the ticket; otherwise the follow-up
// schedule restarts. Returns ErrNotEscalated when the ticket is not
// waiting for a human.
func (s *Service) HumanReply(ctx context.Context, req HumanReplyRequest) (*HumanReplyResult, error) {
	text := strings.TrimSpace(req.ReplyText)
	if text == "" {
		return nil, invalid("reply_text", "must not be empty")
	}
	if r := []rune(text); len(r) > s.deps.MaxMessageLength {
		text = string(r[:s.deps.MaxMessageLength])
	}
	operator := strings.TrimSpace(req.OperatorID)
	if operator == "" {
		return nil, invalid("operator_id", "must not be empty")
	}

	now := s.deps.Now()
	var ticket *domain.Ticket
	err := s.deps.Store.WithTx(ctx, func(ctx context.Context, repo store.Repository) error {
		t, err := repo.GetTicket(ctx, req.TicketID)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusEscalated {
			return fmt.Errorf("%w: status is %s", ErrNotEscalated, t.Status)
		}

		before := t.Snapshot()
		if err := repo.AppendInteraction(ctx, &domain.Interaction{
			TicketID:  t.ID,
			Type:      domain.InteractionAgentResponse,
			Author:    domain.HumanAuthor(operator),
			Content:   text,
			Channel:   t.Channel,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("append human reply: %w", err)
		}
		t.LastAgentMessageAt = &now
		t.UpdatedAt = now

		if req.CloseTicket {
			t.Status = domain.StatusResolved
			t.ResolvedAt = &now
			if _, err := s.deps.Lifecycle.Cancel(ctx, repo, t.ID); err != nil {
				return err
			}
		}
		if err := repo.UpdateTicket(ctx, t); err != nil {
			return fmt.Errorf("update ticket: %w", err)
		}
		if !req.CloseTicket {
			cfg := tenant.Resolve(ctx, s.deps.Tenants, t.CompanyID, s.logger)
			if _, err := s.deps.Lifecycle.ScheduleForEscalatedTicket(ctx, repo, t, cfg.Lifecycle, now); err != nil {
				return fmt.Errorf("reschedule lifecycle: %w", err)
			}
		}

		if err := repo.AppendAudit(ctx, &domain.AuditEntry{
			TicketID:  t.ID,
			AgentName: domain.HumanAuthor(operator),
			Operation: domain.OpHumanReply,
			Before:    before,
			After:     t.Snapshot(),
			Timestamp: now,
		}); err != nil {
			return fmt.Errorf("audit human reply: %w", err)
		}
		ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Human reply recorded",
		"ticket_id", ticket.ID,
		"operator_id", operator,
		"closed", req.CloseTicket,
		"length", len(text))
	s.deliver(ctx, ticket, text)

	return &HumanReplyResult{Success: true, TicketID: ticket.ID, NewStatus: ticket.Status}, nil
}
