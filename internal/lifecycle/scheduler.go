// Package lifecycle schedules and applies follow-up and auto-close events
// for escalated tickets.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/triagedesk/internal/channel"
	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/store"
	"github.com/ashureev/triagedesk/internal/tenant"
)

// AgentName tags audit entries written by the scheduler.
const AgentName = "lifecycle"

// Scheduler owns the lifecycle events of escalated tickets.
type Scheduler struct {
	store   store.Store
	tenants tenant.Provider
	sender  channel.Dispatcher
	logger  *slog.Logger
	now     func() time.Time
}

// NewScheduler creates a scheduler. sender may be nil, in which case
// templated messages are recorded but not delivered.
func NewScheduler(st store.Store, tenants tenant.Provider, sender channel.Dispatcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   st,
		tenants: tenants,
		sender:  sender,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func hoursAfter(t time.Time, hours float64) time.Time {
	return t.Add(time.Duration(hours * float64(time.Hour)))
}

// ScheduleForEscalatedTicket replaces the pending events of ticket with a
// fresh schedule counted from now and stamps the ticket as scheduled.
// Events disabled in cfg are skipped.
func (s *Scheduler) ScheduleForEscalatedTicket(ctx context.Context, repo store.Repository, ticket *domain.Ticket, cfg domain.LifecycleConfig, now time.Time) ([]domain.LifecycleEvent, error) {
	if _, err := repo.CancelPendingLifecycleEvents(ctx, ticket.ID); err != nil {
		return nil, fmt.Errorf("cancel lifecycle events: %w", err)
	}

	plan := []struct {
		enabled bool
		hours   float64
		typ     domain.LifecycleEventType
	}{
		{cfg.Followup1Enabled, cfg.Followup1Hours, domain.EventFollowup1},
		{cfg.Followup2Enabled, cfg.Followup2Hours, domain.EventFollowup2},
		{cfg.AutoCloseEnabled, cfg.AutoCloseHours, domain.EventAutoClose},
	}

	events := make([]domain.LifecycleEvent, 0, len(plan))
	for _, p := range plan {
		if !p.enabled || p.hours <= 0 {
			continue
		}
		ev := domain.LifecycleEvent{
			TicketID:    ticket.ID,
			EventType:   p.typ,
			ScheduledAt: hoursAfter(now, p.hours),
			Status:      domain.EventPending,
			CreatedAt:   now,
		}
		if err := repo.InsertLifecycleEvent(ctx, &ev); err != nil {
			return nil, fmt.Errorf("insert %s event: %w", p.typ, err)
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return events, nil
	}

	ticket.LifecycleStage = domain.StageScheduled
	ticket.UpdatedAt = now
	if err := repo.UpdateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("stamp lifecycle stage: %w", err)
	}
	s.logger.Debug("Lifecycle events scheduled", "ticket_id", ticket.ID, "count", len(events))
	return events, nil
}

// Cancel cancels every pending event of a ticket.
func (s *Scheduler) Cancel(ctx context.Context, repo store.Repository, ticketID string) (int64, error) {
	n, err := repo.CancelPendingLifecycleEvents(ctx, ticketID)
	if err != nil {
		return 0, fmt.Errorf("cancel lifecycle events: %w", err)
	}
	if n > 0 {
		s.logger.Debug("Lifecycle events cancelled", "ticket_id", ticketID, "count", n)
	}
	return n, nil
}

type outbound struct {
	ticketID  string
	channel   domain.Channel
	recipient string
	text      string
}

// ProcessDueEvents applies up to limit due events, one transaction each,
// and returns how many events were claimed. Events of tickets that are no
// longer escalated are consumed without effect.
func (s *Scheduler) ProcessDueEvents(ctx context.Context, limit int) (int, error) {
	processed := 0
	for processed < limit {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		now := s.now()
		claimed := false
		var msg *outbound
		err := s.store.WithTx(ctx, func(ctx context.Context, repo store.Repository) error {
			ev, err := repo.ClaimDueLifecycleEvent(ctx, now)
			if err != nil {
				return fmt.Errorf("claim lifecycle event: %w", err)
			}
			if ev == nil {
				return nil
			}
			claimed = true
			msg, err = s.apply(ctx, repo, ev, now)
			return err
		})
		if err != nil {
			return processed, err
		}
		if !claimed {
			break
		}
		processed++
		if msg != nil {
			s.deliver(ctx, msg)
		}
	}
	return processed, nil
}

func (s *Scheduler) apply(ctx context.Context, repo store.Repository, ev *domain.LifecycleEvent, now time.Time) (*outbound, error) {
	ticket, err := repo.GetTicket(ctx, ev.TicketID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("Lifecycle event for missing ticket", "ticket_id", ev.TicketID, "event_id", ev.ID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	if ticket.Status != domain.StatusEscalated {
		s.logger.Debug("Skipping stale lifecycle event",
			"ticket_id", ticket.ID,
			"event_type", ev.EventType,
			"status", ticket.Status)
		return nil, nil
	}

	cfg := tenant.Resolve(ctx, s.tenants, ticket.CompanyID, s.logger).Lifecycle

	var text string
	switch ev.EventType {
	case domain.EventFollowup1:
		text = cfg.Followup1Template
		ticket.LifecycleStage = domain.StageFollowup1Sent
	case domain.EventFollowup2:
		text = cfg.Followup2Template
		ticket.LifecycleStage = domain.StageFollowup2Sent
	case domain.EventAutoClose:
		before := ticket.Snapshot()
		ticket.Status = domain.StatusAutoResolved
		ticket.LifecycleStage = domain.StageAutoClosed
		ticket.AutoClosedAt = &now
		if _, err := repo.CancelPendingLifecycleEvents(ctx, ticket.ID); err != nil {
			return nil, fmt.Errorf("cancel remaining events: %w", err)
		}
		if err := repo.AppendAudit(ctx, &domain.AuditEntry{
			TicketID:  ticket.ID,
			AgentName: AgentName,
			Operation: domain.OpUpdateStatus,
			Before:    before,
			After:     ticket.Snapshot(),
			Timestamp: now,
		}); err != nil {
			return nil, fmt.Errorf("audit auto close: %w", err)
		}
		text = cfg.AutoCloseTemplate
	default:
		s.logger.Warn("Unknown lifecycle event type", "event_type", ev.EventType, "event_id", ev.ID)
		return nil, nil
	}

	ticket.UpdatedAt = now
	if err := repo.UpdateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("update ticket: %w", err)
	}
	s.logger.Info("Lifecycle event applied",
		"ticket_id", ticket.ID,
		"event_type", ev.EventType,
		"stage", ticket.LifecycleStage)

	if text == "" {
		return nil, nil
	}
	if err := repo.AppendInteraction(ctx, &domain.Interaction{
		TicketID:  ticket.ID,
		Type:      domain.InteractionAgentResponse,
		Author:    domain.AuthorLifecycle,
		Content:   text,
		Channel:   ticket.Channel,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("append lifecycle message: %w", err)
	}
	return &outbound{
		ticketID:  ticket.ID,
		channel:   ticket.Channel,
		recipient: ticket.ExternalUserID,
		text:      text,
	}, nil
}

func (s *Scheduler) deliver(ctx context.Context, msg *outbound) {
	if s.sender == nil {
		return
	}
	if err := s.sender.Send(ctx, msg.channel, msg.recipient, msg.text); err != nil {
		s.logger.Warn("Lifecycle message delivery failed",
			"ticket_id", msg.ticketID,
			"channel", msg.channel,
			"error", err)
	}
}
