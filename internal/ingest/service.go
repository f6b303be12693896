// Package ingest turns inbound customer messages into ticket updates,
// runs the agent pipeline and produces the customer reply.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/triagedesk/internal/channel"
	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/llm"
	"github.com/ashureev/triagedesk/internal/notify"
	"github.com/ashureev/triagedesk/internal/pipeline"
	"github.com/ashureev/triagedesk/internal/shared"
	"github.com/ashureev/triagedesk/internal/store"
	"github.com/ashureev/triagedesk/internal/tenant"
	"github.com/google/uuid"
)

const (
	// AgentName tags audit entries written by the ingestion layer.
	AgentName = "ingest"

	// GenericReply is sent when processing fails unexpectedly.
	GenericReply = "Recebemos sua mensagem e estamos processando sua solicitação."

	// DefaultMaxMessageLength caps customer messages, in runes.
	DefaultMaxMessageLength = 4000

	defaultNotifyTimeout = 30 * time.Second
	decisionHandoff      = "escalation_handoff"
	summaryHistory       = 10
)

// Pipeline runs the agents over a ticket.
type Pipeline interface {
	RunPipelineWithConfig(ctx context.Context, ticketID string, cfg *domain.CompanyConfig) (*pipeline.Result, error)
}

// Lifecycle schedules and cancels follow-up events.
type Lifecycle interface {
	ScheduleForEscalatedTicket(ctx context.Context, repo store.Repository, ticket *domain.Ticket, cfg domain.LifecycleConfig, now time.Time) ([]domain.LifecycleEvent, error)
	Cancel(ctx context.Context, repo store.Repository, ticketID string) (int64, error)
}

// Deps are the collaborators of a Service. Store, Pipeline and Lifecycle
// are required.
type Deps struct {
	Store            store.Store
	Tenants          tenant.Provider
	Pipeline         Pipeline
	Lifecycle        Lifecycle
	Sender           channel.Dispatcher
	Notifier         notify.Notifier
	LLM              llm.Client
	Logger           *slog.Logger
	DefaultCompanyID string
	MaxMessageLength int
	NotifyTimeout    time.Duration
	Retry            shared.RetryPolicy
	Now              func() time.Time
	NewID            func() string
}

// Request is one inbound customer message.
type Request struct {
	Channel        string         `json:"channel"`
	ExternalUserID string         `json:"external_user_id"`
	Text           string         `json:"text"`
	CompanyID      string         `json:"company_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Response is the outcome of Ingest. ReplyText is nil when no message
// should be sent to the customer.
type Response struct {
	Success      bool                `json:"success"`
	TicketID     string              `json:"ticket_id"`
	ReplyText    *string             `json:"reply_text"`
	Escalated    bool                `json:"escalated"`
	Message      string              `json:"message"`
	TicketStatus domain.TicketStatus `json:"ticket_status"`
}

// Service is the ingestion boundary.
type Service struct {
	deps   Deps
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewService creates an ingestion service.
func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tenants == nil {
		deps.Tenants = tenant.Static{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	if deps.LLM == nil {
		deps.LLM = llm.Unavailable{}
	}
	if deps.DefaultCompanyID == "" {
		deps.DefaultCompanyID = "default"
	}
	if deps.MaxMessageLength <= 0 {
		deps.MaxMessageLength = DefaultMaxMessageLength
	}
	if deps.NotifyTimeout <= 0 {
		deps.NotifyTimeout = defaultNotifyTimeout
	}
	if deps.Retry.MaxRetries <= 0 {
		deps.Retry = shared.DefaultRetryPolicy
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Service{deps: deps, logger: deps.Logger}
}

// Wait blocks until background escalation notices have been sent.
func (s *Service) Wait() {
	s.wg.Wait()
}

type message struct {
	channel   domain.Channel
	userID    string
	companyID string
	text      string
	subject   string
	piiTypes  []string
}

func (s *Service) validate(req Request) (*message, error) {
	ch, ok := domain.ParseChannel(req.Channel)
	if !ok {
		return nil, invalid("channel", "unsupported channel")
	}
	userID := strings.TrimSpace(req.ExternalUserID)
	if !userIDPattern.MatchString(userID) {
		return nil, invalid("external_user_id", "must be 1-128 characters of [A-Za-z0-9._:@+-]")
	}
	companyID := strings.TrimSpace(req.CompanyID)
	if companyID == "" {
		companyID = s.deps.DefaultCompanyID
	}
	if !companyIDPattern.MatchString(companyID) {
		return nil, invalid("company_id", "must be 1-64 characters of [A-Za-z0-9_-]")
	}
	clean := sanitizeMessage(req.Text, s.deps.MaxMessageLength)
	if clean.text == "" {
		return nil, invalid("text", "must not be empty")
	}
	return &message{
		channel:   ch,
		userID:    userID,
		companyID: companyID,
		text:      clean.text,
		subject:   subjectFrom(clean.plain),
		piiTypes:  clean.piiTypes,
	}, nil
}

// Ingest records a customer message on the customer's active ticket,
// creating or rolling over tickets as needed, and returns the reply.
// Validation failures return a *ValidationError before anything is stored.
func (s *Service) Ingest(ctx context.Context, req Request) (*Response, error) {
	msg, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	cfg := tenant.Resolve(ctx, s.deps.Tenants, msg.companyID, s.logger)
	now := s.deps.Now()

	var rec *recorded
	err = shared.RetryOnConflict(ctx, s.deps.Retry, "ingest", func() error {
		return s.deps.Store.WithTx(ctx, func(ctx context.Context, repo store.Repository) error {
			r, err := s.recordMessage(ctx, repo, msg, cfg, now)
			if err != nil {
				return err
			}
			rec = r
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}
	ticket := rec.ticket

	s.logger.Info("Message ingested",
		"ticket_id", ticket.ID,
		"channel", msg.channel,
		"length", len(msg.text),
		"pii", len(msg.piiTypes) > 0,
		"metadata_keys", len(req.Metadata),
		"status", ticket.Status)

	if ticket.Status == domain.StatusEscalated {
		return &Response{
			Success:      true,
			TicketID:     ticket.ID,
			Escalated:    true,
			Message:      "awaiting human agent",
			TicketStatus: ticket.Status,
		}, nil
	}

	result, err := s.deps.Pipeline.RunPipelineWithConfig(ctx, ticket.ID, cfg)
	if err != nil {
		s.logger.Error("Pipeline failed during ingestion", "ticket_id", ticket.ID, "error", err)
		return s.failed(ctx, ticket), nil
	}

	resp, notice, err := s.applyOutcome(ctx, rec, result, cfg)
	if err != nil {
		s.logger.Error("Failed to apply pipeline outcome", "ticket_id", ticket.ID, "error", err)
		return s.failed(ctx, ticket), nil
	}
	if resp.ReplyText != nil {
		s.deliver(ctx, ticket, *resp.ReplyText)
	}
	if notice != nil {
		s.notifyAsync(notice)
	}
	return resp, nil
}

func (s *Service) failed(ctx context.Context, ticket *domain.Ticket) *Response {
	reply := GenericReply
	s.deliver(ctx, ticket, reply)
	return &Response{
		Success:      false,
		TicketID:     ticket.ID,
		ReplyText:    &reply,
		Message:      "processing failed",
		TicketStatus: ticket.Status,
	}
}

// recorded is a stored customer message. priorStatus is the ticket status
// before the pipeline ran for this message.
type recorded struct {
	ticket      *domain.Ticket
	priorStatus domain.TicketStatus
	messageID   int64
}

// recordMessage resolves the ticket for msg and appends the customer
// interaction in one unit of work.
func (s *Service) recordMessage(ctx context.Context, repo store.Repository, msg *message, cfg *domain.CompanyConfig, now time.Time) (*recorded, error) {
	ticket, err := s.resolveTicket(ctx, repo, msg, cfg, now)
	if err != nil {
		return nil, err
	}

	before := ticket.Snapshot()
	customer := &domain.Interaction{
		TicketID:    ticket.ID,
		Type:        domain.InteractionCustomerMessage,
		Author:      domain.AuthorCustomer,
		Content:     msg.text,
		Channel:     msg.channel,
		PIIDetected: len(msg.piiTypes) > 0,
		PIITypes:    msg.piiTypes,
		CreatedAt:   now,
	}
	if err := repo.AppendInteraction(ctx, customer); err != nil {
		return nil, fmt.Errorf("append customer message: %w", err)
	}

	ticket.InteractionsCount++
	ticket.LastCustomerMessageAt = &now
	ticket.UpdatedAt = now
	if err := repo.UpdateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("update ticket: %w", err)
	}
	if err := repo.AppendAudit(ctx, &domain.AuditEntry{
		TicketID:  ticket.ID,
		AgentName: AgentName,
		Operation: domain.OpIngestMessage,
		Before:    before,
		After:     ticket.Snapshot(),
		Timestamp: now,
	}); err != nil {
		return nil, fmt.Errorf("audit ingest: %w", err)
	}

	if ticket.Status == domain.StatusEscalated {
		if _, err := s.deps.Lifecycle.ScheduleForEscalatedTicket(ctx, repo, ticket, cfg.Lifecycle, now); err != nil {
			return nil, fmt.Errorf("reschedule lifecycle: %w", err)
		}
	}
	return &recorded{ticket: ticket, priorStatus: ticket.Status, messageID: customer.ID}, nil
}

// resolveTicket returns the ticket the message belongs to: the active one,
// a reopened auto-closed one, or a new one.
func (s *Service) resolveTicket(ctx context.Context, repo store.Repository, msg *message, cfg *domain.CompanyConfig, now time.Time) (*domain.Ticket, error) {
	active, err := repo.FindActiveTicket(ctx, msg.channel, msg.userID)
	if err != nil {
		return nil, fmt.Errorf("find active ticket: %w", err)
	}

	if active == nil {
		latest, err := repo.FindLatestTicket(ctx, msg.channel, msg.userID)
		if err != nil {
			return nil, fmt.Errorf("find latest ticket: %w", err)
		}
		if canReopen(latest, cfg.Lifecycle, now) {
			return s.reopen(ctx, repo, latest, now)
		}
		return s.createTicket(ctx, repo, msg, now)
	}

	if active.Status == domain.StatusEscalated && isStale(active, cfg.Lifecycle, now) {
		if err := s.closeColdStart(ctx, repo, active, now); err != nil {
			return nil, err
		}
		return s.createTicket(ctx, repo, msg, now)
	}
	return active, nil
}

func canReopen(t *domain.Ticket, lc domain.LifecycleConfig, now time.Time) bool {
	if t == nil || !lc.ReopenOnReply {
		return false
	}
	if t.Status != domain.StatusAutoResolved || t.LifecycleStage != domain.StageAutoClosed || t.AutoClosedAt == nil {
		return false
	}
	return now.Sub(*t.AutoClosedAt) <= time.Duration(lc.ReopenWindowHours*float64(time.Hour))
}

func isStale(t *domain.Ticket, lc domain.LifecycleConfig, now time.Time) bool {
	if !lc.AutoCloseEnabled || lc.AutoCloseHours <= 0 {
		return false
	}
	return now.Sub(t.LastActivityAt()) > time.Duration(lc.AutoCloseHours*float64(time.Hour))
}

func (s *Service) createTicket(ctx context.Context, repo store.Repository, msg *message, now time.Time) (*domain.Ticket, error) {
	ticket := &domain.Ticket{
		ID:             s.deps.NewID(),
		CompanyID:      msg.companyID,
		CustomerID:     string(msg.channel) + ":" + msg.userID,
		ExternalUserID: msg.userID,
		Channel:        msg.channel,
		Subject:        msg.subject,
		Description:    msg.text,
		Priority:       domain.PriorityP3,
		Category:       "general",
		Tags:           []string{},
		Status:         domain.StatusOpen,
		CurrentPhase:   domain.PhaseTriage,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := repo.CreateTicket(ctx, ticket)
	if errors.Is(err, store.ErrDuplicateActiveTicket) {
		existing, findErr := repo.FindActiveTicket(ctx, msg.channel, msg.userID)
		if findErr != nil {
			return nil, fmt.Errorf("find concurrent ticket: %w", findErr)
		}
		if existing == nil {
			return nil, fmt.Errorf("create ticket: %w", err)
		}
		s.logger.Info("Reusing concurrently created ticket", "ticket_id", existing.ID)
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}

	if err := repo.AppendAudit(ctx, &domain.AuditEntry{
		TicketID:  ticket.ID,
		AgentName: AgentName,
		Operation: domain.OpCreateTicket,
		After:     ticket.Snapshot(),
		Timestamp: now,
	}); err != nil {
		return nil, fmt.Errorf("audit create: %w", err)
	}
	s.logger.Info("Ticket created", "ticket_id", ticket.ID, "channel", msg.channel, "company_id", msg.companyID)
	return ticket, nil
}

func (s *Service) reopen(ctx context.Context, repo store.Repository, ticket *domain.Ticket, now time.Time) (*domain.Ticket, error) {
	before := ticket.Snapshot()
	ticket.Status = domain.StatusEscalated
	ticket.CurrentPhase = domain.PhaseEscalation
	ticket.ReopenCount++
	ticket.ReopenedAt = &now
	ticket.LifecycleStage = ""
	ticket.UpdatedAt = now

	if _, err := s.deps.Lifecycle.Cancel(ctx, repo, ticket.ID); err != nil {
		return nil, err
	}
	err := repo.UpdateTicket(ctx, ticket)
	if errors.Is(err, store.ErrDuplicateActiveTicket) {
		existing, findErr := repo.FindActiveTicket(ctx, ticket.Channel, ticket.ExternalUserID)
		if findErr != nil || existing == nil {
			return nil, fmt.Errorf("reopen ticket: %w", err)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reopen ticket: %w", err)
	}
	if err := s.auditStatus(ctx, repo, ticket, before, now); err != nil {
		return nil, err
	}
	s.logger.Info("Ticket reopened", "ticket_id", ticket.ID, "reopen_count", ticket.ReopenCount)
	return ticket, nil
}

func (s *Service) closeColdStart(ctx context.Context, repo store.Repository, ticket *domain.Ticket, now time.Time) error {
	before := ticket.Snapshot()
	ticket.Status = domain.StatusAutoResolved
	ticket.LifecycleStage = domain.StageAutoClosedColdStart
	ticket.AutoClosedAt = &now
	ticket.UpdatedAt = now

	if _, err := s.deps.Lifecycle.Cancel(ctx, repo, ticket.ID); err != nil {
		return err
	}
	if err := repo.UpdateTicket(ctx, ticket); err != nil {
		return fmt.Errorf("close stale ticket: %w", err)
	}
	if err := s.auditStatus(ctx, repo, ticket, before, now); err != nil {
		return err
	}
	s.logger.Info("Stale escalated ticket closed", "ticket_id", ticket.ID)
	return nil
}

func (s *Service) auditStatus(ctx context.Context, repo store.Repository, ticket *domain.Ticket, before map[string]any, now time.Time) error {
	if err := repo.AppendAudit(ctx, &domain.AuditEntry{
		TicketID:  ticket.ID,
		AgentName: AgentName,
		Operation: domain.OpUpdateStatus,
		Before:    before,
		After:     ticket.Snapshot(),
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("audit status: %w", err)
	}
	return nil
}

// escalation is a handoff whose notice still needs a summary.
type escalation struct {
	notice  notify.EscalationNotice
	ticket  domain.Ticket
	history []domain.Interaction
}

// applyOutcome turns the pipeline verdict into the customer reply and the
// lifecycle schedule. It returns the notice to publish when a new handoff
// happened. A ticket escalated before this message, or handed off by a
// concurrent message after it, gets no second handoff.
func (s *Service) applyOutcome(ctx context.Context, rec *recorded, result *pipeline.Result, cfg *domain.CompanyConfig) (*Response, *escalation, error) {
	now := s.deps.Now()
	ticketID := rec.ticket.ID
	resp := &Response{Success: true, TicketID: ticketID}
	var notice *escalation

	err := s.deps.Store.WithTx(ctx, func(ctx context.Context, repo store.Repository) error {
		ticket, err := repo.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		resp.TicketStatus = ticket.Status

		if !result.Escalation.EscalateToHuman {
			if _, err := s.deps.Lifecycle.Cancel(ctx, repo, ticketID); err != nil {
				return err
			}
			reply := result.Response
			resp.ReplyText = &reply
			resp.Message = "message processed"
			return nil
		}

		resp.Escalated = true
		handedOff := rec.priorStatus == domain.StatusEscalated
		if !handedOff {
			handedOff, err = handoffAfter(ctx, repo, ticketID, rec.messageID)
			if err != nil {
				return err
			}
		}
		if handedOff {
			resp.Message = "already escalated"
			return nil
		}

		reply := handoffReply(cfg.Escalation, result.Reasons)
		if err := repo.AppendInteraction(ctx, &domain.Interaction{
			TicketID: ticketID,
			Type:     domain.InteractionAgentResponse,
			Author:   domain.AuthorBot,
			Content:  reply,
			Channel:  ticket.Channel,
			AIMetadata: &domain.AIMetadata{
				ConfidenceScore: 1,
				DecisionType:    decisionHandoff,
				Factors:         result.Reasons,
			},
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("append handoff: %w", err)
		}
		ticket.LastAgentMessageAt = &now
		ticket.UpdatedAt = now
		if err := repo.UpdateTicket(ctx, ticket); err != nil {
			return fmt.Errorf("update ticket: %w", err)
		}
		if _, err := s.deps.Lifecycle.ScheduleForEscalatedTicket(ctx, repo, ticket, cfg.Lifecycle, now); err != nil {
			return fmt.Errorf("schedule lifecycle: %w", err)
		}

		history, err := repo.ListInteractions(ctx, ticketID, summaryHistory)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		resp.ReplyText = &reply
		resp.Message = "escalated to human agent"
		n := notify.EscalationNotice{
			TicketID:        ticket.ID,
			CompanyID:       ticket.CompanyID,
			Channel:         string(ticket.Channel),
			CustomerID:      ticket.CustomerID,
			Priority:        string(ticket.Priority),
			Category:        ticket.Category,
			Reasons:         result.Reasons,
			EscalationEmail: cfg.EscalationEmail,
			EscalatedAt:     now,
		}
		notice = &escalation{notice: n, ticket: *ticket, history: history}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return resp, notice, nil
}

// handoffAfter reports whether a handoff was appended after the interaction
// with id afterID.
func handoffAfter(ctx context.Context, repo store.Repository, ticketID string, afterID int64) (bool, error) {
	its, err := repo.ListInteractions(ctx, ticketID, 0)
	if err != nil {
		return false, fmt.Errorf("list interactions: %w", err)
	}
	for _, it := range its {
		if it.ID > afterID && it.AIMetadata != nil && it.AIMetadata.DecisionType == decisionHandoff {
			return true, nil
		}
	}
	return false, nil
}

// handoffReply renders the warning and handoff templates.
func handoffReply(cfg domain.EscalationConfig, reasons []string) string {
	warning := strings.ReplaceAll(cfg.WarningTemplate, "{reasons}", strings.Join(reasons, "; "))
	parts := make([]string, 0, 2)
	for _, p := range []string{warning, cfg.HandoffTemplate} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (s *Service) deliver(ctx context.Context, ticket *domain.Ticket, text string) {
	if s.deps.Sender == nil {
		return
	}
	if err := s.deps.Sender.Send(ctx, ticket.Channel, ticket.ExternalUserID, text); err != nil {
		if errors.Is(err, channel.ErrNoAdapter) {
			s.logger.Debug("No adapter for reply", "ticket_id", ticket.ID, "channel", ticket.Channel)
			return
		}
		s.logger.Warn("Reply delivery failed", "ticket_id", ticket.ID, "channel", ticket.Channel, "error", err)
	}
}

// notifyAsync summarizes the conversation and publishes the escalation
// notice in the background with its own timeout.
func (s *Service) notifyAsync(e *escalation) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.NotifyTimeout)
		defer cancel()

		e.notice.Summary = notify.Summarize(ctx, s.deps.LLM, &e.ticket, e.history, e.notice.Reasons, s.logger)
		if err := s.deps.Notifier.NotifyEscalation(ctx, e.notice); err != nil {
			s.logger.Error("Escalation notice failed", "ticket_id", e.notice.TicketID, "error", err)
		}
	}()
}
