package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/identity"
	"github.com/ashureev/triagedesk/internal/ingest"
	"github.com/ashureev/triagedesk/internal/middleware"
	"github.com/ashureev/triagedesk/internal/pipeline"
	"github.com/ashureev/triagedesk/internal/store"
	"github.com/go-chi/chi/v5"
)

// Ingester is the ingestion boundary.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Response, error)
	HumanReply(ctx context.Context, req ingest.HumanReplyRequest) (*ingest.HumanReplyResult, error)
}

// PipelineRunner is the pipeline boundary.
type PipelineRunner interface {
	RunPipeline(ctx context.Context, ticketID string) (*pipeline.Result, error)
}

// TicketHandler serves the ingestion, pipeline, human-reply and ticket read
// endpoints.
type TicketHandler struct {
	repo     store.Repository
	ingester Ingester
	pipeline PipelineRunner
	logger   *slog.Logger
}

// NewTicketHandler creates a ticket handler.
func NewTicketHandler(repo store.Repository, ingester Ingester, runner PipelineRunner, logger *slog.Logger) *TicketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TicketHandler{repo: repo, ingester: ingester, pipeline: runner, logger: logger}
}

// RegisterRoutes mounts the ticket routes. limiter throttles ingestion per
// customer and may be nil. Operator routes require identity.Operator.
func (h *TicketHandler) RegisterRoutes(r chi.Router, limiter *middleware.RateLimiter, operatorKey string) {
	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Limit(IngestKey))
		}
		r.Post("/api/messages", h.Ingest)
	})

	r.Group(func(r chi.Router) {
		r.Use(identity.Operator(operatorKey))
		r.Post("/api/tickets/{ticketID}/pipeline", h.RunPipeline)
		r.Post("/api/tickets/{ticketID}/reply", h.HumanReply)
		r.Get("/api/tickets/{ticketID}", h.GetTicket)
		r.Get("/api/tickets/{ticketID}/audit", h.GetAudit)
		r.Get("/api/tickets/{ticketID}/routing", h.GetRouting)
		r.Get("/api/tickets/{ticketID}/lifecycle", h.GetLifecycle)
	})
}

// IngestKey keys ingestion rate limiting by channel and external user,
// falling back to the client IP when the body does not name them.
func IngestKey(r *http.Request) string {
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err == nil {
			var peek struct {
				Channel        string `json:"channel"`
				ExternalUserID string `json:"external_user_id"`
			}
			if json.Unmarshal(body, &peek) == nil && peek.Channel != "" && peek.ExternalUserID != "" {
				return peek.Channel + ":" + peek.ExternalUserID
			}
		}
	}
	return "ip:" + identity.IPFromRequest(r)
}

// Ingest handles POST /api/messages.
func (h *TicketHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.ingester.Ingest(r.Context(), req)
	if err != nil {
		if ve, ok := asValidation(err); ok {
			Error(w, http.StatusBadRequest, ve.Error())
			return
		}
		h.logger.Error("Ingestion failed", "channel", req.Channel, "error", err)
		reply := ingest.GenericReply
		JSON(w, http.StatusInternalServerError, ingest.Response{
			Success:   false,
			ReplyText: &reply,
			Message:   "internal error",
		})
		return
	}
	JSON(w, http.StatusOK, resp)
}

// RunPipeline handles POST /api/tickets/{ticketID}/pipeline.
func (h *TicketHandler) RunPipeline(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")
	result, err := h.pipeline.RunPipeline(r.Context(), ticketID)
	if err != nil {
		writeDomainError(w, h.logger, "run_pipeline", err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// HumanReply handles POST /api/tickets/{ticketID}/reply.
func (h *TicketHandler) HumanReply(w http.ResponseWriter, r *http.Request) {
	var req ingest.HumanReplyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.TicketID = chi.URLParam(r, "ticketID")
	req.OperatorID = identity.OperatorIDFromContext(r.Context())

	result, err := h.ingester.HumanReply(r.Context(), req)
	if err != nil {
		writeDomainError(w, h.logger, "human_reply", err)
		return
	}
	JSON(w, http.StatusOK, result)
}

type ticketView struct {
	Ticket       *domain.Ticket       `json:"ticket"`
	Interactions []domain.Interaction `json:"interactions"`
}

// GetTicket handles GET /api/tickets/{ticketID}.
func (h *TicketHandler) GetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")
	ticket, err := h.repo.GetTicket(r.Context(), ticketID)
	if err != nil {
		writeDomainError(w, h.logger, "get_ticket", err)
		return
	}
	interactions, err := h.repo.ListInteractions(r.Context(), ticketID, 0)
	if err != nil {
		writeDomainError(w, h.logger, "list_interactions", err)
		return
	}
	if interactions == nil {
		interactions = []domain.Interaction{}
	}
	JSON(w, http.StatusOK, ticketView{Ticket: ticket, Interactions: interactions})
}

// GetAudit handles GET /api/tickets/{ticketID}/audit.
func (h *TicketHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	listForTicket(h, w, r, "list_audit", h.repo.ListAudit)
}

// GetRouting handles GET /api/tickets/{ticketID}/routing.
func (h *TicketHandler) GetRouting(w http.ResponseWriter, r *http.Request) {
	listForTicket(h, w, r, "list_routing", h.repo.ListRoutingDecisions)
}

// GetLifecycle handles GET /api/tickets/{ticketID}/lifecycle.
func (h *TicketHandler) GetLifecycle(w http.ResponseWriter, r *http.Request) {
	listForTicket(h, w, r, "list_lifecycle", h.repo.ListLifecycleEvents)
}

func listForTicket[T any](h *TicketHandler, w http.ResponseWriter, r *http.Request, op string, list func(context.Context, string) ([]T, error)) {
	ticketID := chi.URLParam(r, "ticketID")
	if _, err := h.repo.GetTicket(r.Context(), ticketID); err != nil {
		writeDomainError(w, h.logger, op, err)
		return
	}
	items, err := list(r.Context(), ticketID)
	if err != nil {
		writeDomainError(w, h.logger, op, err)
		return
	}
	if items == nil {
		items = []T{}
	}
	JSON(w, http.StatusOK, map[string]any{"ticket_id": ticketID, "items": items})
}

func asValidation(err error) (*ingest.ValidationError, bool) {
	var ve *ingest.ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
