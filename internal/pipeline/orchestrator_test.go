package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/triagedesk/internal/agent"
	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/llm"
	"github.com/ashureev/triagedesk/internal/store"
)

var testNow = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTicket(t *testing.T, s store.Store, id, text string) {
	t.Helper()
	ctx := context.Background()
	created := testNow.Add(-time.Hour)
	if err := s.CreateTicket(ctx, &domain.Ticket{
		ID:                id,
		CompanyID:         "acme",
		CustomerID:        "telegram:" + id,
		ExternalUserID:    "user-" + id,
		Channel:           domain.ChannelTelegram,
		Description:       text,
		Priority:          domain.PriorityP3,
		Category:          "general",
		Status:            domain.StatusOpen,
		CurrentPhase:      domain.PhaseTriage,
		InteractionsCount: 1,
		CreatedAt:         created,
		UpdatedAt:         created,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendInteraction(ctx, &domain.Interaction{
		TicketID: id, Type: domain.InteractionCustomerMessage, Author: domain.AuthorCustomer,
		Content: text, Channel: domain.ChannelTelegram, CreatedAt: created,
	}); err != nil {
		t.Fatal(err)
	}
}

func fallbackDeps() agent.Deps {
	return agent.Deps{LLM: llm.Unavailable{}, Now: func() time.Time { return testNow }}
}

func defaultConfig() *domain.CompanyConfig {
	cfg := domain.DefaultCompanyConfig("acme")
	cfg.ApplyDefaults()
	return cfg
}

func TestRunPipelineEscalatesAngryCancellation(t *testing.T) {
	s := newTestStore(t)
	seedTicket(t, s, "t-1", "Quero cancelar agora, isso é um golpe!")

	res, err := New(s, nil, fallbackDeps()).RunPipeline(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("RunPipeline failed: %v", err)
	}
	if res.FinalStatus != domain.StatusEscalated || !res.Escalation.EscalateToHuman {
		t.Fatalf("result = %+v", res)
	}
	if res.Triage.Decisions["priority"] != "P1" {
		t.Errorf("triage = %v", res.Triage.Decisions)
	}
	if res.Routing == nil || res.Resolution == nil || res.Response == "" || len(res.Reasons) == 0 {
		t.Errorf("incomplete result: %+v", res)
	}

	ctx := context.Background()
	tk, _ := s.GetTicket(ctx, "t-1")
	if tk.Status != domain.StatusEscalated || tk.CurrentPhase != domain.PhaseEscalation || tk.LockVersion != 4 {
		t.Errorf("ticket = %s/%s v%d", tk.Status, tk.CurrentPhase, tk.LockVersion)
	}

	audit, _ := s.ListAudit(ctx, "t-1")
	wantOps := []domain.AuditOperation{domain.OpUpdatePriority, domain.OpRouteToTeam, domain.OpAgentExecution, domain.OpEscalate}
	if len(audit) != len(wantOps) {
		t.Fatalf("audit = %+v", audit)
	}
	for i, op := range wantOps {
		if audit[i].Operation != op {
			t.Errorf("audit[%d] = %s, want %s", i, audit[i].Operation, op)
		}
	}
	for _, name := range []string{agent.NameTriage, agent.NameRouter, agent.NameResolver, agent.NameEscalator} {
		if st, _ := s.GetAgentState(ctx, "t-1", name); st == nil {
			t.Errorf("missing agent state for %s", name)
		}
	}
}

func TestRunPipelineNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := New(s, nil, fallbackDeps()).RunPipeline(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	_, err = New(s, nil, fallbackDeps()).RunPipelineWithConfig(context.Background(), "nope", defaultConfig())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

type brokenAgent struct {
	err    error
	result *agent.Result
}

func (b brokenAgent) Name() string { return "broken" }

func (b brokenAgent) Execute(context.Context, string, *agent.Context) (*agent.Result, error) {
	return b.result, b.err
}

func TestRunPipelineRollsBackOnFailure(t *testing.T) {
	tests := []struct {
		name   string
		broken brokenAgent
		want   error
	}{
		{"infra error", brokenAgent{err: errors.New("disk full")}, nil},
		{"agent failure", brokenAgent{result: &agent.Result{Success: false, Message: "nope"}}, ErrAgentFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			seedTicket(t, s, "t-1", "Quero cancelar agora")
			deps := fallbackDeps()
			o := NewWithAgents(s, nil, nil, agent.NewTriage(deps), agent.NewRouter(deps), tt.broken)

			_, err := o.RunPipelineWithConfig(context.Background(), "t-1", defaultConfig())
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}

			ctx := context.Background()
			tk, _ := s.GetTicket(ctx, "t-1")
			if tk.Priority != domain.PriorityP3 || tk.CurrentPhase != domain.PhaseTriage || tk.LockVersion != 0 {
				t.Errorf("ticket changed: %+v", tk)
			}
			if audit, _ := s.ListAudit(ctx, "t-1"); len(audit) != 0 {
				t.Errorf("audit survived rollback: %+v", audit)
			}
			if decisions, _ := s.ListRoutingDecisions(ctx, "t-1"); len(decisions) != 0 {
				t.Errorf("routing decision survived rollback: %+v", decisions)
			}
			if interactions, _ := s.ListInteractions(ctx, "t-1", 0); len(interactions) != 1 {
				t.Errorf("interactions = %d, want 1", len(interactions))
			}
		})
	}
}

func TestRunPipelineRerun(t *testing.T) {
	s := newTestStore(t)
	seedTicket(t, s, "t-1", "Qual o horário de atendimento da loja?")
	o := New(s, nil, fallbackDeps())
	ctx := context.Background()

	first, err := o.RunPipeline(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.RunPipeline(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}

	if first.FinalStatus != domain.StatusInProgress || second.FinalStatus != domain.StatusInProgress {
		t.Errorf("statuses = %s, %s", first.FinalStatus, second.FinalStatus)
	}
	if first.Triage.Decisions["priority"] != second.Triage.Decisions["priority"] {
		t.Errorf("triage drifted: %v vs %v", first.Triage.Decisions, second.Triage.Decisions)
	}

	tk, _ := s.GetTicket(ctx, "t-1")
	if tk.InteractionsCount != 1 {
		t.Errorf("InteractionsCount = %d, want 1", tk.InteractionsCount)
	}

	interactions, _ := s.ListInteractions(ctx, "t-1", 0)
	responses := 0
	for _, in := range interactions {
		if in.Type == domain.InteractionAgentResponse {
			responses++
		}
	}
	// Each run drafts exactly one response.
	if responses != 2 {
		t.Errorf("agent responses = %d, want 2", responses)
	}
}
