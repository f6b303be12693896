package agent

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/triagedesk/internal/domain"
)

func TestFallbackRoute(t *testing.T) {
	company := domain.DefaultCompanyConfig("acme")
	history := func(teams ...string) []domain.RoutingHistoryEntry {
		out := make([]domain.RoutingHistoryEntry, len(teams))
		for i, team := range teams {
			out[i] = domain.RoutingHistoryEntry{TicketID: "h", TargetTeam: team}
		}
		return out
	}

	tests := []struct {
		name           string
		category       string
		priority       domain.Priority
		history        []domain.RoutingHistoryEntry
		wantTeam       string
		wantConfidence float64
	}{
		{"category", "billing", domain.PriorityP3, nil, "billing", 0.7},
		{"unknown category", "astrology", domain.PriorityP3, nil, "general", 0.7},
		{"history affinity", "general", domain.PriorityP3, history("tech", "billing", "tech"), "tech", 0.9},
		{"affinity outside window", "general", domain.PriorityP3, history("tech", "billing", "general", "billing"), "general", 0.7},
		{"P1 boost", "billing", domain.PriorityP1, nil, "billing", 0.8},
		{"P1 boost capped", "general", domain.PriorityP1, history("tech", "tech"), "tech", 1.0},
		{"history team not configured", "general", domain.PriorityP3, history("legacy", "legacy"), "general", 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := fallbackRoute(&TriageDecision{Category: tt.category, Priority: tt.priority}, tt.priority, tt.history, company)
			if d.TargetTeam != tt.wantTeam {
				t.Errorf("TargetTeam = %s, want %s", d.TargetTeam, tt.wantTeam)
			}
			if diff := d.Confidence - tt.wantConfidence; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Confidence = %v, want %v", d.Confidence, tt.wantConfidence)
			}
			if len(d.Reasons) == 0 {
				t.Error("expected reasons")
			}
		})
	}
}

func TestRouterUsesCustomerHistory(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// Two earlier resolved tickets of the same customer went to tech.
	for i, id := range []string{"old-1", "old-2"} {
		seedTicket(t, repo, id, "app travou", func(tk *domain.Ticket) {
			tk.ExternalUserID = "u-current"
			tk.Status = domain.StatusResolved
			tk.CreatedAt = testNow.Add(-time.Duration(48-i) * time.Hour)
		})
		if err := repo.RecordRoutingDecision(ctx, &domain.RoutingDecision{TicketID: id, TargetTeam: "tech", Confidence: 0.7, CreatedAt: testNow}); err != nil {
			t.Fatal(err)
		}
	}
	seedTicket(t, repo, "current", "tenho uma dúvida", func(tk *domain.Ticket) { tk.ExternalUserID = "u-current" })

	ac := newContext(repo)
	ac.Triage = &TriageDecision{Priority: domain.PriorityP3, Category: "general"}
	res, err := NewRouter(testDeps(&fakeLLM{err: errLLMDown})).Execute(ctx, "current", ac)
	if err != nil || !res.Success {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	if ac.Routing.TargetTeam != "tech" || ac.Routing.Confidence != 0.9 {
		t.Errorf("routing = %+v", ac.Routing)
	}

	decisions, _ := repo.ListRoutingDecisions(ctx, "current")
	if len(decisions) != 1 || decisions[0].TargetTeam != "tech" {
		t.Errorf("decisions = %+v", decisions)
	}
	tk, _ := repo.GetTicket(ctx, "current")
	if tk.CurrentPhase != domain.PhaseResolution {
		t.Errorf("phase = %s", tk.CurrentPhase)
	}
	audit, _ := repo.ListAudit(ctx, "current")
	if len(audit) != 1 || audit[0].Operation != domain.OpRouteToTeam || audit[0].After["target_team"] != "tech" {
		t.Errorf("audit = %+v", audit)
	}
}

func TestRouterValidatesLLMTeam(t *testing.T) {
	repo := newTestRepo(t)
	seedTicket(t, repo, "t-1", "oi", nil)
	ac := newContext(repo)
	ac.Triage = &TriageDecision{Priority: domain.PriorityP3, Category: "general"}

	client := &fakeLLM{json: map[string]any{"target_team": "marketing", "confidence": 3.0}}
	if _, err := NewRouter(testDeps(client)).Execute(context.Background(), "t-1", ac); err != nil {
		t.Fatal(err)
	}
	if ac.Routing.TargetTeam != "general" || ac.Routing.Confidence != 1 || ac.Routing.Source != SourceLLM {
		t.Errorf("routing = %+v", ac.Routing)
	}
}

func TestRouterReadsTriageFromAgentState(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedTicket(t, repo, "t-1", "minha fatura veio errada", nil)
	deps := testDeps(&fakeLLM{err: errLLMDown})

	if _, err := NewTriage(deps).Execute(ctx, "t-1", newContext(repo)); err != nil {
		t.Fatal(err)
	}

	// A fresh context has no pipeline decisions; the router must use the
	// persisted triage state.
	ac := newContext(repo)
	if _, err := NewRouter(deps).Execute(ctx, "t-1", ac); err != nil {
		t.Fatal(err)
	}
	if ac.Routing.TargetTeam != "billing" {
		t.Errorf("TargetTeam = %s, want billing", ac.Routing.TargetTeam)
	}
}
