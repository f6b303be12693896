package agent

import (
	"context"
	"testing"

	"github.com/ashureev/triagedesk/internal/domain"
)

func TestTriageFallbackWhenLLMFails(t *testing.T) {
	repo := newTestRepo(t)
	seedTicket(t, repo, "t-1", "Quero cancelar agora, isso é um golpe!", nil)
	ac := newContext(repo)

	res, err := NewTriage(testDeps(&fakeLLM{err: errLLMDown})).Execute(context.Background(), "t-1", ac)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	for _, key := range []string{"priority", "category", "sentiment", "confidence", "tags"} {
		if _, ok := res.Decisions[key]; !ok {
			t.Errorf("decision missing %q", key)
		}
	}
	if ac.Triage.Priority != domain.PriorityP1 || ac.Triage.Sentiment >= 0 {
		t.Errorf("triage = %+v", ac.Triage)
	}

	ctx := context.Background()
	tk, _ := repo.GetTicket(ctx, "t-1")
	if tk.Priority != domain.PriorityP1 || tk.CurrentPhase != domain.PhaseRouting {
		t.Errorf("ticket not updated: priority=%s phase=%s", tk.Priority, tk.CurrentPhase)
	}
	if tk.LockVersion != 1 {
		t.Errorf("LockVersion = %d, want 1", tk.LockVersion)
	}

	audit, _ := repo.ListAudit(ctx, "t-1")
	if len(audit) != 1 || audit[0].Operation != domain.OpUpdatePriority {
		t.Fatalf("audit = %+v", audit)
	}
	if audit[0].Before["priority"] != "P3" || audit[0].After["priority"] != "P1" {
		t.Errorf("audit snapshots = %v -> %v", audit[0].Before, audit[0].After)
	}

	interactions, _ := repo.ListInteractions(ctx, "t-1", 0)
	last := interactions[len(interactions)-1]
	if last.Type != domain.InteractionSystemUpdate || last.SentimentScore == nil || *last.SentimentScore >= 0 {
		t.Errorf("system update = %+v", last)
	}

	state, _ := repo.GetAgentState(ctx, "t-1", NameTriage)
	if state == nil || state.Decision["priority"] != "P1" || state.LockVersion != 1 {
		t.Errorf("agent state = %+v", state)
	}
	if ac.Decisions[KeyTriage]["priority"] != "P1" {
		t.Errorf("context decisions = %v", ac.Decisions)
	}
}

func TestTriageClampsLLMOutput(t *testing.T) {
	repo := newTestRepo(t)
	seedTicket(t, repo, "t-1", "alguma coisa", nil)
	client := &fakeLLM{json: map[string]any{
		"priority":   "X9",
		"category":   "astrology",
		"sentiment":  -99.0,
		"confidence": 5.0,
		"tags":       []any{"Fatura Atrasada", "fatura atrasada", "a", "b", "c", "d", "e", 7},
	}}
	ac := newContext(repo)

	res, err := NewTriage(testDeps(client)).Execute(context.Background(), "t-1", ac)
	if err != nil || !res.Success {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	d := ac.Triage
	if d.Priority != domain.PriorityP3 {
		t.Errorf("Priority = %s, want P3", d.Priority)
	}
	if d.Category != "general" {
		t.Errorf("Category = %s, want general", d.Category)
	}
	if d.Sentiment != -1 {
		t.Errorf("Sentiment = %v, want -1", d.Sentiment)
	}
	if d.Confidence != 1 {
		t.Errorf("Confidence = %v, want 1", d.Confidence)
	}
	if len(d.Tags) != 5 || d.Tags[0] != "fatura_atrasada" {
		t.Errorf("Tags = %v", d.Tags)
	}
	if d.Source != SourceLLM {
		t.Errorf("Source = %s", d.Source)
	}
}

func TestTriageAcceptsTenantTeamAsCategory(t *testing.T) {
	repo := newTestRepo(t)
	seedTicket(t, repo, "t-1", "quero um plano novo", nil)
	ac := newContext(repo)
	ac.Company.Teams = append(ac.Company.Teams, domain.Team{ID: "vendas", IsSales: true})

	client := &fakeLLM{json: map[string]any{"priority": "p2", "category": "Vendas", "confidence": 0.8}}
	if _, err := NewTriage(testDeps(client)).Execute(context.Background(), "t-1", ac); err != nil {
		t.Fatal(err)
	}
	if ac.Triage.Category != "vendas" || ac.Triage.Priority != domain.PriorityP2 {
		t.Errorf("triage = %+v", ac.Triage)
	}
}

func TestAgentsFailOnMissingTicket(t *testing.T) {
	repo := newTestRepo(t)
	deps := testDeps(&fakeLLM{err: errLLMDown})
	agents := []Agent{NewTriage(deps), NewRouter(deps), NewResolver(deps), NewEscalator(deps)}

	for _, a := range agents {
		t.Run(a.Name(), func(t *testing.T) {
			res, err := a.Execute(context.Background(), "missing", newContext(repo))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Success {
				t.Error("expected success=false")
			}
		})
	}

	audit, _ := repo.ListAudit(context.Background(), "missing")
	if len(audit) != 0 {
		t.Errorf("missing ticket produced audit entries: %+v", audit)
	}
}

func TestSaveStateRetriesOnceOnConflict(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tk := seedTicket(t, repo, "t-1", "oi", nil)

	// Another writer moved the version forward.
	if _, err := repo.BumpLockVersion(ctx, "t-1", 0); err != nil {
		t.Fatal(err)
	}

	if err := saveState(ctx, repo, tk, NameTriage, map[string]any{"ok": true}, testNow); err != nil {
		t.Fatalf("saveState failed: %v", err)
	}
	if tk.LockVersion != 2 {
		t.Errorf("LockVersion = %d, want 2", tk.LockVersion)
	}
	state, _ := repo.GetAgentState(ctx, "t-1", NameTriage)
	if state == nil || state.LockVersion != 2 {
		t.Errorf("state = %+v", state)
	}
}
