package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/llm"
	"github.com/ashureev/triagedesk/internal/store"
)

var errLLMDown = errors.New("llm down")

type fakeLLM struct {
	json  map[string]any
	text  string
	err   error
	calls int
}

func (f *fakeLLM) ChatCompletion(context.Context, llm.ChatRequest) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeLLM) JSONCompletion(context.Context, llm.ChatRequest) (map[string]any, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.json, nil
}

type fakeSearcher struct {
	snippets []string
	queries  []string
}

func (f *fakeSearcher) Search(_ context.Context, query, _, _ string) []string {
	f.queries = append(f.queries, query)
	return f.snippets
}

var testNow = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedTicket stores an open ticket with a single customer message.
func seedTicket(t *testing.T, repo store.Repository, id, text string, mutate func(*domain.Ticket)) *domain.Ticket {
	t.Helper()
	ctx := context.Background()
	created := testNow.Add(-time.Hour)
	tk := &domain.Ticket{
		ID:                id,
		CompanyID:         "acme",
		CustomerID:        "telegram:u-" + id,
		ExternalUserID:    "u-" + id,
		Channel:           domain.ChannelTelegram,
		Description:       text,
		Priority:          domain.PriorityP3,
		Category:          "general",
		Status:            domain.StatusOpen,
		CurrentPhase:      domain.PhaseTriage,
		InteractionsCount: 1,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
	if mutate != nil {
		mutate(tk)
	}
	if err := repo.CreateTicket(ctx, tk); err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}
	if err := repo.AppendInteraction(ctx, &domain.Interaction{
		TicketID:  id,
		Type:      domain.InteractionCustomerMessage,
		Author:    domain.AuthorCustomer,
		Content:   text,
		Channel:   tk.Channel,
		CreatedAt: created,
	}); err != nil {
		t.Fatalf("AppendInteraction failed: %v", err)
	}
	return tk
}

func testDeps(client llm.Client) Deps {
	return Deps{LLM: client, Now: func() time.Time { return testNow }}
}

func newContext(repo store.Repository) *Context {
	company := domain.DefaultCompanyConfig("acme")
	company.ApplyDefaults()
	return &Context{Repo: repo, Company: company}
}
