package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/llm"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaNotifier_Publishes(t *testing.T) {
	w := &fakeWriter{}
	n := newKafkaNotifier(w, "escalations", nil)
	notice := EscalationNotice{
		TicketID:    "t1",
		CompanyID:   "acme",
		Channel:     "telegram",
		Priority:    "P1",
		Reasons:     []string{"negative sentiment -0.80 (floor -0.60)"},
		Summary:     "Cliente irritado com cobrança.",
		EscalatedAt: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	if err := n.NotifyEscalation(context.Background(), notice); err != nil {
		t.Fatalf("NotifyEscalation: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "t1" {
		t.Errorf("key = %q", msg.Key)
	}
	if len(msg.Headers) != 1 || msg.Headers[0].Key != "company_id" || string(msg.Headers[0].Value) != "acme" {
		t.Errorf("headers = %+v", msg.Headers)
	}
	var decoded EscalationNotice
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Summary != notice.Summary || decoded.Reasons[0] != notice.Reasons[0] {
		t.Errorf("decoded = %+v", decoded)
	}

	if err := n.Close(); err != nil || !w.closed {
		t.Errorf("Close: %v closed=%v", err, w.closed)
	}
}

func TestKafkaNotifier_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	n := newKafkaNotifier(&fakeWriter{err: boom}, "escalations", nil)
	if err := n.NotifyEscalation(context.Background(), EscalationNotice{TicketID: "t1"}); !errors.Is(err, boom) {
		t.Errorf("expected wrapped broker error, got %v", err)
	}
}

type fakeChat struct {
	text string
	err  error
	req  llm.ChatRequest
}

func (f *fakeChat) ChatCompletion(_ context.Context, req llm.ChatRequest) (string, error) {
	f.req = req
	return f.text, f.err
}

func (f *fakeChat) JSONCompletion(context.Context, llm.ChatRequest) (map[string]any, error) {
	return nil, llm.ErrUnavailable
}

func summaryFixture() (*domain.Ticket, []domain.Interaction) {
	tk := &domain.Ticket{ID: "t1", Priority: domain.PriorityP1, Category: "billing", Description: "cobrança errada"}
	its := []domain.Interaction{
		{Type: domain.InteractionCustomerMessage, Author: domain.AuthorCustomer, Content: "fui cobrado duas vezes"},
		{Type: domain.InteractionSystemUpdate, Author: domain.AuthorSystem, Content: "triage"},
		{Type: domain.InteractionAgentResponse, Author: domain.AuthorBot, Content: "vamos verificar"},
	}
	return tk, its
}

func TestSummarize_UsesLLM(t *testing.T) {
	tk, its := summaryFixture()
	client := &fakeChat{text: "  Cliente cobrado em duplicidade.  "}
	got := Summarize(context.Background(), client, tk, its, []string{"P1"}, nil)
	if got != "Cliente cobrado em duplicidade." {
		t.Errorf("summary = %q", got)
	}
	if strings.Contains(client.req.UserMessage, "triage") {
		t.Error("system updates should not be sent to the LLM")
	}
	if !strings.Contains(client.req.UserMessage, "fui cobrado duas vezes") {
		t.Error("transcript missing customer message")
	}
}

func TestSummarize_Fallback(t *testing.T) {
	tk, its := summaryFixture()
	for _, client := range []llm.Client{nil, &fakeChat{err: llm.ErrUnavailable}, &fakeChat{text: "   "}} {
		got := Summarize(context.Background(), client, tk, its, []string{"negative sentiment"}, nil)
		if !strings.Contains(got, "Ticket t1 (P1, billing) escalado: negative sentiment.") {
			t.Errorf("fallback summary = %q", got)
		}
		if !strings.Contains(got, "fui cobrado duas vezes") {
			t.Errorf("fallback summary missing last customer message: %q", got)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("ação", 10); got != "ação" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("ação", 2); got != "aç…" {
		t.Errorf("truncate long = %q", got)
	}
}
