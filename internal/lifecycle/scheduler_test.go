package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/store"
	"github.com/ashureev/triagedesk/internal/tenant"
)

var baseTime = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type sentMessage struct {
	channel   domain.Channel
	recipient string
	text      string
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeDispatcher) Send(_ context.Context, ch domain.Channel, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{ch, recipient, text})
	return nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "lifecycle.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestScheduler(t *testing.T, st store.Store, d *fakeDispatcher) *Scheduler {
	t.Helper()
	s := NewScheduler(st, tenant.Static{}, d, nil)
	s.now = func() time.Time { return baseTime }
	return s
}

func seedEscalated(t *testing.T, st store.Store, id string) *domain.Ticket {
	t.Helper()
	tk := &domain.Ticket{
		ID:             id,
		CompanyID:      "acme",
		CustomerID:     "telegram:u-" + id,
		ExternalUserID: "u-" + id,
		Channel:        domain.ChannelTelegram,
		Description:    "preciso de ajuda",
		Priority:       domain.PriorityP1,
		Category:       "billing",
		Status:         domain.StatusEscalated,
		CurrentPhase:   domain.PhaseEscalation,
		CreatedAt:      baseTime.Add(-time.Hour),
		UpdatedAt:      baseTime.Add(-time.Hour),
	}
	if err := st.CreateTicket(context.Background(), tk); err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}
	return tk
}

func TestScheduleForEscalatedTicket(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, &fakeDispatcher{})
	ctx := context.Background()
	tk := seedEscalated(t, st, "t1")
	cfg := domain.DefaultLifecycleConfig()

	events, err := s.ScheduleForEscalatedTicket(ctx, st, tk, cfg, baseTime)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	wantOffsets := map[domain.LifecycleEventType]time.Duration{
		domain.EventFollowup1: 24 * time.Hour,
		domain.EventFollowup2: 48 * time.Hour,
		domain.EventAutoClose: 72 * time.Hour,
	}
	for _, ev := range events {
		if got := ev.ScheduledAt.Sub(baseTime); got != wantOffsets[ev.EventType] {
			t.Errorf("%s scheduled %v after now, want %v", ev.EventType, got, wantOffsets[ev.EventType])
		}
	}

	stored, err := st.GetTicket(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.LifecycleStage != domain.StageScheduled {
		t.Errorf("stage = %q, want scheduled", stored.LifecycleStage)
	}

	// Rescheduling replaces the pending set.
	if _, err := s.ScheduleForEscalatedTicket(ctx, st, tk, cfg, baseTime.Add(time.Hour)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	all, err := st.ListLifecycleEvents(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	pending, cancelled := 0, 0
	for _, ev := range all {
		switch ev.Status {
		case domain.EventPending:
			pending++
		case domain.EventCancelled:
			cancelled++
		}
	}
	if pending != 3 || cancelled != 3 {
		t.Errorf("pending=%d cancelled=%d, want 3 and 3", pending, cancelled)
	}
}

func TestScheduleForEscalatedTicket_DisabledEvents(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, &fakeDispatcher{})
	tk := seedEscalated(t, st, "t1")

	cfg := domain.DefaultLifecycleConfig()
	cfg.Followup1Enabled = false
	cfg.Followup2Enabled = false
	events, err := s.ScheduleForEscalatedTicket(context.Background(), st, tk, cfg, baseTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != domain.EventAutoClose {
		t.Fatalf("expected only auto_close, got %+v", events)
	}

	cfg.AutoCloseEnabled = false
	events, err = s.ScheduleForEscalatedTicket(context.Background(), st, tk, cfg, baseTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestCancel(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, &fakeDispatcher{})
	ctx := context.Background()
	tk := seedEscalated(t, st, "t1")
	if _, err := s.ScheduleForEscalatedTicket(ctx, st, tk, domain.DefaultLifecycleConfig(), baseTime); err != nil {
		t.Fatal(err)
	}
	n, err := s.Cancel(ctx, st, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("cancelled %d events, want 3", n)
	}
}

func TestProcessDueEvents_FollowupsAndAutoClose(t *testing.T) {
	st := newTestStore(t)
	d := &fakeDispatcher{}
	s := newTestScheduler(t, st, d)
	ctx := context.Background()
	tk := seedEscalated(t, st, "t1")
	cfg := domain.DefaultLifecycleConfig()
	if _, err := s.ScheduleForEscalatedTicket(ctx, st, tk, cfg, baseTime); err != nil {
		t.Fatal(err)
	}

	// Nothing is due yet.
	n, err := s.ProcessDueEvents(ctx, 10)
	if err != nil || n != 0 {
		t.Fatalf("ProcessDueEvents = %d, %v; want 0, nil", n, err)
	}

	s.now = func() time.Time { return baseTime.Add(25 * time.Hour) }
	n, err = s.ProcessDueEvents(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("ProcessDueEvents = %d, %v; want 1, nil", n, err)
	}
	got, _ := st.GetTicket(ctx, "t1")
	if got.LifecycleStage != domain.StageFollowup1Sent || got.Status != domain.StatusEscalated {
		t.Errorf("after followup_1: stage=%q status=%q", got.LifecycleStage, got.Status)
	}
	if got.LastAgentMessageAt != nil {
		t.Error("follow-up must not count as agent activity")
	}

	s.now = func() time.Time { return baseTime.Add(73 * time.Hour) }
	n, err = s.ProcessDueEvents(ctx, 10)
	if err != nil || n != 2 {
		t.Fatalf("ProcessDueEvents = %d, %v; want 2, nil", n, err)
	}
	got, _ = st.GetTicket(ctx, "t1")
	if got.Status != domain.StatusAutoResolved || got.LifecycleStage != domain.StageAutoClosed {
		t.Errorf("after auto_close: status=%q stage=%q", got.Status, got.LifecycleStage)
	}
	if got.AutoClosedAt == nil || !got.AutoClosedAt.Equal(baseTime.Add(73*time.Hour)) {
		t.Errorf("AutoClosedAt = %v", got.AutoClosedAt)
	}

	wantTexts := []string{cfg.Followup1Template, cfg.Followup2Template, cfg.AutoCloseTemplate}
	if len(d.sent) != len(wantTexts) {
		t.Fatalf("sent %d messages, want %d", len(d.sent), len(wantTexts))
	}
	for i, want := range wantTexts {
		if d.sent[i].text != want || d.sent[i].recipient != "u-t1" || d.sent[i].channel != domain.ChannelTelegram {
			t.Errorf("message %d = %+v", i, d.sent[i])
		}
	}

	interactions, err := st.ListInteractions(ctx, "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(interactions) != 3 {
		t.Fatalf("expected 3 lifecycle interactions, got %d", len(interactions))
	}
	for _, it := range interactions {
		if it.Author != domain.AuthorLifecycle {
			t.Errorf("author = %q", it.Author)
		}
	}

	audit, err := st.ListAudit(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(audit) != 1 || audit[0].Operation != domain.OpUpdateStatus || audit[0].After["status"] != string(domain.StatusAutoResolved) {
		t.Errorf("unexpected audit %+v", audit)
	}
}

func TestProcessDueEvents_SkipsTicketsNoLongerEscalated(t *testing.T) {
	st := newTestStore(t)
	d := &fakeDispatcher{}
	s := newTestScheduler(t, st, d)
	ctx := context.Background()
	tk := seedEscalated(t, st, "t1")
	if _, err := s.ScheduleForEscalatedTicket(ctx, st, tk, domain.DefaultLifecycleConfig(), baseTime); err != nil {
		t.Fatal(err)
	}

	tk.Status = domain.StatusResolved
	if err := st.UpdateTicket(ctx, tk); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return baseTime.Add(100 * time.Hour) }
	n, err := s.ProcessDueEvents(ctx, 10)
	if err != nil || n != 3 {
		t.Fatalf("ProcessDueEvents = %d, %v; want 3, nil", n, err)
	}
	if len(d.sent) != 0 {
		t.Errorf("stale events sent %d messages", len(d.sent))
	}
	got, _ := st.GetTicket(ctx, "t1")
	if got.Status != domain.StatusResolved {
		t.Errorf("status changed to %q", got.Status)
	}
}

func TestProcessDueEvents_RespectsLimit(t *testing.T) {
	st := newTestStore(t)
	s := newTestScheduler(t, st, &fakeDispatcher{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		tk := seedEscalated(t, st, id)
		cfg := domain.DefaultLifecycleConfig()
		cfg.Followup2Enabled = false
		cfg.AutoCloseEnabled = false
		if _, err := s.ScheduleForEscalatedTicket(ctx, st, tk, cfg, baseTime); err != nil {
			t.Fatal(err)
		}
	}

	s.now = func() time.Time { return baseTime.Add(30 * time.Hour) }
	n, err := s.ProcessDueEvents(ctx, 2)
	if err != nil || n != 2 {
		t.Fatalf("first batch = %d, %v; want 2, nil", n, err)
	}
	n, err = s.ProcessDueEvents(ctx, 2)
	if err != nil || n != 1 {
		t.Fatalf("second batch = %d, %v; want 1, nil", n, err)
	}
}

func TestStart_ProcessesUntilCancelled(t *testing.T) {
	st := newTestStore(t)
	d := &fakeDispatcher{}
	s := newTestScheduler(t, st, d)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tk := seedEscalated(t, st, "t1")
	cfg := domain.DefaultLifecycleConfig()
	cfg.Followup2Enabled = false
	cfg.AutoCloseEnabled = false
	if _, err := s.ScheduleForEscalatedTicket(ctx, st, tk, cfg, baseTime.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	done := s.Start(ctx, 10*time.Millisecond, 5)
	deadline := time.Now().Add(5 * time.Second)
	for {
		d.mu.Lock()
		sent := len(d.sent)
		d.mu.Unlock()
		if sent == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker did not process the due follow-up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
