package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) SendMessage(_ context.Context, recipient, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, recipient+":"+text)
	return nil
}

func TestRegistry_Send(t *testing.T) {
	reg := NewRegistry()
	tg := &recordingSender{}
	reg.Register(domain.ChannelTelegram, tg)

	if err := reg.Send(context.Background(), domain.ChannelTelegram, "u1", "oi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(tg.sent) != 1 || tg.sent[0] != "u1:oi" {
		t.Errorf("sent = %v", tg.sent)
	}

	err := reg.Send(context.Background(), domain.ChannelWhatsApp, "u1", "oi")
	if !errors.Is(err, ErrNoAdapter) {
		t.Errorf("expected ErrNoAdapter, got %v", err)
	}
}

func TestRegistry_SendWrapsSenderError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	reg.Register(domain.ChannelEmail, &recordingSender{err: boom})

	err := reg.Send(context.Background(), domain.ChannelEmail, "u1", "oi")
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped sender error, got %v", err)
	}
}

func TestLogSender(t *testing.T) {
	if err := (LogSender{Channel: domain.ChannelPhone}).SendMessage(context.Background(), "u1", "oi"); err != nil {
		t.Errorf("LogSender returned %v", err)
	}
}

func dialChat(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?" + query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestChatHub_RoundTrip(t *testing.T) {
	hub := NewChatHub(nil, nil)
	got := make(chan Inbound, 1)
	hub.SetHandler(func(ctx context.Context, msg Inbound) error {
		got <- msg
		return hub.SendMessage(ctx, msg.UserID, "resposta")
	})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialChat(t, srv, "user_id=cust-1&company_id=acme")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, conn, Frame{Type: FrameMessage, Content: "olá", MessageID: "m1"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-got:
		if msg.UserID != "cust-1" || msg.CompanyID != "acme" || msg.MessageID != "m1" || msg.Text != "olá" {
			t.Errorf("unexpected inbound %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("handler not called")
	}

	var reply Frame
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Type != FrameReply || reply.Content != "resposta" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestChatHub_HandlerErrorAndBadFrame(t *testing.T) {
	hub := NewChatHub([]string{"*"}, nil)
	hub.SetHandler(func(context.Context, Inbound) error { return errors.New("boom") })
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialChat(t, srv, "user_id=cust-2")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cases := []struct {
		frame Frame
		want  string
	}{
		{Frame{Type: "resize"}, "unsupported_frame"},
		{Frame{Type: FrameMessage, Content: "   "}, "unsupported_frame"},
		{Frame{Type: FrameMessage, Content: "oi"}, "processing_failed"},
	}
	for _, tc := range cases {
		if err := wsjson.Write(ctx, conn, tc.frame); err != nil {
			t.Fatalf("write: %v", err)
		}
		var resp Frame
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			t.Fatalf("read: %v", err)
		}
		if resp.Type != FrameError || resp.Content != tc.want {
			t.Errorf("frame %+v: got %+v, want error %q", tc.frame, resp, tc.want)
		}
	}
}

func TestChatHub_RejectsInvalidUser(t *testing.T) {
	hub := NewChatHub(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?user_id=bad%20id", nil)
	hub.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatHub_RejectsOrigin(t *testing.T) {
	hub := NewChatHub([]string{"https://app.example.com"}, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?user_id=cust-1", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	hub.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestChatHub_SendMessageNotConnected(t *testing.T) {
	hub := NewChatHub(nil, nil)
	if err := hub.SendMessage(context.Background(), "nobody", "oi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if hub.Connected("nobody") {
		t.Error("Connected reported true for unknown user")
	}
}

func TestChatHub_RegisterUnregister(t *testing.T) {
	hub := NewChatHub(nil, nil)
	c1 := &websocket.Conn{}
	c2 := &websocket.Conn{}
	hub.Register("u", c1)
	hub.Register("u", c2)
	hub.Unregister("u", c1)
	if !hub.Connected("u") {
		t.Fatal("second connection should remain")
	}
	hub.Unregister("u", c1)
	hub.Unregister("u", c2)
	if hub.Connected("u") {
		t.Error("user should be disconnected")
	}
}
