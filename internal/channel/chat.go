package channel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ErrNotConnected is returned when the chat recipient has no open connection.
var ErrNotConnected = errors.New("chat recipient not connected")

var chatUserIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@+-]{1,128}$`)

// Frame types exchanged with chat clients.
const (
	FrameMessage = "message"
	FrameReply   = "reply"
	FrameError   = "error"
)

// Frame is one JSON message on the chat socket.
type Frame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Inbound is a customer message received on the chat socket.
type Inbound struct {
	UserID    string
	CompanyID string
	MessageID string
	Text      string
}

// InboundHandler processes one inbound chat message. Replies flow back
// through ChatHub.SendMessage.
type InboundHandler func(ctx context.Context, msg Inbound) error

// ChatHub manages live-chat WebSocket connections and implements Sender for
// the chat channel.
type ChatHub struct {
	mu             sync.RWMutex
	active         map[string]map[*websocket.Conn]struct{}
	handler        InboundHandler
	allowedOrigins []string
	logger         *slog.Logger
}

// NewChatHub creates a hub. An empty or "*" origin list accepts every origin.
func NewChatHub(allowedOrigins []string, logger *slog.Logger) *ChatHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHub{
		active:         make(map[string]map[*websocket.Conn]struct{}),
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

// SetHandler sets the function that receives inbound messages.
func (h *ChatHub) SetHandler(fn InboundHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

// Register adds a connection for a user.
func (h *ChatHub) Register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[userID]; !ok {
		h.active[userID] = make(map[*websocket.Conn]struct{})
	}
	h.active[userID][conn] = struct{}{}
	h.logger.Info("Chat session registered", "user_id", userID)
}

// Unregister removes a connection for a user.
func (h *ChatHub) Unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.active[userID]
	if !ok {
		return
	}
	if _, exists := conns[conn]; !exists {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.active, userID)
	}
	h.logger.Info("Chat session unregistered", "user_id", userID)
}

// Connected reports whether a user has at least one open connection.
func (h *ChatHub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID]) > 0
}

func (h *ChatHub) connections(userID string) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(h.active[userID]))
	for c := range h.active[userID] {
		conns = append(conns, c)
	}
	return conns
}

// SendMessage pushes a reply frame to every open connection of recipient.
func (h *ChatHub) SendMessage(ctx context.Context, recipient, text string) error {
	conns := h.connections(recipient)
	if len(conns) == 0 {
		return ErrNotConnected
	}
	var delivered int
	var lastErr error
	for _, c := range conns {
		if err := wsjson.Write(ctx, c, Frame{Type: FrameReply, Content: text}); err != nil {
			h.logger.Debug("Chat write error", "error", err, "user_id", recipient)
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return lastErr
	}
	return nil
}

// ServeHTTP upgrades the request and serves one chat session.
// The customer is identified by the user_id query parameter and the tenant
// by company_id.
func (h *ChatHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	companyID := r.URL.Query().Get("company_id")
	if !chatUserIDPattern.MatchString(userID) {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.Register(userID, ws)
	defer h.Unregister(userID, ws)

	h.readLoop(r.Context(), ws, userID, companyID)
	h.logger.Info("Chat session ended", "user_id", userID)
}

func (h *ChatHub) readLoop(ctx context.Context, ws *websocket.Conn, userID, companyID string) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}
		if frame.Type != FrameMessage || strings.TrimSpace(frame.Content) == "" {
			h.writeError(ctx, ws, "unsupported_frame")
			continue
		}

		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		if handler == nil {
			h.writeError(ctx, ws, "unavailable")
			continue
		}
		err := handler(ctx, Inbound{
			UserID:    userID,
			CompanyID: companyID,
			MessageID: frame.MessageID,
			Text:      frame.Content,
		})
		if err != nil {
			h.logger.Error("Chat message handling failed", "error", err, "user_id", userID)
			h.writeError(ctx, ws, "processing_failed")
		}
	}
}

func (h *ChatHub) writeError(ctx context.Context, ws *websocket.Conn, code string) {
	if err := wsjson.Write(ctx, ws, Frame{Type: FrameError, Content: code}); err != nil {
		h.logger.Debug("Failed to send chat error", "error", err, "code", code)
	}
}

func (h *ChatHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}
