// Package channel delivers outbound messages to the transport a ticket
// arrived on.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/triagedesk/internal/domain"
)

// ErrNoAdapter is returned when no sender is registered for a channel.
var ErrNoAdapter = errors.New("no adapter registered for channel")

// Sender delivers a text message to one recipient on a single transport.
type Sender interface {
	SendMessage(ctx context.Context, recipient, text string) error
}

// Dispatcher routes a message to the sender of the given channel.
type Dispatcher interface {
	Send(ctx context.Context, ch domain.Channel, recipient, text string) error
}

// Registry maps channels to their senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[domain.Channel]Sender
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[domain.Channel]Sender)}
}

// Register installs the sender for a channel, replacing any previous one.
func (r *Registry) Register(ch domain.Channel, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[ch] = s
}

// Send delivers text through the sender registered for ch.
func (r *Registry) Send(ctx context.Context, ch domain.Channel, recipient, text string) error {
	r.mu.RLock()
	s, ok := r.senders[ch]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAdapter, ch)
	}
	if err := s.SendMessage(ctx, recipient, text); err != nil {
		return fmt.Errorf("send via %s: %w", ch, err)
	}
	return nil
}

// LogSender records outbound messages in the log instead of delivering them.
// It stands in for transports whose adapters run outside this process.
type LogSender struct {
	Channel domain.Channel
	Logger  *slog.Logger
}

// SendMessage logs the message length and recipient.
func (s LogSender) SendMessage(_ context.Context, recipient, text string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Outbound message", "channel", s.Channel, "recipient", recipient, "length", len(text))
	return nil
}
