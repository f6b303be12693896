// Package notify publishes escalation notices for the human support team.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// EscalationNotice is published when a ticket is handed over to a human.
type EscalationNotice struct {
	TicketID        string    `json:"ticket_id"`
	CompanyID       string    `json:"company_id"`
	Channel         string    `json:"channel"`
	CustomerID      string    `json:"customer_id"`
	Priority        string    `json:"priority"`
	Category        string    `json:"category"`
	Reasons         []string  `json:"reasons"`
	Summary         string    `json:"summary"`
	EscalationEmail string    `json:"escalation_email,omitempty"`
	EscalatedAt     time.Time `json:"escalated_at"`
}

// Notifier delivers escalation notices.
type Notifier interface {
	NotifyEscalation(ctx context.Context, notice EscalationNotice) error
}

// Noop discards notices.
type Noop struct{}

// NotifyEscalation does nothing.
func (Noop) NotifyEscalation(context.Context, EscalationNotice) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notices as JSON to a Kafka topic keyed by ticket id.
// The mailer consuming the topic owns email delivery.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewKafkaNotifier creates a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string, logger *slog.Logger) *KafkaNotifier {
	return newKafkaNotifier(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}, topic, logger)
}

func newKafkaNotifier(w messageWriter, topic string, logger *slog.Logger) *KafkaNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaNotifier{writer: w, topic: topic, logger: logger}
}

// NotifyEscalation publishes notice.
func (n *KafkaNotifier) NotifyEscalation(ctx context.Context, notice EscalationNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal escalation notice: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(notice.TicketID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "company_id", Value: []byte(notice.CompanyID)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish escalation notice: %w", err)
	}

	n.logger.Info("Escalation notice published", "ticket_id", notice.TicketID, "topic", n.topic)
	return nil
}

// Close closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
