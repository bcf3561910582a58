// Package events publishes terminal delivery outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"mail-dispatch-go/internal/model"
)

// Event describes one queued email reaching a terminal state
type Event struct {
	EmailID           string       `json:"email_id"`
	BatchID           string       `json:"batch_id"`
	OwnerID           string       `json:"owner_id"`
	To                string       `json:"to"`
	Status            model.Status `json:"status"`
	Attempts          int          `json:"attempts"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	LastError         string       `json:"last_error,omitempty"`
	At                time.Time    `json:"at"`
}

// Publisher delivers outcome events
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop discards every event
type Noop struct{}

// Publish discards the event
func (Noop) Publish(ctx context.Context, event Event) error { return nil }

// Close is a no-op
func (Noop) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultPublishTimeout bounds one publish when no timeout is configured
const DefaultPublishTimeout = 5 * time.Second

// KafkaPublisher writes events to a Kafka topic keyed by batch id
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
// Each publish gives up after timeout so a broker outage cannot stall dispatch.
func NewKafkaPublisher(brokers []string, topic string, timeout time.Duration) *KafkaPublisher {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           timeout,
			MaxAttempts:            3,
			AllowAutoTopicCreation: true,
		},
		timeout: timeout,
	}
}

// Publish encodes the event as JSON and writes it
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode outcome event: %w", err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.BatchID),
		Value: payload,
		Time:  event.At,
	}); err != nil {
		return fmt.Errorf("failed to publish outcome event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
