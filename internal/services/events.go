package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

const (
	EventPaymentSuccess = "payment.success"
	EventPaymentFailed  = "payment.failed"
	EventPaymentExpired = "payment.expired"
	EventRefundSuccess  = "refund.success"
)

// PaymentEvent is published after a status transition this process won
type PaymentEvent struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"order_id"`
	Status     string    `json:"status"`
	Amount     string    `json:"amount,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	RefundID   string    `json:"refund_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event PaymentEvent) error
}

// NopPublisher drops events; used when no brokers are configured
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, PaymentEvent) error { return nil }

// KafkaPublisher writes events keyed by order id so one order's events stay ordered on a partition
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// NewKafkaProducer builds a sync producer that waits for all in-sync replicas
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Version = sarama.V2_1_0_0
	return sarama.NewSyncProducer(brokers, config)
}

func (p *KafkaPublisher) Publish(ctx context.Context, event PaymentEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
