package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/l4z41/ibkr-connector/internal/model"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ Sink = (*KafkaPublisher)(nil)

// KafkaPublisher publishes one message per emission, keyed by symbol so a
// symbol's emissions stay ordered within a partition.
type KafkaPublisher struct {
	w messageWriter
}

// NewKafkaPublisher creates a publisher for cfg.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("journal.kafka.brokers is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("journal.kafka.topic is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}, nil
}

// Write publishes the emission.
func (p *KafkaPublisher) Write(ctx context.Context, em model.Emission) error {
	r, err := NewRecord(em)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(r.Symbol),
		Value: r.Payload,
		Time:  r.EmittedAt,
		Headers: []kafka.Header{
			{Key: "trigger_id", Value: []byte(r.TriggerID)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
