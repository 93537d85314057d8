package service

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// eventPublisher is the slice of the Kafka writer the reconciler needs.
type eventPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// KafkaEventPublisher emits committed state transitions to the
// payment.state.changed topic, keyed by checkout request id.
type KafkaEventPublisher struct {
	writer *kafka.Writer
}

func NewKafkaEventPublisher(brokers string) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers),
			Topic:    "payment.state.changed",
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, key string, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}
