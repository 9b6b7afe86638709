package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards committed events to a Kafka topic, keyed by window id so
// the events of one window stay in order on one partition.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (s *KafkaSink) Publish(ctx context.Context, events []Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", e.Sequence, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.WindowID),
			Value: value,
			Time:  e.CreatedAt,
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write %d events to kafka: %w", len(msgs), err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
