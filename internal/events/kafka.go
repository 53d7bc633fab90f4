package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

var _ Sink = (*KafkaSink)(nil)

// KafkaConfig configures the Kafka usage sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSink publishes usage events keyed by instance id, so events of one
// instance stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker must be provided")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic must be provided")
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		AllowAutoTopicCreation: true,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
	}
	return newKafkaSink(writer), nil
}

func newKafkaSink(writer messageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Publish(ctx context.Context, ev UsageEvent) error {
	if s.writer == nil {
		return errors.New("sink is not initialized")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode usage event: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(ev.InstanceID),
		Value: payload,
		Time:  ev.Timestamp,
		Headers: []kafkago.Header{
			{Key: "feature", Value: []byte(ev.Feature)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
