package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"targetoic/internal/buffer"
	"targetoic/internal/metrics"
)

// ErrSinkClosed is returned when writing after Close.
var ErrSinkClosed = errors.New("dead letter sink is closed")

// KafkaSink publishes dead-lettered batches to a Kafka topic so a separate
// reconciliation consumer can inspect or replay them.
type KafkaSink struct {
	writer *kafka.Writer
	closed atomic.Bool
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // partition by stream for ordering
		RequiredAcks: kafka.RequireAll,
		Async:        false, // sync so a lost dead letter surfaces as an error
	}
	return &KafkaSink{writer: writer}, nil
}

// Write publishes one batch keyed by stream name.
func (s *KafkaSink) Write(ctx context.Context, batch *buffer.BatchEnvelope) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("serialize dead letter batch: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(batch.Stream),
		Value: data,
		Headers: []kafka.Header{
			{Key: "stream", Value: []byte(batch.Stream)},
			{Key: "batch_id", Value: []byte(batch.BatchID)},
		},
		Time: batch.CreatedAt,
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish dead letter batch: %w", err)
	}
	metrics.DeadLetteredBatches.WithLabelValues(batch.Stream).Inc()
	return nil
}

// Close closes the underlying writer.
func (s *KafkaSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.writer.Close()
}
