// Package deadletter records batches that exhausted their delivery retries.
// Dead-lettered batches are reported for operator reconciliation, never
// requeued: the OIC side offers no idempotency contract beyond the batch
// identifier, so automatic requeue risks duplicate delivery.
package deadletter

import (
	"context"
	"fmt"

	"targetoic/internal/buffer"
	"targetoic/internal/config"
	"targetoic/internal/metrics"
)

// Sink receives exhausted batches.
type Sink interface {
	Write(ctx context.Context, batch *buffer.BatchEnvelope) error
	Close() error
}

// FromSettings builds the configured sink. An empty dead_letter_sink yields
// a sink that only counts.
func FromSettings(s *config.Settings) (Sink, error) {
	switch s.DeadLetterSink {
	case "file":
		return NewFileSink(s.DeadLetterPath)
	case "kafka":
		return NewKafkaSink(s.DeadLetterBrokers, s.DeadLetterTopic)
	case "":
		return NopSink{}, nil
	default:
		return nil, fmt.Errorf("unknown dead letter sink %q", s.DeadLetterSink)
	}
}

// NopSink discards batches. The per-stream record counts are still reported
// by the orchestrator, so nothing fails silently.
type NopSink struct{}

func (NopSink) Write(_ context.Context, batch *buffer.BatchEnvelope) error {
	metrics.DeadLetteredBatches.WithLabelValues(batch.Stream).Inc()
	return nil
}

func (NopSink) Close() error { return nil }
