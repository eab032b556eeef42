// Package buffer accumulates transformed records per stream and decides
// when a batch is due for delivery.
package buffer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// BatchEnvelope is the unit submitted to OIC: an ordered slice of records
// for one stream plus a stable identifier the receiving endpoint can use
// for deduplication across retries.
type BatchEnvelope struct {
	Stream    string                   `json:"stream"`
	BatchID   string                   `json:"batch_id"`
	Sequence  uint64                   `json:"sequence"`
	CreatedAt time.Time                `json:"created_at"`
	Records   []map[string]interface{} `json:"records"`
}

// Len returns the number of records in the batch.
func (b *BatchEnvelope) Len() int { return len(b.Records) }

// StreamBuffer is the per-stream record accumulator. A single buffer may be
// written by the message loop and drained by the flush ticker or shutdown
// path, so all access is mutex-guarded: a record racing a drain lands in
// exactly one batch.
type StreamBuffer struct {
	mu sync.Mutex

	stream    string
	records   []map[string]interface{}
	lastFlush time.Time
	seq       uint64

	maxSize int
	maxAge  time.Duration
}

// New creates a buffer for one stream.
func New(stream string, maxSize int, maxAge time.Duration) *StreamBuffer {
	return &StreamBuffer{
		stream:    stream,
		records:   make([]map[string]interface{}, 0, maxSize),
		lastFlush: time.Now(),
		maxSize:   maxSize,
		maxAge:    maxAge,
	}
}

// Add appends a transformed record.
func (b *StreamBuffer) Add(record map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, record)
}

// Len returns the number of buffered records.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// ShouldFlush reports whether a flush is due: the buffer reached its size
// limit, or it is non-empty and older than the max batch age. The dual
// trigger bounds both memory growth and latency on quiet streams.
func (b *StreamBuffer) ShouldFlush(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) >= b.maxSize {
		return true
	}
	return len(b.records) > 0 && now.Sub(b.lastFlush) >= b.maxAge
}

// Drain atomically captures the buffered records into a BatchEnvelope and
// resets the buffer. Returns nil when there is nothing to flush. The buffer
// retains no reference to the drained records.
func (b *StreamBuffer) Drain() *BatchEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		b.lastFlush = time.Now()
		return nil
	}

	batch := &BatchEnvelope{
		Stream:    b.stream,
		BatchID:   uuid.New().String(),
		Sequence:  b.seq,
		CreatedAt: time.Now().UTC(),
		Records:   b.records,
	}
	b.seq++
	b.records = make([]map[string]interface{}, 0, b.maxSize)
	b.lastFlush = time.Now()
	return batch
}
