package deadletter

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"

	"targetoic/internal/buffer"
	"targetoic/internal/metrics"
)

// FileSink appends dead-lettered batches as JSON lines. Safe for concurrent
// use by multiple delivery workers.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

// NewFileSink opens (or creates) the file at path in append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, w: bufio.NewWriter(f), path: path}, nil
}

// Write appends one batch as a JSON line and flushes immediately: every
// dead-lettered batch must survive a crash right after it is reported.
func (s *FileSink) Write(_ context.Context, batch *buffer.BatchEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := json.NewEncoder(s.w).Encode(batch); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	metrics.DeadLetteredBatches.WithLabelValues(batch.Stream).Inc()
	return nil
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
