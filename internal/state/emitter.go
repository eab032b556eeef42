// Package state handles bookmark emission to the downstream sink and an
// optional delivery audit trail for operator reconciliation.
package state

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"targetoic/internal/metrics"
)

// Emitter writes advanced bookmarks, one JSON object per line, to the
// output sink (stdout under Singer orchestration). The orchestrator only
// hands a bookmark to Emit once every delivery it depends on has succeeded.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEmitter creates an emitter writing to w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit writes one state object.
func (e *Emitter) Emit(state map[string]interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	metrics.StatesEmitted.Inc()
	return nil
}
