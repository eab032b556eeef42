package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestEmit_WritesOneJSONLine(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf)

	state := map[string]interface{}{
		"bookmarks": map[string]interface{}{
			"users": map[string]interface{}{"updated_at": "2024-03-01T10:30:00Z"},
		},
	}
	if err := e.Emit(state); err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}

	line := buf.String()
	if line[len(line)-1] != '\n' {
		t.Error("expected newline-terminated output")
	}

	var got map[string]interface{}
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if !reflect.DeepEqual(got, state) {
		t.Errorf("round trip mismatch: got %v", got)
	}
}

func TestEmit_ConcurrentWritersProduceWholeLines(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	e := NewEmitter(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := e.Emit(map[string]interface{}{"seq": fmt.Sprintf("%d", i)}); err != nil {
				t.Errorf("Emit returned error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		var got map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
			t.Fatalf("interleaved write produced invalid JSON: %v", err)
		}
		lines++
	}
	if lines != 20 {
		t.Errorf("expected 20 lines, got %d", lines)
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
