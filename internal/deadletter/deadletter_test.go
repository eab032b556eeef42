package deadletter

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"targetoic/internal/buffer"
	"targetoic/internal/config"
)

func testBatch(stream string, n int) *buffer.BatchEnvelope {
	b := buffer.New(stream, 100, time.Hour)
	for i := 0; i < n; i++ {
		b.Add(map[string]interface{}{"id": i})
	}
	return b.Drain()
}

func TestFileSink_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink returned error: %v", err)
	}

	first := testBatch("users", 2)
	second := testBatch("orders", 1)
	if err := sink.Write(context.Background(), first); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if err := sink.Write(context.Background(), second); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open dead letter file: %v", err)
	}
	defer f.Close()

	var got []buffer.BatchEnvelope
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var batch buffer.BatchEnvelope
		if err := json.Unmarshal(scanner.Bytes(), &batch); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		got = append(got, batch)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan dead letter file: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(got))
	}
	if got[0].BatchID != first.BatchID || got[0].Len() != 2 {
		t.Errorf("first line mismatch: %+v", got[0])
	}
	if got[1].Stream != "orders" {
		t.Errorf("expected second line for orders, got %s", got[1].Stream)
	}
}

func TestFileSink_AppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.jsonl")

	for i := 0; i < 2; i++ {
		sink, err := NewFileSink(path)
		if err != nil {
			t.Fatalf("NewFileSink returned error: %v", err)
		}
		if err := sink.Write(context.Background(), testBatch("users", 1)); err != nil {
			t.Fatalf("Write returned error: %v", err)
		}
		if err := sink.Close(); err != nil {
			t.Fatalf("Close returned error: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dead letter file: %v", err)
	}
	lines := 0
	for _, c := range data {
		if c == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 lines after reopen, got %d", lines)
	}
}

func TestFromSettings(t *testing.T) {
	s := config.Default()
	sink, err := FromSettings(s)
	if err != nil {
		t.Fatalf("FromSettings returned error: %v", err)
	}
	if _, ok := sink.(NopSink); !ok {
		t.Errorf("expected NopSink for empty sink setting, got %T", sink)
	}

	s.DeadLetterSink = "file"
	s.DeadLetterPath = filepath.Join(t.TempDir(), "dead.jsonl")
	sink, err = FromSettings(s)
	if err != nil {
		t.Fatalf("FromSettings returned error: %v", err)
	}
	if _, ok := sink.(*FileSink); !ok {
		t.Errorf("expected FileSink, got %T", sink)
	}
	sink.Close()

	s.DeadLetterSink = "carrier-pigeon"
	if _, err := FromSettings(s); err == nil {
		t.Error("expected error for unknown sink")
	}
}

func TestNopSink(t *testing.T) {
	var sink NopSink
	if err := sink.Write(context.Background(), testBatch("users", 1)); err != nil {
		t.Errorf("NopSink.Write returned error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("NopSink.Close returned error: %v", err)
	}
}
