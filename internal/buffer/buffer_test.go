package buffer

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func record(id string) map[string]interface{} {
	return map[string]interface{}{"id": id}
}

func TestShouldFlush_SizeTrigger(t *testing.T) {
	b := New("users", 5, time.Hour)

	for i := 0; i < 4; i++ {
		b.Add(record("r"))
		if b.ShouldFlush(time.Now()) {
			t.Fatalf("flush triggered at %d records, batch size is 5", i+1)
		}
	}

	b.Add(record("r"))
	if !b.ShouldFlush(time.Now()) {
		t.Error("expected flush at 5 records")
	}
}

func TestShouldFlush_AgeTrigger(t *testing.T) {
	b := New("users", 100, 50*time.Millisecond)

	b.Add(record("r"))
	if b.ShouldFlush(time.Now()) {
		t.Error("flush triggered before max batch age elapsed")
	}

	if !b.ShouldFlush(time.Now().Add(60 * time.Millisecond)) {
		t.Error("expected flush after max batch age elapsed")
	}
}

func TestShouldFlush_EmptyBufferNeverFlushesOnAge(t *testing.T) {
	b := New("users", 100, time.Nanosecond)
	if b.ShouldFlush(time.Now().Add(time.Hour)) {
		t.Error("empty buffer should never flush")
	}
}

func TestDrain_CapturesAndResets(t *testing.T) {
	b := New("users", 10, time.Hour)
	b.Add(record("a"))
	b.Add(record("b"))

	batch := b.Drain()
	if batch == nil {
		t.Fatal("expected a batch")
	}
	if batch.Stream != "users" {
		t.Errorf("expected stream users, got %s", batch.Stream)
	}
	if batch.Len() != 2 {
		t.Errorf("expected 2 records, got %d", batch.Len())
	}
	if batch.BatchID == "" {
		t.Error("expected a batch id")
	}
	if batch.Records[0]["id"] != "a" || batch.Records[1]["id"] != "b" {
		t.Error("expected records in insertion order")
	}

	if b.Len() != 0 {
		t.Errorf("expected buffer empty after drain, got %d", b.Len())
	}
	if b.Drain() != nil {
		t.Error("expected nil batch from empty buffer")
	}
}

func TestDrain_SequencesIncrease(t *testing.T) {
	b := New("users", 10, time.Hour)

	b.Add(record("a"))
	first := b.Drain()
	b.Add(record("b"))
	second := b.Drain()

	if first.Sequence != 0 || second.Sequence != 1 {
		t.Errorf("expected sequences 0 and 1, got %d and %d", first.Sequence, second.Sequence)
	}
	if first.BatchID == second.BatchID {
		t.Error("expected distinct batch ids")
	}
}

func TestConcurrentAddAndDrain_NoLossNoDuplicates(t *testing.T) {
	b := New("users", 1000000, time.Hour)

	const writers = 4
	const perWriter = 500

	var wg sync.WaitGroup
	seen := make(map[string]int)
	var seenMu sync.Mutex

	collect := func(batch *BatchEnvelope) {
		if batch == nil {
			return
		}
		seenMu.Lock()
		for _, r := range batch.Records {
			seen[r["id"].(string)]++
		}
		seenMu.Unlock()
	}

	// Drainer races the writers.
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				collect(b.Drain())
			}
		}
	}()

	var writerWg sync.WaitGroup
	for w := 0; w < writers; w++ {
		writerWg.Add(1)
		go func(w int) {
			defer writerWg.Done()
			for i := 0; i < perWriter; i++ {
				b.Add(record(fmt.Sprintf("%d-%d", w, i)))
			}
		}(w)
	}
	writerWg.Wait()
	close(stop)
	wg.Wait()

	// Final drain picks up whatever the racing drainer missed.
	collect(b.Drain())

	if len(seen) != writers*perWriter {
		t.Fatalf("expected %d distinct records, got %d", writers*perWriter, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("record %s seen %d times", id, n)
		}
	}
}
