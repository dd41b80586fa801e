package batch

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// collector records every list handed to the consumer.
type collector struct {
	mu      sync.Mutex
	batches [][]string
	at      []time.Time
}

func (c *collector) onBatch(evs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, evs)
	c.at = append(c.at, time.Now())
}

func (c *collector) snapshot() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.batches...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBurstProducesOneBatchNewestFirst(t *testing.T) {
	c := &collector{}
	b := New(50*time.Millisecond, c.onBatch)
	defer b.Stop()

	b.Push("e1")
	b.Push("e2")
	b.Push("e3")

	waitFor(t, func() bool { return len(c.snapshot()) == 1 })
	time.Sleep(100 * time.Millisecond)

	batches := c.snapshot()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1: %v", len(batches), batches)
	}
	if got := fmt.Sprint(batches[0]); got != "[e3 e2 e1]" {
		t.Errorf("batch = %s, want [e3 e2 e1]", got)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending = %d after flush", b.Pending())
	}
}

func TestLaterBatchPrependsToPrevious(t *testing.T) {
	c := &collector{}
	b := New(20*time.Millisecond, c.onBatch)
	defer b.Stop()

	b.Push("e1")
	b.Push("e2")
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })

	b.Push("e3")
	b.Push("e4")
	waitFor(t, func() bool { return len(c.snapshot()) == 2 })

	if got := fmt.Sprint(c.snapshot()[1]); got != "[e4 e3 e2 e1]" {
		t.Errorf("second batch = %s, want [e4 e3 e2 e1]", got)
	}
	if got := fmt.Sprint(b.Events()); got != "[e4 e3 e2 e1]" {
		t.Errorf("Events = %s", got)
	}
}

func TestPushResetsTimer(t *testing.T) {
	c := &collector{}
	b := New(60*time.Millisecond, c.onBatch)
	defer b.Stop()

	start := time.Now()
	for i := 0; i < 5; i++ {
		b.Push(fmt.Sprintf("e%d", i))
		time.Sleep(30 * time.Millisecond)
	}
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })

	c.mu.Lock()
	elapsed := c.at[0].Sub(start)
	c.mu.Unlock()
	// Five pushes 30ms apart keep deferring the 60ms window.
	if elapsed < 150*time.Millisecond {
		t.Errorf("flush after %v, expected the window to keep resetting", elapsed)
	}
	if n := len(c.snapshot()[0]); n != 5 {
		t.Errorf("batch size = %d, want 5", n)
	}
}

func TestResetClearsDeliveredList(t *testing.T) {
	c := &collector{}
	b := New(20*time.Millisecond, c.onBatch)
	defer b.Stop()

	// Reset before anything was shown does not call the consumer.
	b.Reset()
	if len(c.snapshot()) != 0 {
		t.Fatalf("unexpected delivery on empty reset")
	}

	b.Push("old")
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })

	b.Reset()
	batches := c.snapshot()
	if len(batches) != 2 || len(batches[1]) != 0 {
		t.Fatalf("reset should deliver an empty list, got %v", batches)
	}

	b.Push("new")
	waitFor(t, func() bool { return len(c.snapshot()) == 3 })
	if got := fmt.Sprint(c.snapshot()[2]); got != "[new]" {
		t.Errorf("post-reset batch = %s, want [new]", got)
	}
}

func TestResetInvalidatesScheduledFlush(t *testing.T) {
	c := &collector{}
	b := New(30*time.Millisecond, c.onBatch)
	defer b.Stop()

	b.Push("dropped-by-reset")
	b.Reset()
	time.Sleep(80 * time.Millisecond)
	if n := len(c.snapshot()); n != 0 {
		t.Errorf("got %d deliveries after reset, want 0", n)
	}
}

func TestFlushDeliversImmediately(t *testing.T) {
	c := &collector{}
	b := New(time.Hour, c.onBatch)
	defer b.Stop()

	b.Flush()
	if len(c.snapshot()) != 0 {
		t.Fatal("Flush with nothing pending should not deliver")
	}
	b.Push("a")
	b.Push("b")
	b.Flush()
	batches := c.snapshot()
	if len(batches) != 1 || fmt.Sprint(batches[0]) != "[b a]" {
		t.Errorf("batches = %v, want [[b a]]", batches)
	}
}

func TestStopPreventsFurtherCallbacks(t *testing.T) {
	c := &collector{}
	b := New(20*time.Millisecond, c.onBatch)

	b.Push("e1")
	b.Stop()
	b.Push("e2")
	b.Reset()
	time.Sleep(60 * time.Millisecond)

	if n := len(c.snapshot()); n != 0 {
		t.Errorf("got %d deliveries after Stop, want 0", n)
	}
}

func TestConcurrentPushesAllDelivered(t *testing.T) {
	c := &collector{}
	b := New(20*time.Millisecond, c.onBatch)
	defer b.Stop()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				b.Push(fmt.Sprintf("w%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()

	waitFor(t, func() bool { return len(b.Events()) == 100 })
	seen := make(map[string]bool)
	for _, ev := range b.Events() {
		if seen[ev] {
			t.Fatalf("event %s delivered twice", ev)
		}
		seen[ev] = true
	}
}
