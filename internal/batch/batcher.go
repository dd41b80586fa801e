// Package batch coalesces bursts of individually arriving events into
// debounced deliveries.
package batch

import (
	"slices"
	"sync"
	"time"
)

// DefaultDelay is the quiet period after the last Push before a flush.
const DefaultDelay = 100 * time.Millisecond

// Batcher collects pushed events and, once no event has arrived for the
// debounce delay, hands the consumer the full list of events delivered so far,
// newest first. It never drops an event: pending events only leave the buffer
// through a flush.
//
// The consumer callback runs on a timer goroutine, one call at a time. It must
// not call Reset or Stop on the same Batcher.
type Batcher[T any] struct {
	delay   time.Duration
	onBatch func([]T)

	// deliverMu serialises consumer calls and is always taken before mu.
	deliverMu sync.Mutex

	mu        sync.Mutex
	pending   []T // arrival order
	delivered []T // newest first
	timer     *time.Timer
	token     uint64
	stopped   bool
}

// New creates a Batcher. A non-positive delay means DefaultDelay.
func New[T any](delay time.Duration, onBatch func([]T)) *Batcher[T] {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Batcher[T]{delay: delay, onBatch: onBatch}
}

// Push records an event and re-arms the debounce timer. A push that lands
// before the timer fires replaces the scheduled flush instead of adding one.
func (b *Batcher[T]) Push(ev T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.pending = append(b.pending, ev)
	b.scheduleLocked()
}

// scheduleLocked cancels any scheduled flush and schedules a new one under a
// fresh token. Caller must hold b.mu.
func (b *Batcher[T]) scheduleLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.token++
	token := b.token
	b.timer = time.AfterFunc(b.delay, func() { b.flush(token) })
}

// flush delivers pending events if token still identifies the most recent
// schedule. A timer that fired concurrently with a later Push, Reset or Stop
// carries a stale token and does nothing.
func (b *Batcher[T]) flush(token uint64) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	if b.stopped || token != b.token || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	next := make([]T, 0, len(b.pending)+len(b.delivered))
	for i := len(b.pending) - 1; i >= 0; i-- {
		next = append(next, b.pending[i])
	}
	next = append(next, b.delivered...)
	b.pending = nil
	b.delivered = next
	b.timer = nil
	b.mu.Unlock()

	b.onBatch(slices.Clone(next))
}

// Flush delivers pending events now instead of waiting for the debounce
// timer. It does nothing when no events are pending.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.token++
	token := b.token
	b.mu.Unlock()

	b.flush(token)
}

// Reset empties both the pending buffer and the delivered list, invalidating
// any scheduled flush. If the consumer had been shown events it is handed the
// empty list before any later flush.
func (b *Batcher[T]) Reset() {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.token++
	notify := len(b.delivered) > 0
	b.pending = nil
	b.delivered = nil
	b.mu.Unlock()

	if notify {
		b.onBatch([]T{})
	}
}

// Stop cancels any scheduled flush. Once Stop returns the consumer callback
// is not invoked again.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.token++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	// Wait out a delivery that was already running.
	b.deliverMu.Lock()
	b.deliverMu.Unlock()
}

// Events returns a copy of the list last handed to the consumer.
func (b *Batcher[T]) Events() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.delivered)
}

// Pending returns the number of events waiting for the next flush.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
