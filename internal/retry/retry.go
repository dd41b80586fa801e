package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"
)

// DefaultInitialDelay is the wait after the first failed attempt.
const DefaultInitialDelay = 1 * time.Second

// ErrExhausted matches any *ExhaustedError.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy controls how Do schedules attempts. The zero value retries forever
// starting at DefaultInitialDelay.
type Policy struct {
	// InitialDelay is the delay between attempt 0 and attempt 1. Each
	// following delay doubles. Zero means DefaultInitialDelay.
	InitialDelay time.Duration

	// MaxAttempts bounds the number of calls to the attempt function.
	// Zero or negative means unbounded.
	MaxAttempts int

	// Name prefixes the failure log lines (usually the source name).
	Name string

	// Sleep waits for d or until ctx is done. Nil uses a timer. Tests
	// replace it to record delays without waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ExhaustedError is returned when a bounded policy ran out of attempts.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do stops and returns err
// unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Delay returns the wait before the given attempt index. Attempt 0 has no
// delay; attempt i waits initial * 2^(i-1), saturating at the largest
// representable duration.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.InitialDelay
	if d <= 0 {
		d = DefaultInitialDelay
	}
	shift := attempt - 1
	if shift >= 63 || d > time.Duration(math.MaxInt64>>uint(shift)) {
		return time.Duration(math.MaxInt64)
	}
	return d << uint(shift)
}

// Do calls fn with attempt indexes 0, 1, 2, ... until it succeeds, returns a
// Permanent error, ctx is done, or a bounded policy is exhausted. Do holds no
// state between calls, so independent loops may run concurrently.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.Delay(attempt)); err != nil {
				return zero, err
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		log.Printf("%s: attempt %d failed: %v", p.name(), attempt, err)

		if p.MaxAttempts > 0 && attempt == p.MaxAttempts-1 {
			return zero, &ExhaustedError{Attempts: p.MaxAttempts, Err: err}
		}
	}
}

func (p Policy) name() string {
	if p.Name == "" {
		return "retry"
	}
	return p.Name
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
