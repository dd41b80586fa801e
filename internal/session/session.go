// Package session runs the long-lived streaming loop for one home: pick an
// endpoint, open the stream, feed events to the batcher, and back off and
// fail over when the stream breaks.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/alarmbot/homewatch/internal/batch"
	"github.com/alarmbot/homewatch/internal/health"
	"github.com/alarmbot/homewatch/internal/retry"
	"github.com/alarmbot/homewatch/internal/source"
	"github.com/alarmbot/homewatch/internal/stream"
)

// DefaultResource is the stream path appended to each endpoint.
const DefaultResource = "alarm"

// Config wires a Session.
type Config[T any] struct {
	Source   source.Source
	Resource string // path under each endpoint, default "alarm"
	Client   *stream.Client
	Retry    retry.Policy
	Debounce time.Duration

	// OnBatch receives the full event list, newest first, after each
	// debounced flush, and an empty list when a reconnect discards the
	// previous view.
	OnBatch func([]T)

	// OnEvent, if set, is called for every decoded event before it is
	// batched, on the session goroutine.
	OnEvent func(T)

	// OnTransition, if set, is called on the session goroutine for every
	// state change.
	OnTransition func(Transition)
}

// Session streams events from one source until its context is cancelled, a
// configuration error is found, or a bounded retry policy gives up.
type Session[T any] struct {
	cfg     Config[T]
	batcher *batch.Batcher[T]

	mu       sync.Mutex
	state    State
	attempt  int
	endpoint string
}

// New creates an idle session.
func New[T any](cfg Config[T]) *Session[T] {
	if cfg.Resource == "" {
		cfg.Resource = DefaultResource
	}
	onBatch := cfg.OnBatch
	if onBatch == nil {
		onBatch = func([]T) {}
	}
	cfg.Retry.Name = cfg.Source.Name
	return &Session[T]{
		cfg:     cfg,
		batcher: batch.New(cfg.Debounce, onBatch),
	}
}

// Name is the source name.
func (s *Session[T]) Name() string { return s.cfg.Source.Name }

// State returns the current state.
func (s *Session[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the index of the current or last attempt.
func (s *Session[T]) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Events returns the list last delivered to OnBatch.
func (s *Session[T]) Events() []T {
	return s.batcher.Events()
}

// Run blocks until the session is over. It returns ctx's error after
// cancellation, a configuration error (source.ErrNoEndpoints,
// health.ErrUnknownSource), or an error matching retry.ErrExhausted. Network
// and payload failures are retried and never returned directly. No consumer
// callback runs after Run returns.
func (s *Session[T]) Run(ctx context.Context) error {
	defer s.batcher.Stop()

	_, err := retry.Do(ctx, s.cfg.Retry, s.runAttempt)
	switch {
	case ctx.Err() != nil:
		s.transition(Stopped, nil)
		log.Printf("%s: session stopped", s.Name())
		return ctx.Err()
	case errors.Is(err, retry.ErrExhausted):
		s.transition(RetryExhausted, err)
	default:
		s.transition(ConfigError, err)
	}
	log.Printf("%s: session finished: %v", s.Name(), err)
	return err
}

func (s *Session[T]) runAttempt(ctx context.Context, attempt int) (struct{}, error) {
	var none struct{}

	endpoint, err := source.Select(s.cfg.Source, attempt)
	if err != nil {
		return none, retry.Permanent(err)
	}
	url := source.URL(endpoint, s.cfg.Resource)

	s.mu.Lock()
	s.attempt = attempt
	s.endpoint = endpoint
	s.mu.Unlock()
	s.transition(Connecting, nil)

	r, err := stream.Open[T](ctx, s.cfg.Client, s.Name(), url)
	if err != nil {
		if errors.Is(err, health.ErrUnknownSource) {
			return none, retry.Permanent(err)
		}
		if ctx.Err() == nil {
			s.transition(Failed, err)
		}
		return none, err
	}
	defer r.Close()

	log.Printf("%s: streaming from %s", s.Name(), r)
	s.transition(Streaming, nil)
	s.batcher.Reset()

	for {
		ev, err := r.Next()
		if err != nil {
			if ctx.Err() != nil {
				return none, err
			}
			// Hand over whatever arrived before the break rather
			// than waiting out the debounce across the backoff.
			s.batcher.Flush()
			if errors.Is(err, stream.ErrStreamEnded) {
				s.transition(Ended, err)
			} else {
				s.transition(Failed, err)
			}
			return none, err
		}
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(ev)
		}
		s.batcher.Push(ev)
	}
}

func (s *Session[T]) transition(to State, err error) {
	s.mu.Lock()
	t := Transition{
		Source:   s.cfg.Source.Name,
		From:     s.state,
		To:       to,
		Attempt:  s.attempt,
		Endpoint: s.endpoint,
		Err:      err,
	}
	s.state = to
	s.mu.Unlock()

	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(t)
	}
}
