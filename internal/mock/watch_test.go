package mock

import (
	"context"
	"errors"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alarmbot/homewatch/internal/alarm"
	"github.com/alarmbot/homewatch/internal/health"
	"github.com/alarmbot/homewatch/internal/retry"
	"github.com/alarmbot/homewatch/internal/session"
	"github.com/alarmbot/homewatch/internal/source"
	"github.com/alarmbot/homewatch/internal/stream"
)

type batches struct {
	mu   sync.Mutex
	list [][]alarm.Event
}

func (b *batches) add(evs []alarm.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.list = append(b.list, evs)
}

func (b *batches) last() []alarm.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.list) == 0 {
		return nil
	}
	return b.list[len(b.list)-1]
}

func (b *batches) all() [][]alarm.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]alarm.Event(nil), b.list...)
}

func keypads(evs []alarm.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.KeypadMessage
	}
	return out
}

func newWatch(t *testing.T, panel *Panel, policy retry.Policy, got *batches) (*session.Session[alarm.Event], *health.Registry) {
	t.Helper()
	ts := httptest.NewServer(panel.Handler())
	t.Cleanup(ts.Close)

	src := source.Source{Name: "Seattle", Endpoints: []string{ts.URL}, HasAlarm: true}
	reg := health.NewRegistry(source.Set{src})
	client := stream.NewClient(reg, stream.Options{Token: "s3cret", ConnectTimeout: time.Second})

	return session.New(session.Config[alarm.Event]{
		Source:   src,
		Client:   client,
		Retry:    policy,
		Debounce: 20 * time.Millisecond,
		OnBatch:  got.add,
	}), reg
}

func TestWatchMockPanel(t *testing.T) {
	panel := NewPanel(Options{Token: "s3cret"})
	panel.Publish(alarm.Event{KeypadMessage: "one"})
	panel.Publish(alarm.Event{KeypadMessage: "two"})

	got := &batches{}
	s, reg := newWatch(t, panel, retry.Policy{InitialDelay: time.Millisecond}, got)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return len(got.last()) == 2 })
	if k := keypads(got.last()); !reflect.DeepEqual(k, []string{"two", "one"}) {
		t.Errorf("replayed batch = %q", k)
	}
	if st := s.State(); st != session.Streaming {
		t.Errorf("state = %v, want Streaming", st)
	}

	panel.Publish(alarm.Event{KeypadMessage: "three", AlarmSounding: true})
	waitFor(t, func() bool { return len(got.last()) == 3 })
	last := got.last()
	if k := keypads(last); !reflect.DeepEqual(k, []string{"three", "two", "one"}) {
		t.Errorf("live batch = %q", k)
	}
	if !last[0].IsHighPriority() {
		t.Error("sounding alarm is not high priority")
	}

	if st, ok := reg.State("Seattle"); !ok || st != health.Succeeded {
		t.Errorf("health = %v (known %v), want Succeeded", st, ok)
	}
	if n := reg.Inflight(); n != 1 {
		t.Errorf("inflight = %d, want 1", n)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if st := s.State(); st != session.Stopped {
		t.Errorf("state = %v, want Stopped", st)
	}
	if n := reg.Inflight(); n != 0 {
		t.Errorf("inflight = %d, want 0", n)
	}
}

func TestWatchMockPanelCutsStreams(t *testing.T) {
	panel := NewPanel(Options{Token: "s3cret", CutAfter: 1})
	panel.Publish(alarm.Event{KeypadMessage: "one"})

	var mu sync.Mutex
	var delays []time.Duration
	policy := retry.Policy{
		InitialDelay: time.Second,
		MaxAttempts:  3,
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return ctx.Err()
		},
	}

	got := &batches{}
	s, reg := newWatch(t, panel, policy, got)

	err := s.Run(context.Background())
	if !errors.Is(err, retry.ErrExhausted) || !errors.Is(err, stream.ErrStreamEnded) {
		t.Fatalf("Run error = %v, want ErrExhausted wrapping ErrStreamEnded", err)
	}
	if st := s.State(); st != session.RetryExhausted {
		t.Errorf("state = %v, want RetryExhausted", st)
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; !reflect.DeepEqual(delays, want) {
		t.Errorf("delays = %v, want %v", delays, want)
	}

	// Each connection replays "one" and is cut; reconnects clear the view
	// in between.
	var shapes [][]string
	for _, b := range got.all() {
		shapes = append(shapes, keypads(b))
	}
	want := [][]string{{"one"}, {}, {"one"}, {}, {"one"}}
	if !reflect.DeepEqual(shapes, want) {
		t.Errorf("batches = %q, want %q", shapes, want)
	}

	if st, _ := reg.State("Seattle"); st != health.Failed {
		t.Errorf("health = %v, want Failed", st)
	}
	if n := reg.Inflight(); n != 0 {
		t.Errorf("inflight = %d, want 0", n)
	}
	if n := panel.Listeners(); n != 0 {
		t.Errorf("listeners = %d, want 0", n)
	}
}

func TestClientRequestsAgainstMockPanel(t *testing.T) {
	panel := NewPanel(Options{Token: "s3cret"})
	ts := httptest.NewServer(panel.Handler())
	defer ts.Close()

	reg := health.NewRegistry(source.Set{{Name: "Seattle", Endpoints: []string{ts.URL}}})
	client := stream.NewClient(reg, stream.Options{Token: "s3cret"})
	ctx := context.Background()

	var resp registerResponse
	err := client.Post(ctx, source.URL(ts.URL, "register"), Registration{Token: "push-abc", DeviceName: "kitchen"}, &resp)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.InstallationID == "" {
		t.Fatal("no installation id assigned")
	}
	if name := panel.Registrations()[resp.InstallationID].DeviceName; name != "kitchen" {
		t.Errorf("registered device = %q, want kitchen", name)
	}

	if err := client.Get(ctx, source.URL(ts.URL, "thermostat"), nil); !errors.Is(err, stream.ErrConnect) {
		t.Errorf("Get error = %v, want ErrConnect", err)
	}
	if st, _ := reg.State("Seattle"); st != health.Failed {
		t.Errorf("health = %v, want Failed", st)
	}
	if n := reg.Inflight(); n != 0 {
		t.Errorf("inflight = %d, want 0", n)
	}

	bad := stream.NewClient(reg, stream.Options{Token: "wrong"})
	err = bad.Post(ctx, source.URL(ts.URL, "register"), Registration{Token: "push-abc"}, nil)
	if !errors.Is(err, stream.ErrConnect) {
		t.Errorf("Post with wrong token error = %v, want ErrConnect", err)
	}
}
