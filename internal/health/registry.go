package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/alarmbot/homewatch/internal/source"
)

// ErrUnknownSource is returned when a state update names a source that is not
// configured. It indicates a programming or configuration error.
var ErrUnknownSource = errors.New("unknown source")

// Observer receives registry changes. Calls are made in mutation order, one
// at a time, without the registry lock held, possibly on the goroutine of a
// later update. Observers may read the registry from inside a callback.
type Observer interface {
	OnHealthChange(source string, state State)
	OnInflightChange(count int)
}

// SourceStatus is the latest connection state of one source.
type SourceStatus struct {
	Source    string    `json:"source"`
	State     State     `json:"state"`
	Endpoint  string    `json:"endpoint,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	ChangedAt time.Time `json:"changedAt"`
	Failures  int       `json:"failures"`
}

// View is a consistent copy of the registry.
type View struct {
	Inflight int                     `json:"inflight"`
	Sources  map[string]SourceStatus `json:"sources"`
}

// Registry is the process-wide table of per-source connection state and the
// in-flight request counter. It is constructed once and shared by every
// session; all mutation goes through its methods.
type Registry struct {
	mu       sync.Mutex
	sources  source.Set
	inflight int
	status   map[string]*SourceStatus
	now      func() time.Time

	observers []Observer

	// Notifications waiting for delivery, in mutation order. Whichever
	// updater finds draining false delivers the queue until it is empty.
	pending  []delivery
	draining bool
}

type delivery struct {
	notification
	observers []Observer
}

type notification struct {
	source   string
	state    State
	inflight int
	isCount  bool
}

// NewRegistry creates a registry that accepts updates for the given sources.
func NewRegistry(sources source.Set) *Registry {
	return &Registry{
		sources: sources,
		status:  make(map[string]*SourceStatus, len(sources)),
		now:     time.Now,
	}
}

// Subscribe registers an observer for subsequent changes.
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(slices.Clip(r.observers), o)
}

// SetState records a new connection state for the named source.
func (r *Registry) SetState(name string, state State) error {
	return r.update(func() ([]notification, error) {
		n, err := r.setLocked(name, state, "", nil)
		if err != nil {
			return nil, err
		}
		return []notification{n}, nil
	})
}

// AddInflight adjusts the in-flight counter. The counter never drops below
// zero; an unmatched decrement is logged and ignored.
func (r *Registry) AddInflight(delta int) {
	r.update(func() ([]notification, error) {
		return []notification{r.addInflightLocked(delta)}, nil
	})
}

// Known reports whether name is a configured source.
func (r *Registry) Known(name string) bool {
	_, ok := r.sources.Lookup(name)
	return ok
}

// Inflight returns the current in-flight count.
func (r *Registry) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

// State returns the last recorded state for a source. ok is false if the
// source has never been updated.
func (r *Registry) State(name string) (state State, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.status[name]
	if !ok {
		return 0, false
	}
	return st.State, true
}

// Snapshot returns a consistent copy of all registry fields under the lock.
func (r *Registry) Snapshot() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := View{
		Inflight: r.inflight,
		Sources:  make(map[string]SourceStatus, len(r.status)),
	}
	for name, st := range r.status {
		v.Sources[name] = *st
	}
	return v
}

// Begin starts tracking a request or stream against the named source: the
// source moves to CONNECTING and the in-flight counter is incremented as one
// transition. The returned Op must be ended exactly once.
func (r *Registry) Begin(name, endpoint string) (*Op, error) {
	err := r.update(func() ([]notification, error) {
		n, err := r.setLocked(name, Connecting, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return []notification{n, r.addInflightLocked(1)}, nil
	})
	if err != nil {
		return nil, err
	}
	return &Op{r: r, source: name, endpoint: endpoint}, nil
}

// BeginURL is Begin for a request URL, resolving the owning source from the
// configured endpoints.
func (r *Registry) BeginURL(url string) (*Op, error) {
	src, ok := r.sources.FromURL(url)
	if !ok {
		return nil, fmt.Errorf("no source for %s: %w", url, ErrUnknownSource)
	}
	return r.Begin(src.Name, url)
}

func (r *Registry) update(fn func() ([]notification, error)) error {
	r.mu.Lock()
	notes, err := fn()
	if err != nil || len(notes) == 0 {
		r.mu.Unlock()
		return err
	}
	for _, n := range notes {
		r.pending = append(r.pending, delivery{n, r.observers})
	}
	if r.draining {
		r.mu.Unlock()
		return nil
	}
	r.draining = true
	for len(r.pending) > 0 {
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		for _, d := range batch {
			d.deliver()
		}
		r.mu.Lock()
	}
	r.draining = false
	r.mu.Unlock()
	return nil
}

func (d delivery) deliver() {
	for _, o := range d.observers {
		if d.isCount {
			o.OnInflightChange(d.inflight)
		} else {
			o.OnHealthChange(d.source, d.state)
		}
	}
}

// setLocked updates one source entry. Caller must hold r.mu.
func (r *Registry) setLocked(name string, state State, endpoint string, cause error) (notification, error) {
	if _, ok := r.sources.Lookup(name); !ok {
		return notification{}, fmt.Errorf("%q: %w", name, ErrUnknownSource)
	}
	st, ok := r.status[name]
	if !ok {
		st = &SourceStatus{Source: name}
		r.status[name] = st
	}
	st.State = state
	st.ChangedAt = r.now()
	if endpoint != "" {
		st.Endpoint = endpoint
	}
	switch state {
	case Failed:
		st.Failures++
		if cause != nil {
			st.LastError = cause.Error()
		}
	case Succeeded:
		st.Failures = 0
		st.LastError = ""
	}
	return notification{source: name, state: state}, nil
}

// addInflightLocked adjusts the counter. Caller must hold r.mu.
func (r *Registry) addInflightLocked(delta int) notification {
	next := r.inflight + delta
	if next < 0 {
		log.Printf("health: inflight would go negative (%d%+d), clamping to 0", r.inflight, delta)
		next = 0
	}
	r.inflight = next
	return notification{inflight: next, isCount: true}
}

// Op is one tracked request or stream. Succeeded and End may be called from
// any goroutine; End releases the in-flight slot exactly once.
type Op struct {
	r        *Registry
	source   string
	endpoint string

	mu        sync.Mutex
	succeeded bool
	ended     bool
}

// Source returns the name of the tracked source.
func (o *Op) Source() string { return o.source }

// Succeeded marks the source SUCCEEDED. It is a no-op after End.
func (o *Op) Succeeded() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended || o.succeeded {
		return
	}
	o.succeeded = true
	o.r.update(func() ([]notification, error) {
		n, err := o.r.setLocked(o.source, Succeeded, o.endpoint, nil)
		if err != nil {
			return nil, err
		}
		return []notification{n}, nil
	})
}

// End finishes the operation. A non-nil err other than context cancellation
// marks the source FAILED in the same transition that releases the in-flight
// slot. Calls after the first are ignored.
func (o *Op) End(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return
	}
	o.ended = true
	failed := err != nil && !errors.Is(err, context.Canceled)
	o.r.update(func() ([]notification, error) {
		var notes []notification
		if failed {
			n, setErr := o.r.setLocked(o.source, Failed, o.endpoint, err)
			if setErr == nil {
				notes = append(notes, n)
			}
		}
		return append(notes, o.r.addInflightLocked(-1)), nil
	})
}
