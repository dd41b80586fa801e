// Package mock is a stand-in alarm panel bridge. It serves the same /alarm
// NDJSON stream and /register endpoint a real home does, fed by a random
// keypad generator, so the watcher can be run and tested without hardware.
package mock

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alarmbot/homewatch/internal/alarm"
)

// ReadyMessage is the idle keypad text. It is not recorded unless the event
// also needs attention.
const ReadyMessage = "****DISARMED****  READY TO ARM"

// DefaultRetention bounds how far back a new stream replays.
const DefaultRetention = 7 * 24 * time.Hour

const listenerBuffer = 10

// Registration is a device that asked to be notified.
type Registration struct {
	Token            string
	InstallationID   string
	DeviceName       string
	NativeAppVersion string
}

type Options struct {
	Token     string        // required bearer token; empty disables auth
	Retention time.Duration // replay window, default 7 days
	CutAfter  int           // end each stream after this many events; 0 never
	Now       func() time.Time
}

// Panel records recent events and fans new ones out to open streams.
type Panel struct {
	opts Options

	mu            sync.Mutex
	recent        []alarm.Event
	lastMessage   string
	nextID        int64
	listeners     map[int64]chan alarm.Event
	registrations map[string]Registration
}

func NewPanel(opts Options) *Panel {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Panel{
		opts:          opts,
		listeners:     make(map[int64]chan alarm.Event),
		registrations: make(map[string]Registration),
	}
}

// Publish records e and sends it to every open stream. Repeats of the last
// keypad message and idle ready messages are dropped; the return value
// reports whether e was recorded.
func (p *Panel) Publish(e alarm.Event) bool {
	if e.Time.IsZero() {
		e.Time = alarm.Timestamp{Time: p.opts.Now()}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e.KeypadMessage == p.lastMessage {
		return false
	}
	p.lastMessage = e.KeypadMessage
	if !e.ShouldNotify() && e.KeypadMessage == ReadyMessage {
		return false
	}

	p.recent = dropOldEvents(p.recent, p.opts.Now().Add(-p.opts.Retention))
	p.recent = append(p.recent, e)

	for id, ch := range p.listeners {
		select {
		case ch <- e:
		default:
			log.Printf("mock: stream %d too slow, dropping event", id)
		}
	}
	return true
}

// Recent returns the replay list, oldest first.
func (p *Panel) Recent() []alarm.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return dropOldEvents(append([]alarm.Event(nil), p.recent...), p.opts.Now().Add(-p.opts.Retention))
}

// Registrations returns the registered devices keyed by installation id.
func (p *Panel) Registrations() map[string]Registration {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Registration, len(p.registrations))
	for id, r := range p.registrations {
		out[id] = r
	}
	return out
}

// Listeners is the number of open streams.
func (p *Panel) Listeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

// dropOldEvents trims the prefix of events at or before cutoff. events must
// be in time order.
func dropOldEvents(events []alarm.Event, cutoff time.Time) []alarm.Event {
	keep := sort.Search(len(events), func(i int) bool {
		return events[i].Time.After(cutoff)
	})
	return events[keep:]
}

func (p *Panel) subscribe() (int64, []alarm.Event, <-chan alarm.Event) {
	ch := make(chan alarm.Event, listenerBuffer)
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = ch
	replay := dropOldEvents(append([]alarm.Event(nil), p.recent...), p.opts.Now().Add(-p.opts.Retention))
	return id, replay, ch
}

func (p *Panel) unsubscribe(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.listeners, id)
}

// Handler serves /alarm, /register and /thermostat behind the bearer token.
func (p *Panel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/alarm", p.handleAlarm)
	mux.HandleFunc("/register", p.handleRegister)
	mux.HandleFunc("/thermostat", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unimplemented", http.StatusNotImplemented)
	})
	return p.enforceAuth(mux)
}

func (p *Panel) enforceAuth(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+p.opts.Token {
			http.Error(w, "invalid token", http.StatusForbidden)
			return
		}
		if id := r.Header.Get("X-Request-ID"); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		h.ServeHTTP(w, r)
	})
}

func (p *Panel) handleAlarm(w http.ResponseWriter, r *http.Request) {
	id, replay, ch := p.subscribe()
	defer p.unsubscribe(id)

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	sent := 0

	write := func(e alarm.Event) bool {
		if err := enc.Encode(e); err != nil {
			log.Printf("mock: stream %d write error: %v", id, err)
			return false
		}
		sent++
		return p.opts.CutAfter <= 0 || sent < p.opts.CutAfter
	}

	for _, e := range replay {
		if !write(e) {
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
	}
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			more := write(e)
			if flusher != nil {
				flusher.Flush()
			}
			if !more {
				log.Printf("mock: cutting stream %d after %d events", id, sent)
				return
			}
		}
	}
}

type registerResponse struct {
	InstallationID string `json:"installationId"`
}

func (p *Panel) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Registration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	if req.InstallationID == "" {
		req.InstallationID = uuid.NewString()
	}

	p.mu.Lock()
	p.registrations[req.InstallationID] = req
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(registerResponse{InstallationID: req.InstallationID})
}
