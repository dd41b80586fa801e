package status

import (
	"slices"
	"sync"

	"github.com/alarmbot/homewatch/internal/alarm"
)

// Store keeps the latest delivered event list per source.
type Store struct {
	mu     sync.RWMutex
	events map[string][]alarm.Event
}

func NewStore() *Store {
	return &Store{
		events: make(map[string][]alarm.Event),
	}
}

// Update replaces the list for source.
func (s *Store) Update(source string, events []alarm.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[source] = slices.Clone(events)
}

func (s *Store) Get(source string) ([]alarm.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs, ok := s.events[source]
	if !ok {
		return nil, false
	}
	return slices.Clone(evs), true
}

func (s *Store) All() map[string][]alarm.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string][]alarm.Event, len(s.events))
	for name, evs := range s.events {
		result[name] = slices.Clone(evs)
	}
	return result
}
