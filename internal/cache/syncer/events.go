package syncer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies sync lifecycle events.
type EventType string

const (
	EventStarted   EventType = "sync_started"
	EventCompleted EventType = "sync_completed"
	EventError     EventType = "sync_error"
)

// Event is one sync lifecycle notification.
type Event struct {
	ID          string        `json:"id"`
	Type        EventType     `json:"type"`
	At          time.Time     `json:"at"`
	ItemsSynced int64         `json:"items_synced,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// subscribers is a typed fan-out registry. Multiple independent listeners
// (tests, telemetry, supervising code) subscribe without coupling to a
// broadcast mechanism; a full subscriber buffer drops the event rather
// than stalling the sync cycle.
type subscribers struct {
	mu   sync.RWMutex
	subs map[string]chan Event
	buf  int
}

func newSubscribers(buffer int) *subscribers {
	if buffer <= 0 {
		buffer = 64
	}
	return &subscribers{
		subs: make(map[string]chan Event),
		buf:  buffer,
	}
}

func (s *subscribers) subscribe() (<-chan Event, func()) {
	id := uuid.New().String()
	ch := make(chan Event, s.buf)

	s.mu.Lock()
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}
}

func (s *subscribers) publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
