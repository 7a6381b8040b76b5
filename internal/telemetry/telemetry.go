// Package telemetry carries the orchestrator's operation event stream.
// External monitors consume the events purely for display; nothing in the
// engine reads them back.
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation classifies a recorded cache operation.
type Operation string

const (
	OpHit        Operation = "hit"
	OpMiss       Operation = "miss"
	OpWrite      Operation = "write"
	OpInvalidate Operation = "invalidate"
)

// Event describes one completed cache operation.
type Event struct {
	ID        string        `json:"id"`
	Operation Operation     `json:"operation"`
	Key       string        `json:"key,omitempty"`
	Tier      string        `json:"tier,omitempty"` // satisfying tier, "" for a full miss
	Latency   time.Duration `json:"latency"`
	At        time.Time     `json:"at"`
}

// Recorder receives operation events. Implementations must be safe for
// concurrent use and must not block: the orchestrator calls Record on its
// hot path.
type Recorder interface {
	Record(ev Event)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) Record(Event) {}

// Stream fans events out to subscriber channels. A subscriber whose buffer
// is full drops the event rather than blocking the recorder.
type Stream struct {
	mu   sync.RWMutex
	subs map[string]chan Event
	buf  int
}

// NewStream creates a Stream with the given per-subscriber buffer size.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 256
	}
	return &Stream{
		subs: make(map[string]chan Event),
		buf:  buffer,
	}
}

// Record implements Recorder.
func (s *Stream) Record(ev Event) {
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

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function that closes it.
func (s *Stream) Subscribe() (<-chan Event, func()) {
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
