package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event types.
const (
	EventInfo    = "info"
	EventSuccess = "success"
	EventWarning = "warning"
	EventError   = "error"
	EventData    = "data"
	EventTrade   = "trade"
)

// Event is one entry in the in-memory activity feed.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventLog is a fixed-capacity ring of recent events. Oldest entries are
// overwritten once the ring is full. Safe for concurrent use.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	next   int
	filled bool
}

const eventLogCapacity = 200

// NewEventLog creates an event log holding the last 200 events.
func NewEventLog() *EventLog {
	return &EventLog{events: make([]Event, eventLogCapacity)}
}

// Record appends an event and mirrors it to the structured log.
func (l *EventLog) Record(eventType, message string, data map[string]interface{}) {
	ev := Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Message:   message,
		Data:      data,
	}

	l.mu.Lock()
	l.events[l.next] = ev
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.filled = true
	}
	l.mu.Unlock()

	entry := log.Info()
	switch eventType {
	case EventWarning:
		entry = log.Warn()
	case EventError:
		entry = log.Error()
	}
	entry.Str("event", eventType).Fields(data).Msg(message)
}

// Recent returns up to limit events, newest first.
func (l *EventLog) Recent(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.filled {
		size = len(l.events)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.events)) % len(l.events)
		out = append(out, l.events[idx])
	}
	return out
}

// Len returns the number of stored events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.filled {
		return len(l.events)
	}
	return l.next
}
