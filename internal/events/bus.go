// Package events provides a pub/sub bus for out-of-band notifications.
// The dispatcher publishes command lifecycle events here, and — critically —
// audit sink failures, which must reach the operator without failing the
// command that triggered them.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies bus events.
type EventType string

const (
	CommandDispatched EventType = "command.dispatched"
	CommandCompleted  EventType = "command.completed"
	CommandFailed     EventType = "command.failed"
	DetectionResolved EventType = "detection.resolved"
	SnapshotCreated   EventType = "snapshot.created"
	SnapshotPruned    EventType = "snapshot.pruned"
	AuditSinkFailure  EventType = "audit.sink_failure"
)

// Event is one bus notification.
type Event struct {
	Type      EventType `json:"type"`
	Target    string    `json:"target,omitempty"`
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Drop for slow subscriber — better than blocking dispatch
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the same id
// when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
