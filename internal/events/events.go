package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventPointRecorded     = "point_recorded"
	EventSessionStarted    = "session_started"
	EventSessionStopped    = "session_stopped"
	EventInactivityWarning = "inactivity_warning"
	EventSessionAutoClosed = "session_auto_closed"
	EventSyncCompleted     = "sync_completed"
)

// PointEventPayload is published for every accepted point; the UI uses it
// to pulse the tracking indicator.
type PointEventPayload struct {
	PointID   int64     `json:"point_id"`
	TaskID    string    `json:"task_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEventPayload describes a tracking session transition.
type SessionEventPayload struct {
	TaskID  string        `json:"task_id"`
	State   string        `json:"state"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// SyncEventPayload summarizes one sync pass.
type SyncEventPayload struct {
	PointsSynced         int `json:"points_synced"`
	BatchesFailed        int `json:"batches_failed"`
	SubmissionsDelivered int `json:"submissions_delivered"`
	SubmissionsRetained  int `json:"submissions_retained"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into out.
func (e *Event) Decode(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type. Handler errors are
// ignored; a misbehaving observer never affects the publisher.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
