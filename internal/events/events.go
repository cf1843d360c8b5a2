package events

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Job lifecycle events, published by the orchestrator.
const (
	EventJobStarted      = "job.started"
	EventJobCompleted    = "job.completed"
	EventJobRetrying     = "job.retrying"
	EventJobFailed       = "job.failed"
	EventJobStalled      = "job.stalled"
	EventJobDeadLettered = "job.dead_lettered"
)

// Domain events.
const (
	EventCalendarStatusChanged = "calendar.status_changed"
	EventBotScheduled          = "bot.scheduled"
	EventBotRemoved            = "bot.removed"
	EventBotConflict           = "bot.conflict"
)

// AllTypes subscribes a handler to every event type.
const AllTypes = "*"

// JobEventPayload is the snapshot carried by job lifecycle events.
type JobEventPayload struct {
	JobID    string        `json:"job_id"`
	Name     string        `json:"name"`
	Key      string        `json:"key,omitempty"`
	Attempt  int           `json:"attempt"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	RetryIn  time.Duration `json:"retry_in,omitempty"`
}

// CalendarStatusPayload describes a calendar connection status transition.
type CalendarStatusPayload struct {
	CalendarID   int64  `json:"calendar_id"`
	RemoteID     string `json:"remote_id"`
	From         string `json:"from"`
	To           string `json:"to"`
	Reason       string `json:"reason,omitempty"`
	Reconnection bool   `json:"reconnection"`
}

// BotEventPayload describes a bot add/remove against the provisioning API.
type BotEventPayload struct {
	RemoteEventID    string `json:"remote_event_id"`
	DeduplicationKey string `json:"deduplication_key,omitempty"`
	Outcome          string `json:"outcome"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	if e == nil || len(e.Payload) == 0 {
		return errors.New("empty event payload")
	}
	return json.Unmarshal(e.Payload, v)
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

// Subscribe registers a handler for a given event type, or AllTypes.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type. Handler errors are joined and returned.
func (b *EventBus) Publish(event *Event) error {
	if b == nil || event == nil {
		return nil
	}

	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[AllTypes]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errs []error
	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload any) error {
	if b == nil {
		return nil
	}

	ev, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	return b.Publish(&ev)
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
