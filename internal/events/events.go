package events

import (
	"encoding/json"
	"sync"
	"time"

	"offsync/internal/models"
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// ActionEventPayload is the snapshot of an action attached to lifecycle events.
type ActionEventPayload struct {
	ActionID     string              `json:"action_id"`
	Type         models.ActionType   `json:"type"`
	Status       models.ActionStatus `json:"status"`
	Priority     int                 `json:"priority"`
	SyncAttempts int                 `json:"sync_attempts"`
	Error        string              `json:"error,omitempty"`
	RetryAt      *time.Time          `json:"retry_at,omitempty"`
	PassID       string              `json:"pass_id,omitempty"`
}

// NewActionEventPayload builds a payload from an action copy.
func NewActionEventPayload(a *models.OfflineAction, passID string) ActionEventPayload {
	return ActionEventPayload{
		ActionID:     a.ID,
		Type:         a.Type,
		Status:       a.Status,
		Priority:     a.Priority,
		SyncAttempts: a.SyncAttempts,
		Error:        a.ErrorMessage(),
		RetryAt:      a.NextEligibleAt,
		PassID:       passID,
	}
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscriber struct {
	id      uint64
	handler EventHandler
}

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]subscriber
	nextID      uint64
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscriber)}
}

// Subscribe registers a handler for a given event type and returns a func
// that removes it. The returned func is safe to call more than once.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(eventType, id) })
	}
}

func (b *EventBus) remove(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[eventType]) == 0 {
		delete(b.subscribers, eventType)
	}
}

// Publish notifies subscribers of the event type and wildcard subscribers.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers[event.Type])+len(b.subscribers[AllEvents]))
	for _, s := range b.subscribers[event.Type] {
		handlers = append(handlers, s.handler)
	}
	if event.Type != AllEvents {
		for _, s := range b.subscribers[AllEvents] {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
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
