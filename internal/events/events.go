// Package events provides a minimal typed pub/sub bus used to notify the
// HTTP server (dashboard polling, SSE/websocket log streams) of state
// changes made by the Dispatcher, Monitor, Scheduler and HealthClassifier,
// without those components importing the server package.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies the kind of state change being announced.
type EventType string

const (
	JobQueued     EventType = "job.queued"
	JobDispatched EventType = "job.dispatched"
	JobStarted    EventType = "job.started"
	JobFinished   EventType = "job.finished"
	ScheduleFired EventType = "schedule.fired"
	HealthChanged EventType = "health.changed"
)

// Event is a single published occurrence.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
}

// Handler processes a published Event.
type Handler func(*Event)

// Subscription identifies a registered handler so it can later be removed.
type Subscription struct {
	eventType EventType
	id        uint64
}

// Bus provides pub/sub event functionality. Handlers are invoked in their
// own goroutine so a slow subscriber (a stalled websocket client, say)
// never blocks the Dispatcher, Monitor or Scheduler that emitted the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType]map[uint64]Handler
	nextID      uint64
	log         zerolog.Logger
}

// New creates an empty Bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[EventType]map[uint64]Handler),
		log:         log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers handler for eventType and returns a Subscription that
// can be passed to Unsubscribe to stop delivery.
func (b *Bus) Subscribe(eventType EventType, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[uint64]Handler)
	}
	b.subscribers[eventType][id] = handler

	return Subscription{eventType: eventType, id: id}
}

// Unsubscribe removes a previously registered handler. Safe to call more
// than once for the same Subscription.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.subscribers[sub.eventType]; ok {
		delete(handlers, sub.id)
		if len(handlers) == 0 {
			delete(b.subscribers, sub.eventType)
		}
	}
}

// Emit publishes an event to every subscriber of eventType. source names the
// component that raised it (e.g. "dispatcher", "scheduler").
func (b *Bus) Emit(eventType EventType, source string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
	}

	b.mu.RLock()
	var handlers []Handler
	if registered := b.subscribers[eventType]; len(registered) > 0 {
		handlers = make([]Handler, 0, len(registered))
		for _, h := range registered {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go h(event)
	}

	b.log.Debug().
		Str("event_type", string(eventType)).
		Str("source", source).
		Int("subscribers", len(handlers)).
		Msg("event emitted")
}
