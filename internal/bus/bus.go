// Package bus provides the in-process activity bus used to fan out typed
// runtime events (tool lifecycle, output chunks, agent lifecycle, diff
// previews, permission requests) to UI and logging subscribers.
//
// The bus is synchronous by design: subscribers run inline on the emitter's
// goroutine and must not block. There is no backpressure; this is a UI/log
// bus, not a work queue.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of activity event. The set is closed.
type EventType string

const (
	EventToolCallStart       EventType = "tool-call-start"
	EventToolCallEnd         EventType = "tool-call-end"
	EventOutputChunk         EventType = "output-chunk"
	EventDiffPreview         EventType = "diff-preview"
	EventAgentStart          EventType = "agent-start"
	EventAgentEnd            EventType = "agent-end"
	EventThoughtChunk        EventType = "thought-chunk"
	EventModelSelectRequest  EventType = "model-select-request"
	EventPluginConfigRequest EventType = "plugin-config-request"
	EventPermissionRequest   EventType = "permission-request"
	EventInterruptAll        EventType = "interrupt-all"
	EventError               EventType = "error"
)

// EventAll subscribes to every event type.
const EventAll EventType = "*"

// Event is a single activity bus event.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	ParentID  string         `json:"parent_id,omitempty"` // parent tool call for nested events
	Data      map[string]any `json:"data,omitempty"`
}

// Handler receives events. Handlers run synchronously on the emitter's
// goroutine and must return promptly; expensive work belongs elsewhere.
type Handler func(Event)

type subscriber struct {
	id      string
	handler Handler
}

// ActivityBus fans out events to per-type and wildcard subscribers.
// Delivery order within one emitter is preserved per subscriber.
type ActivityBus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscriber
	closed bool
}

// New creates an empty activity bus.
func New() *ActivityBus {
	return &ActivityBus{subs: make(map[EventType][]subscriber)}
}

// Subscribe registers a handler for one event type (or EventAll for every
// type) and returns a subscription id for Unsubscribe.
func (b *ActivityBus) Subscribe(t EventType, h Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return id
	}
	b.subs[t] = append(b.subs[t], subscriber{id: id, handler: h})
	return id
}

// Unsubscribe removes a subscription by id. Unknown ids are ignored.
func (b *ActivityBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, list := range b.subs {
		for i, s := range list {
			if s.id == id {
				b.subs[t] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers an event to all subscribers of its type, then to wildcard
// subscribers. A zero ID or Timestamp is filled in. Emission after Close is
// a silent no-op.
func (b *ActivityBus) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	typed := append([]subscriber(nil), b.subs[ev.Type]...)
	wild := append([]subscriber(nil), b.subs[EventAll]...)
	b.mu.RUnlock()

	for _, s := range typed {
		s.handler(ev)
	}
	for _, s := range wild {
		s.handler(ev)
	}
}

// Close shuts the bus down. Subsequent Emit calls are dropped.
func (b *ActivityBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[EventType][]subscriber)
}
