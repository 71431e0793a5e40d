// Package events carries domain events out of the engines. Delivery to
// browsers is the surrounding application's job; this package only fans
// events out to in-process subscribers and optional sinks.
package events

import (
	"context"
	"sync"
	"time"
)

type Type string

const (
	PresenceChanged  Type = "presence_changed"
	WorkModeChanged  Type = "work_mode_changed"
	SessionEnqueued  Type = "session_enqueued"
	SessionAssigned  Type = "session_assigned"
	SessionAbandoned Type = "session_abandoned"
	SessionRecovered Type = "session_recovered"
	SessionReturned  Type = "session_returned"
	SessionEscalated Type = "session_escalated"
	SessionMissed    Type = "session_missed"
	SessionEnded     Type = "session_ended"
	CallStateChanged Type = "call_state_changed"
)

// Event is one state transition. Payload is the full updated entity, never
// a diff.
type Event struct {
	Type    Type      `json:"type"`
	Subject string    `json:"subject"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Publisher is what the engines depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Handler receives events from a Bus. Handlers run on the publishing
// goroutine and must not block.
type Handler func(ctx context.Context, e Event)

// Bus fans each event out to every subscribed handler in subscription
// order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, e)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// Recorder keeps published events in memory. Used by tests and by the
// debug endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
