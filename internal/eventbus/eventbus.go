// Package eventbus fans run/step/workspace/runner state changes out to
// whatever is listening — the HTTP streaming endpoints, the debug service,
// metrics. It never blocks a publisher on a slow subscriber.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType discriminates the Event payload.
type EventType string

const (
	// EventCardUpdated and EventJobStatus are published by the external
	// CRUD layer through this same bus; the engine only defines the types.
	EventCardUpdated EventType = "card_updated"
	EventJobStatus   EventType = "job_status"

	EventPipelineRunStatus  EventType = "pipeline_run.status"
	EventStepRunStatus      EventType = "step_run.status"
	EventStepExecutionLog   EventType = "step_execution.log"
	EventWorkspaceStatus    EventType = "workspace.status"
	EventRunnerStatus       EventType = "runner.status"
	EventDebugSessionStatus EventType = "debug_session.status"
)

// Event is the tagged-union payload broadcast to subscribers.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// subscriberBuffer is the capacity of every subscriber's channel. A slow
// subscriber that can't drain this many events before the next Broadcast
// starts losing its oldest events rather than stalling the publisher.
const subscriberBuffer = 1024

// Subscription is a live feed of Events plus a marker channel that fires
// once when this subscriber has dropped events due to backpressure.
type Subscription struct {
	Events <-chan Event
	ch     chan Event

	lagged     chan struct{}
	laggedOnce sync.Once
}

// Lagged returns a channel that is closed the first time this subscription
// drops an event. Callers can select on it to detect they fell behind.
func (s *Subscription) Lagged() <-chan struct{} {
	return s.lagged
}

func (s *Subscription) markLagged() {
	s.laggedOnce.Do(func() { close(s.lagged) })
}

// deliver attempts a non-blocking send, dropping the oldest queued event to
// make room if the buffer is full.
func (s *Subscription) deliver(evt Event) {
	select {
	case s.ch <- evt:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- evt:
	default:
	}
	s.markLagged()
}

// Bus is the process-wide event fan-out. The zero value is not usable; use
// New.
type Bus struct {
	mu   sync.Mutex
	subs map[int64]*Subscription
	next int64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int64]*Subscription)}
}

// Subscribe registers a new listener and returns it along with an unsubscribe
// func. Callers must eventually call unsubscribe or the channel leaks for
// the life of the Bus.
func (b *Bus) Subscribe() (*Subscription, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{Events: ch, ch: ch, lagged: make(chan struct{})}
	b.subs[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return sub, unsubscribe
}

// Broadcast delivers evt to every current subscriber without blocking.
func (b *Bus) Broadcast(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		sub.deliver(evt)
	}
}

// NewEvent builds an Event with the given type and JSON-marshalable payload.
func NewEvent(typ EventType, at time.Time, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Payload: raw, At: at}, nil
}
