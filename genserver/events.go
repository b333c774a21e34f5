package genserver

import (
	"sync"
)

// EventType enumerates the lifecycle transitions a server reports.
type EventType string

const (
	// EventStarted is emitted once when a server's Init succeeds and it
	// enters the running state.
	EventStarted EventType = "started"

	// EventCrashed is emitted as a terminal event when a server leaves
	// the running state abnormally: a handler panicked, or the server was
	// force-terminated with an abnormal reason. A cast handler returning
	// an error also emits it, as a non-terminal event, while the server
	// keeps running.
	EventCrashed EventType = "crashed"

	// EventTerminated is emitted once when a server reaches the stopped
	// state: after a graceful stop, a forced termination with a clean
	// reason, or a failed Init.
	EventTerminated EventType = "terminated"
)

// Event is a lifecycle notification. Reason is set for terminations, Err for
// crashes. Terminal reports whether the server is gone for good; a crashed
// cast handler, for example, emits a non-terminal EventCrashed while the
// server keeps running.
type Event struct {
	Type     EventType
	ID       string
	Reason   StopReason
	Err      error
	Terminal bool
}

// EventBus fans lifecycle events out to subscribers. Emission is synchronous
// and in causal order for a given publisher; subscribers must not block.
type EventBus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(Event)
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[uint64]func(Event)),
	}
}

// Subscribe registers a handler and returns an unsubscriber. The handler is
// invoked synchronously on the publisher's goroutine.
func (b *EventBus) Subscribe(handler func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.subs, id)
	}
}

// Emit delivers the event to all current subscribers. The subscriber set is
// snapshotted under the lock, then handlers run without it so a handler may
// unsubscribe itself (or others) without deadlocking.
func (b *EventBus) Emit(event Event) {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, handler := range b.subs {
		handlers = append(handlers, handler)
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}
