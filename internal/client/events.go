package client

import "sync"

// EventType enumerates the lifecycle events the Client Datagram Engine
// reports to observers (e.g. a CLI status line or a management API).
type EventType string

const (
	EventConnecting   EventType = "connecting"
	EventReady        EventType = "ready"
	EventBackingOff   EventType = "backing_off"
	EventClosed       EventType = "closed"
	EventTunnelGrant  EventType = "tunnel_grant"
	EventTunnelClosed EventType = "tunnel_closed"
	EventError        EventType = "error"
)

// Event carries an EventType plus whatever detail is relevant to it.
type Event struct {
	Type    EventType
	Detail  string
	TunnelID byte
}

// EventHandler receives emitted events. Handlers are invoked in their own
// goroutine so a slow subscriber never blocks the engine.
type EventHandler func(Event)

// EventEmitter is a minimal pub/sub broadcaster carrying the handful of
// lifecycle fields the engine actually needs.
type EventEmitter struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

// NewEventEmitter creates an empty EventEmitter.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{}
}

// Subscribe registers handler to receive future events.
func (e *EventEmitter) Subscribe(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// Emit broadcasts ev to every subscriber.
func (e *EventEmitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, h := range handlers {
		go h(ev)
	}
}
