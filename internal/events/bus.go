package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the engine
type EventType string

const (
	EventPositionOpened   EventType = "POSITION_OPENED"
	EventPositionBuilding EventType = "POSITION_BUILDING"
	EventPositionClosed   EventType = "POSITION_CLOSED"
	EventPartialClose     EventType = "PARTIAL_CLOSE"
	EventSignalGenerated  EventType = "SIGNAL_GENERATED"
	EventSignalRejected   EventType = "SIGNAL_REJECTED"
	EventModeSwitched     EventType = "MODE_SWITCHED"
	EventRegimeDetected   EventType = "REGIME_DETECTED"
	EventCircuitBreaker   EventType = "CIRCUIT_BREAKER"
	EventEmergency        EventType = "EMERGENCY"
	EventConfigReloaded   EventType = "CONFIG_RELOADED"
	EventError            EventType = "ERROR"
)

// Event represents one engine event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus fans events out to subscribers. Handlers run in their own goroutine so
// publishers never block on a slow subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(t EventType, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], s)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, s)
}

// Publish sends an event to all subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishModeSwitch publishes a mode switch event.
func (b *Bus) PublishModeSwitch(from, to, reason string, signal string, strength float64) {
	b.Publish(Event{
		Type: EventModeSwitched,
		Data: map[string]interface{}{
			"from":     from,
			"to":       to,
			"reason":   reason,
			"signal":   signal,
			"strength": strength,
		},
	})
}

// PublishCircuitBreaker publishes a circuit breaker state change.
func (b *Bus) PublishCircuitBreaker(name, action, reason string) {
	b.Publish(Event{
		Type: EventCircuitBreaker,
		Data: map[string]interface{}{
			"breaker": name,
			"action":  action,
			"reason":  reason,
		},
	})
}

// PublishError publishes an error event.
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventError, Data: data})
}

// ============================================================================
// Force-close requests
//
// The risk layer and the decision brain never close positions themselves: they
// publish a ForceCloseRequest and the exit optimizer, the single closer,
// consumes it. This breaks the brain→trader back-pointer cycle.
// ============================================================================

// ForceCloseRequest asks the exit optimizer to close positions.
type ForceCloseRequest struct {
	// Side is "LONG" or "SHORT"; empty means both sides.
	Side string
	// Symbol restricts the request to one symbol; empty means all symbols.
	Symbol string
	// Reason is persisted into the close order notes.
	Reason string
	At     time.Time
}

// ForceCloseQueue is a buffered channel of force-close requests with
// non-blocking publish. A full queue drops the oldest request first; the
// supervisor re-derives state from the database so a dropped request is
// recovered on the next tick.
type ForceCloseQueue struct {
	mu sync.Mutex
	ch chan ForceCloseRequest
}

// NewForceCloseQueue creates a queue with the given capacity.
func NewForceCloseQueue(capacity int) *ForceCloseQueue {
	if capacity <= 0 {
		capacity = 16
	}
	return &ForceCloseQueue{ch: make(chan ForceCloseRequest, capacity)}
}

// Push enqueues a request without blocking.
func (q *ForceCloseQueue) Push(req ForceCloseRequest) {
	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- req:
			return
		default:
			select {
			case <-q.ch:
			default:
			}
		}
	}
}

// C exposes the receive side for the exit optimizer.
func (q *ForceCloseQueue) C() <-chan ForceCloseRequest {
	return q.ch
}
