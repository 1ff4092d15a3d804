package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type identifies a class of event on the bus
type Type string

const (
	ErrorClassified      Type = "error:classified"
	RecoveryStarted      Type = "error:recovery:started"
	RecoverySuccess      Type = "error:recovery:success"
	RecoveryFailed       Type = "error:recovery:failed"
	RecoveryRetry        Type = "error:recovery:retry"
	ErrorEscalated       Type = "error:escalated"
	CircuitOpened        Type = "circuit-breaker:opened"
	CircuitClosed        Type = "circuit-breaker:closed"
	CircuitHalfOpen      Type = "circuit-breaker:half-open"
	FallbackActivated    Type = "fallback:activated"
	FallbackDeactivated  Type = "fallback:deactivated"
	UserNotification     Type = "user:notification"
	NotificationDismiss  Type = "notification:dismissed"
	MessageQueued        Type = "message:queued"
	MessageSent          Type = "message:sent"
	MessageFailed        Type = "message:failed"
	MessageExpired       Type = "message:expired"
	BatchProcessing      Type = "batch:processing"
	BatchCompleted       Type = "batch:completed"
	QueueFull            Type = "queue:full"
	QueueFlushed         Type = "queue:flushed"
	StorageError         Type = "storage:error"
	HealthQualityChanged Type = "health:quality-changed"
	HealthLatencySpike   Type = "health:latency-spike"
	HealthUnstable       Type = "health:connection-unstable"
	HealthMetricsUpdated Type = "health:metrics-updated"
)

// Event is a single occurrence published on the bus
type Event struct {
	Type Type
	Time time.Time
	Data interface{}
}

// Handler consumes published events
type Handler func(Event)

// Subscription is the handle returned by Subscribe, used to unsubscribe
type Subscription struct {
	id    int
	event Type
}

// Bus is a synchronous observer registry. Publish dispatches to every
// handler registered for the event type; a panicking handler does not
// prevent the remaining handlers from running.
type Bus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	nextID int
	subs   map[Type]map[int]Handler
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[Type]map[int]Handler),
	}
}

// Subscribe registers a handler for an event type and returns a handle
// for unsubscribing.
func (b *Bus) Subscribe(event Type, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if b.subs[event] == nil {
		b.subs[event] = make(map[int]Handler)
	}
	b.subs[event][b.nextID] = handler

	return &Subscription{id: b.nextID, event: event}
}

// Unsubscribe removes a handler registration. Unsubscribing twice is a
// no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.subs[sub.event]; ok {
		delete(handlers, sub.id)
	}
}

// Publish dispatches an event synchronously to all registered handlers.
// The event time is filled in if unset.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[event.Type]))
	for _, h := range b.subs[event.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(event, h)
	}
}

func (b *Bus) dispatch(event Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	h(event)
}
