// Package bus is the in-process event bus the chat core publishes lifecycle
// and message events on.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"marketchat/internal/domain"
)

// Event is a chat event published to local subscribers.
type Event struct {
	Type      string
	Source    string
	UserID    string         // session events: the user; message.read: the reader
	Message   domain.Message // message events only
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a synchronous topic-based publish/subscribe bus.
// Handlers subscribed to "*" receive every event.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	nextID   uint64
	logger   *slog.Logger
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for the given event type and returns its id for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "#" + strconv.FormatUint(eb.nextID, 10)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit calls every matching handler in registration order before returning.
// A panicking handler is logged and does not stop the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

const (
	EventSessionOpened = "session.opened"
	EventSessionClosed = "session.closed"
	EventMessageSent   = "message.sent"
	EventMessageRead   = "message.read"
)
