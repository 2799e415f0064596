package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the engine and the escalation scheduler.
const (
	RouteStarted    = "route_started"
	RouteDone       = "route_done"
	RouteCanceled   = "route_canceled"
	TaskAssigned    = "task_assigned"
	TaskEnded       = "task_ended"
	TaskReassigned  = "task_reassigned"
	TaskReminder    = "task_reminder"
	NodeSuspended   = "node_suspended"
	EscalationFired = "escalation_fired"

	// AllEvents subscribes a handler to every event type.
	AllEvents = "*"
)

// Event is a notification about a route instance.
type Event struct {
	Type        string
	InstanceID  uint64
	NodeID      string
	NodeStateID string
	TaskID      uint64
	Actor       string
	Recipients  []string
	At          time.Time
	Data        map[string]interface{}
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus dispatches events to subscribed handlers on a background goroutine.
type EventBus struct {
	handlers     map[string][]subscription
	nextID       uint64
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	logger       *zap.Logger
	timeout      time.Duration
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *zap.Logger) EventBusOption {
	return func(eb *EventBus) {
		eb.logger = logger
	}
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		eb.timeout = d
	}
}

// NewEventBus creates a new EventBus with async processing.
// The default buffer size is 100 and handler errors are logged.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]subscription),
		eventCh:  make(chan Event, 100),
		logger:   zap.NewNop(),
		timeout:  5 * time.Second,
	}
	eb.errHandler = eb.logError

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe registers a handler for an event type, or for every type with
// AllEvents. The returned ID can be passed to Unsubscribe.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) uint64 {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: eb.nextID, handler: handler})
	return eb.nextID
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) uint64 {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// Unsubscribe removes a subscription. It reports whether it was found.
func (eb *EventBus) Unsubscribe(eventType string, id uint64) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		eb.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
		if len(eb.handlers[eventType]) == 0 {
			delete(eb.handlers, eventType)
		}
		return true
	}
	return false
}

// HasSubscribers checks if any handler receives the given event type.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0 || len(eb.handlers[AllEvents]) > 0
}

// handlersFor returns the handlers of an event type followed by the
// wildcard handlers.
func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := eb.handlers[eventType]
	all := eb.handlers[AllEvents]
	out := make([]EventHandler, 0, len(subs)+len(all))
	for _, s := range subs {
		out = append(out, s.handler)
	}
	for _, s := range all {
		out = append(out, s.handler)
	}
	return out
}

// Publish enqueues an event for asynchronous delivery.
// Returns an error if the context is canceled, the bus is closed, no handler
// is subscribed or the channel is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s for instance %d", ErrChannelFull, event.Type, event.InstanceID)
	}
}

// PublishSync delivers an event to every handler and waits for them.
// Handler failures are combined into the returned error.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	handlers := eb.handlersFor(event.Type)
	if len(handlers) == 0 {
		return ErrNoHandler
	}
	return multierr.Combine(eb.executeHandlers(ctx, handlers, event)...)
}

// Stop stops the event processing goroutine after delivering queued events.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

// processEvents handles events asynchronously in a separate goroutine.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.handlersFor(event.Type)
		if len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers runs every handler concurrently and collects their errors.
// A panicking handler is reported as an error.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	ctx, cancel := context.WithTimeout(ctx, eb.timeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		zap.String("event", event.Type),
		zap.Uint64("instance", event.InstanceID),
		zap.String("node", event.NodeID),
		zap.Error(err),
	)
}
