package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the queue is full and the event was dropped.
	ErrChannelFull = errors.New("event queue is full")
	// ErrNoHandler indicates no subscription matches the event.
	ErrNoHandler = errors.New("no subscriber for event")
)

// Event types published by the workflow engine.
const (
	TypeStateChanged      = "state_changed"
	TypeStageCompleted    = "stage_completed"
	TypePendingApproval   = "pending_approval"
	TypeWorkflowCompleted = "workflow_completed"
	TypeErrorOccurred     = "error_occurred"

	// TypeAll subscribes to every event type.
	TypeAll = "*"
)

// Types lists every event type the engine emits.
func Types() []string {
	return []string{
		TypeStateChanged,
		TypeStageCompleted,
		TypePendingApproval,
		TypeWorkflowCompleted,
		TypeErrorOccurred,
	}
}

// Event is one session transition. Seq is assigned by the bus and grows
// in delivery order.
type Event struct {
	Seq       uint64                 `json:"seq"`
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
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

// Subscription identifies a registered handler for Unsubscribe.
type Subscription uint64

type subscriber struct {
	id        Subscription
	eventType string
	sessionID string
	handler   EventHandler
}

func (s subscriber) matches(event Event) bool {
	if s.eventType != TypeAll && s.eventType != event.Type {
		return false
	}
	return s.sessionID == "" || s.sessionID == event.SessionID
}

// EventBus delivers events to subscribers in publish order. Each event's
// handlers run concurrently, and the next event waits for all of them.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID Subscription

	sendMu sync.Mutex
	seq    uint64
	queue  chan Event

	handlerTimeout time.Duration
	errHandler     func(event Event, err error)
	errHandlerMu   sync.RWMutex

	wg      sync.WaitGroup
	closed  bool
	closeMu sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the queue size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.queue = make(chan Event, size)
	}
}

// WithHandlerTimeout bounds each handler call. Zero means no bound.
func WithHandlerTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) { eb.handlerTimeout = d }
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// WithLogger routes handler errors to logger.
func WithLogger(logger *slog.Logger) EventBusOption {
	return WithErrorHandler(func(event Event, err error) {
		logHandlerError(logger, event, err)
	})
}

// NewEventBus creates a bus and starts its delivery goroutine. The default
// queue holds 1024 events and handlers get 5 seconds each.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		queue:          make(chan Event, 1024),
		handlerTimeout: 5 * time.Second,
		errHandler:     defaultErrorHandler,
	}

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

func (eb *EventBus) add(eventType, sessionID string, handler EventHandler) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.subs = append(eb.subs, subscriber{
		id:        eb.nextID,
		eventType: eventType,
		sessionID: sessionID,
		handler:   handler,
	})
	return eb.nextID
}

// Subscribe registers handler for eventType, or for everything with TypeAll.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) Subscription {
	return eb.add(eventType, "", handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) Subscription {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// SubscribeSession is Subscribe restricted to one session's events.
func (eb *EventBus) SubscribeSession(sessionID, eventType string, handler EventHandler) Subscription {
	return eb.add(eventType, sessionID, handler)
}

// Unsubscribe removes a subscription. It reports whether it was registered.
func (eb *EventBus) Unsubscribe(id Subscription) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return true
		}
	}
	return false
}

// HasSubscribers reports whether any subscription would receive event.
func (eb *EventBus) HasSubscribers(event Event) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, s := range eb.subs {
		if s.matches(event) {
			return true
		}
	}
	return false
}

// Publish queues event for asynchronous delivery and never blocks: a full
// queue drops the event with ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	// Hold the read lock through the send so Stop cannot close the queue under us.
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	if !eb.HasSubscribers(event) {
		return ErrNoHandler
	}

	eb.sendMu.Lock()
	defer eb.sendMu.Unlock()
	event.Seq = eb.seq + 1
	select {
	case eb.queue <- event:
		eb.seq++
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers event on the caller's goroutine, bypassing the
// queue, and returns every handler error. It does not consume a sequence
// number.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	handlers := eb.snapshot(event)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	return eb.executeHandlers(ctx, handlers, event)
}

// Stop discards queued events, stops delivery and waits for the event in
// flight. Calling it again is a no-op.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.queue) > 0 {
			<-eb.queue
		}
		close(eb.queue)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) snapshot(event Event) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []EventHandler
	for _, s := range eb.subs {
		if s.matches(event) {
			out = append(out, s.handler)
		}
	}
	return out
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.queue {
		handlers := eb.snapshot(event)
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

// executeHandlers runs handlers concurrently and collects their errors.
// A panicking handler is reported as an error.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	if eb.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eb.handlerTimeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("event handler panic: %v", r)
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

func logHandlerError(logger *slog.Logger, event Event, err error) {
	logger.Error("event handler failed",
		"event_type", event.Type,
		"session_id", event.SessionID,
		"seq", event.Seq,
		"error", err,
		"stack", string(debug.Stack()),
	)
}

func defaultErrorHandler(event Event, err error) {
	logHandlerError(slog.Default(), event, err)
}
