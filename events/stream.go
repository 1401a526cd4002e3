package events

import (
	"context"
	"sync"
)

// streamHandler forwards events into a channel. Events are dropped rather
// than stalling the bus when the reader falls behind.
type streamHandler struct {
	ch      chan Event
	mu      sync.Mutex
	closed  bool
	dropped int
}

func (h *streamHandler) Handle(_ context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	select {
	case h.ch <- event:
	default:
		h.dropped++
	}
	return nil
}

// Stream subscribes to every event of one session (of all sessions when
// sessionID is empty). The returned cancel func unsubscribes and closes
// the channel; it is safe to call more than once.
func (eb *EventBus) Stream(sessionID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	h := &streamHandler{ch: make(chan Event, buffer)}
	id := eb.SubscribeSession(sessionID, TypeAll, h)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			eb.Unsubscribe(id)
			h.mu.Lock()
			h.closed = true
			close(h.ch)
			h.mu.Unlock()
		})
	}
	return h.ch, cancel
}
