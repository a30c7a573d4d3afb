package stream

import (
	"context"
	"sync"

	"marketplace/pkg/events"
)

const defaultBuffer = 32

// Hub fans committed order events out to live subscribers. Each subscriber
// only sees events for its own actor. Slow subscribers drop events rather
// than block the publishing request.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan events.Event]string
	closed bool
}

var _ events.Publisher = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: map[chan events.Event]string{}}
}

func (h *Hub) Subscribe(actor string, buffer int) chan events.Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan events.Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = actor
	return ch
}

func (h *Hub) Unsubscribe(ch chan events.Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(_ context.Context, evt events.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, actor := range h.subs {
		if actor != evt.Actor {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Close ends every subscription. Later subscribers get a closed channel.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = map[chan events.Event]string{}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
