package events

import (
	"context"
	"log/slog"
	"sync"
)

const subscriberBuffer = 16

// Hub is an in-process fan-out of events to per-identity subscribers.
// Slow subscribers lose events rather than blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

type subscription struct {
	ch chan Event
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe returns a channel of events for identity and a cancel func that
// must be called to release it.
func (h *Hub) Subscribe(identity string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	if h.subs[identity] == nil {
		h.subs[identity] = make(map[*subscription]struct{})
	}
	h.subs[identity][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[identity]; ok {
				if _, ok := set[sub]; ok {
					delete(set, sub)
					close(sub.ch)
				}
				if len(set) == 0 {
					delete(h.subs, identity)
				}
			}
		})
	}
	return sub.ch, cancel
}

// Subscribers returns the number of open subscriptions for identity
func (h *Hub) Subscribers(identity string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[identity])
}

// Publish delivers e to the subscribers of e.Identity without blocking
func (h *Hub) Publish(ctx context.Context, e Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[e.Identity] {
		select {
		case sub.ch <- e:
		default:
			slog.Warn("event subscriber is slow, dropping event",
				"identity", e.Identity,
				"type", e.Type,
			)
		}
	}
	return nil
}

// Close closes every subscription. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for identity, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(h.subs, identity)
	}
	h.closed = true
}
