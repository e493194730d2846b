// Package stream fans ledger events out to live subscribers.
package stream

import (
	"context"
	"sync"

	"reqledger/pkg/idempotency"
)

const DefaultBuffer = 32

// Hub delivers each published event to every subscriber without blocking.
// A subscriber whose buffer is full misses the event. The last few events
// are retained so a new subscriber can catch up.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan idempotency.Event]struct{}
	recent  []idempotency.Event
	keep    int
	dropped int64
}

func NewHub(keep int) *Hub {
	if keep < 0 {
		keep = 0
	}
	return &Hub{subs: map[chan idempotency.Event]struct{}{}, keep: keep}
}

func (h *Hub) Subscribe(buffer int) chan idempotency.Event {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan idempotency.Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan idempotency.Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt idempotency.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.keep > 0 {
		h.recent = append(h.recent, evt)
		if over := len(h.recent) - h.keep; over > 0 {
			h.recent = append(h.recent[:0], h.recent[over:]...)
		}
	}
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped++
		}
	}
}

// Observe lets the hub be registered directly as an engine observer.
func (h *Hub) Observe(_ context.Context, evt idempotency.Event) {
	h.Publish(evt)
}

// Recent returns up to limit retained events, oldest first.
func (h *Hub) Recent(limit int) []idempotency.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := 0
	if limit > 0 && len(h.recent) > limit {
		start = len(h.recent) - limit
	}
	out := make([]idempotency.Event, len(h.recent)-start)
	copy(out, h.recent[start:])
	return out
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
