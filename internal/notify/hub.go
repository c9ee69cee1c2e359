// Package notify fans state snapshots out to subscribers.
package notify

import "sync"

// Hub delivers published values to every subscriber. Each subscriber channel
// holds at most one value; a slow reader sees only the newest one.
type Hub[T any] struct {
	mu      sync.Mutex
	subs    map[chan T]struct{}
	changed chan struct{}
	closed  bool
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{
		subs:    make(map[chan T]struct{}),
		changed: make(chan struct{}),
	}
}

// Publish never blocks.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	close(h.changed)
	h.changed = make(chan struct{})
	for ch := range h.subs {
		replaceLatest(ch, v)
	}
}

func replaceLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Changed returns a channel closed by the next Publish or by Close.
func (h *Hub[T]) Changed() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changed
}

// Subscribe registers a channel. It is closed by the returned func or Close.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
	close(h.changed)
}
