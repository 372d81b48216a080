// Package eventbus carries per-entity state to subscribers: each subscriber
// first receives the snapshot current at subscription time, then every later
// update in publish order. Delivery is queued per subscriber so a slow
// consumer never blocks the producer; a subscriber that falls a full queue
// behind is dropped instead.
package eventbus

import (
	"encoding/json"
	"net/http"
	"sync"
)

// queueDepth is the per-subscriber buffer. State updates are tiny
// last-write-wins unions, so a small window is enough.
const queueDepth = 16

// Bus holds one entity's current state and its subscriber set.
type Bus[T any] struct {
	mu     sync.Mutex
	state  T
	closed bool
	subs   []*Subscriber[T]
}

func New[T any](initial T) *Bus[T] {
	return &Bus[T]{state: initial}
}

// State returns the current snapshot.
func (b *Bus[T]) State() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Publish installs update as the current state and fans it out. Subscribers
// whose queue is full are dropped (their channel closes); the producer never
// waits.
func (b *Bus[T]) Publish(update T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = update
	if b.closed {
		return
	}

	kept := b.subs[:0]
	for _, sub := range b.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- update:
			kept = append(kept, sub)
		default:
			sub.closed = true
			close(sub.ch)
		}
	}
	b.subs = kept
}

// Subscribe attaches a new subscriber whose first delivered message is the
// snapshot at this instant; there is no gap between it and later updates.
func (b *Bus[T]) Subscribe() *Subscriber[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber[T]{bus: b, ch: make(chan T, queueDepth)}
	sub.ch <- b.state

	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}

	b.subs = append(b.subs, sub)
	return sub
}

// Close ends the stream for every subscriber. The state last published stays
// readable via State.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	b.subs = nil
}

// Subscriber is one attached consumer. Receive from C; a closed C means the
// entity was torn down or this consumer fell too far behind.
type Subscriber[T any] struct {
	bus    *Bus[T]
	ch     chan T
	closed bool
}

func (s *Subscriber[T]) C() <-chan T { return s.ch }

// Close detaches the subscriber; idempotent.
func (s *Subscriber[T]) Close() {
	b := s.bus

	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)

	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

// ServeSSE streams the bus to an HTTP client as server-sent events, one
// `data:` line per state, until the client disconnects or the bus closes.
func ServeSSE[T any](w http.ResponseWriter, r *http.Request, bus *Bus[T]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return

		case state, ok := <-sub.C():
			if !ok {
				return
			}
			body, err := json.Marshal(state)
			if err != nil {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(body); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
