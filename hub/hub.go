// Package hub fans the ingestion engine's diff stream out to push
// subscribers and defines the polling fallback contract for consumers that
// lose their push channel.
//
// Consistency contract: a subscriber connected continuously since time T
// receives every diff applied since T, in engine-apply order. A subscriber
// that is dropped (overflow, cancel, shutdown) must resynchronize through
// the pull interface before trusting subsequent push diffs; the hub never
// attempts gap-filling on its own.
package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iansokolskyi/celery-flow/graph"
)

// Polling fallback intervals for consumers without a live subscription.
const (
	// DefaultPollInterval is the suggested pull interval for task and
	// graph queries while disconnected from the push channel.
	DefaultPollInterval = 5 * time.Second

	// RegistryPollInterval is the suggested pull interval for registry
	// (task name) queries; names change far less often than states.
	RegistryPollInterval = 30 * time.Second
)

// DefaultBuffer is the per-subscriber diff buffer used when Subscribe is
// called with a non-positive size.
const DefaultBuffer = 64

// Errors reported by Subscription.Err after the event channel closes.
var (
	// ErrResyncRequired indicates the subscriber's buffer overflowed and
	// its feed was dropped. The consumer must re-pull current state before
	// trusting further push diffs.
	ErrResyncRequired = errors.New("subscriber lagged, resync required")

	// ErrClosed indicates the hub shut down.
	ErrClosed = errors.New("hub closed")
)

// Hub manages the set of active subscribers. Fan-out is independent per
// subscriber: a slow subscriber only ever loses its own feed, never blocks
// ingestion or its peers.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	closed bool
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[uuid.UUID]*Subscription)}
}

// Subscribe registers a new subscriber receiving diffs applied from this
// moment on. buffer bounds the subscriber's queue; non-positive selects
// DefaultBuffer. Returns ErrClosed if the hub has shut down.
func (h *Hub) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{
		id:  uuid.New(),
		hub: h,
		ch:  make(chan graph.Diff, buffer),
	}
	h.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers a diff to every subscriber without blocking. A
// subscriber whose buffer is full is dropped with ErrResyncRequired.
func (h *Hub) Publish(d graph.Diff) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		select {
		case sub.ch <- d:
		default:
			sub.err = ErrResyncRequired
			close(sub.ch)
			delete(h.subs, id)
		}
	}
}

// Close drops every subscriber with ErrClosed. Subscribers drain their
// buffered diffs and then observe the terminal disconnect; nobody is left
// silently stalled.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.err = ErrClosed
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Subscription is one subscriber's bounded diff feed.
type Subscription struct {
	id  uuid.UUID
	hub *Hub
	ch  chan graph.Diff
	err error // written under hub.mu before ch is closed
}

// ID returns the subscriber's unique id.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Events returns the diff channel. It is closed when the subscription
// ends; check Err afterwards for the reason.
func (s *Subscription) Events() <-chan graph.Diff {
	return s.ch
}

// Err reports why the subscription ended: ErrResyncRequired after
// overflow, ErrClosed after hub shutdown, nil after Cancel. Only valid
// once the Events channel is closed.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Cancel unsubscribes. Safe to call more than once and after the
// subscription has already ended.
func (s *Subscription) Cancel() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	if _, ok := s.hub.subs[s.id]; !ok {
		return
	}
	close(s.ch)
	delete(s.hub.subs, s.id)
}
