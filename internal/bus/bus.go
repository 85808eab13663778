// SPDX-License-Identifier: MIT

// Package bus implements the in-process typed event bus. Emission never
// blocks: when the central queue is full the oldest pending event is dropped
// so emergency paths are never back-pressured. Fan-out to subscribers is
// best-effort with a bounded per-subscriber backlog.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g1dev/g1d/internal/log"
	"github.com/g1dev/g1d/internal/metrics"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

const (
	defaultQueueSize      = 1024
	defaultSubscriberSize = 64
)

// Event is an immutable, timestamped notification. Values are copied on
// emission; subscribers must not mutate the payload.
type Event struct {
	Type        string         `json:"type"`
	When        time.Time      `json:"timestamp"`
	Source      string         `json:"source,omitempty"`
	Target      string         `json:"target,omitempty"`
	Correlation string         `json:"correlation,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Subscription is a handle to a registered subscriber. Close unregisters it
// and closes the delivery channel.
type Subscription struct {
	id    uint64
	bus   *Bus
	types map[string]struct{} // nil means wildcard
	ch    chan Event
	once  sync.Once
}

// C returns the delivery channel. It is closed when the subscription or the
// bus shuts down.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.ch)
	})
}

func (s *Subscription) wants(eventType string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Bus is the bounded multi-producer fan-out fabric.
type Bus struct {
	queue chan Event

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	subSize int
	done    chan struct{}
	logger  zerolog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the central queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithSubscriberBuffer overrides the per-subscriber backlog capacity.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.subSize = n
		}
	}
}

// New creates a bus and starts its dispatcher goroutine.
func New(opts ...Option) *Bus {
	b := &Bus{
		queue:   make(chan Event, defaultQueueSize),
		subs:    make(map[uint64]*Subscription),
		subSize: defaultSubscriberSize,
		done:    make(chan struct{}),
		logger:  log.WithComponent("bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.dispatch()
	return b
}

// Emit enqueues the event without blocking. If the queue is full the oldest
// pending event is discarded to make room.
func (b *Bus) Emit(e Event) {
	if e.Type == "" {
		return
	}
	if e.When.IsZero() {
		e.When = time.Now()
	}
	metrics.BusEmittedTotal.WithLabelValues(e.Type).Inc()

	for {
		select {
		case b.queue <- e:
			return
		default:
		}
		select {
		case dropped := <-b.queue:
			metrics.IncBusDrop(dropped.Type, "queue_full")
		default:
		}
	}
}

// Pending reports the central queue depth.
func (b *Bus) Pending() int {
	return len(b.queue)
}

// Subscribe registers a subscriber for the given event types. An empty list
// or the single type "*" subscribes to everything.
func (b *Bus) Subscribe(types ...string) *Subscription {
	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, b.subSize),
	}
	if len(types) > 0 && !(len(types) == 1 && types[0] == Wildcard) {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// dispatch is the single consumer of the central queue. Running fan-out on
// one goroutine preserves per-type emission order for every subscriber.
func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case e := <-b.queue:
			b.fanout(e)
		}
	}
}

func (b *Bus) fanout(e Event) {
	// The lock is held across delivery so Close cannot close a channel
	// mid-send. Delivery never blocks, so the critical section is short.
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		for {
			select {
			case sub.ch <- e:
			default:
				// Slow subscriber: drop its oldest backlog entry only.
				select {
				case dropped := <-sub.ch:
					metrics.IncBusDrop(dropped.Type, "subscriber_full")
				default:
				}
				continue
			}
			break
		}
	}
}

// Close stops the dispatcher and closes all subscriber channels. Emit after
// Close is a no-op beyond filling the dead queue.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	close(b.done)
	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
	b.logger.Debug().Str("event", "bus.closed").Msg("event bus closed")
}
