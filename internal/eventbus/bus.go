// Package eventbus implements the gateway's single domain-event broadcast
// channel: non-blocking send, lossy on a lagging consumer, many consumers.
package eventbus

import (
	"sync"

	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/log"
)

// subscriberBuffer bounds how far a consumer may lag before it is
// considered lagged and skips forward to the newest event.
const subscriberBuffer = 64

// Subscription is a consumer's view of the bus.
type Subscription struct {
	events chan domain.DomainEvent
	lagged chan struct{}
	bus    *Bus
	id     uint64
}

// Events returns the channel of delivered events.
func (s *Subscription) Events() <-chan domain.DomainEvent { return s.events }

// Lagged fires (empty struct sent, never closed) each time this subscriber
// missed events because its buffer was full. Consumers must reconcile
// against repository state on receipt.
func (s *Subscription) Lagged() <-chan struct{} { return s.lagged }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus is the process-wide domain event bus. Zero value is not usable; use
// New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      uint64
}

// New returns a ready Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[uint64]*Subscription)}
}

// Subscribe attaches a new consumer. Send is non-blocking from the
// publisher's perspective regardless of how many subscribers exist.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		events: make(chan domain.DomainEvent, subscriberBuffer),
		lagged: make(chan struct{}, 1),
		bus:    b,
		id:     b.nextID,
	}
	b.subscribers[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.events)
		delete(b.subscribers, id)
	}
}

// Publish sends an event to every subscriber. If no receivers are attached
// the send silently succeeds. A subscriber whose buffer is full is notified
// via Lagged() and loses its oldest buffered event to make room for this
// one; the publisher never blocks.
func (b *Bus) Publish(evt domain.DomainEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub.events <- evt:
		default:
			select {
			case <-sub.events:
			default:
			}
			select {
			case sub.events <- evt:
			default:
			}
			select {
			case sub.lagged <- struct{}{}:
			default:
			}
			log.Debugf("eventbus: subscriber %d lagged on %s", sub.id, evt.TypeName())
		}
	}
}

// Close tears down every subscription. Intended for process shutdown only.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.events)
		delete(b.subscribers, id)
	}
}
