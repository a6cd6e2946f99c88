package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"reflex/internal/logging"
)

// Handler receives events for one subscription. Handlers run on a dedicated
// goroutine per subscription, so a slow handler delays only its own queue.
type Handler func(Event)

// SubscriptionID identifies one subscription for Unsubscribe.
type SubscriptionID uint64

// Config controls bus behavior.
type Config struct {
	// SubscriberBuffer is the per-subscription delivery queue depth. When a
	// queue is full new events for that subscriber are dropped and counted.
	SubscriberBuffer int

	// Log, when non-nil, receives every published event (fire and forget).
	Log *EventLog
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{SubscriberBuffer: 256}
}

type subscription struct {
	id      SubscriptionID
	pattern string
	handler Handler
	queue   chan Event
	done    chan struct{}
}

// Bus is the typed publish/subscribe hub. Publish dispatches to matching
// subscriptions in subscription order; per-subscription delivery order is
// publish order. The bus owns nothing - it only relays and optionally
// persists.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID atomic.Uint64
	closed bool

	config Config

	// Metrics
	published        atomic.Uint64
	deliveryFailures atomic.Uint64
	handlerPanics    atomic.Uint64
}

// NewBus creates a bus. cfg.Log may be nil to disable the durable log.
func NewBus(cfg Config) *Bus {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	return &Bus{config: cfg}
}

// Publish validates the event, appends it to the durable log, and dispatches
// it to every matching subscription. It returns only validation errors;
// handler errors and panics never reach the publisher.
//
// Publishing the same event twice yields two independent deliveries - the bus
// does not deduplicate.
func (b *Bus) Publish(e Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("publish rejected: %w", err)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		filled := New(e.Type, e.Severity, e.Payload)
		if e.ID == "" {
			e.ID = filled.ID
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = filled.Timestamp
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("publish rejected: bus closed")
	}

	b.published.Add(1)

	// Under the same lock as the closed check, so no publisher can reach the
	// log after Close has torn it down.
	if b.config.Log != nil {
		b.config.Log.Append(e)
	}

	for _, sub := range b.subs {
		if !MatchesPattern(sub.pattern, e.Type) {
			continue
		}
		select {
		case sub.queue <- e:
		default:
			// Slow subscriber: drop rather than block the publisher.
			b.deliveryFailures.Add(1)
			logging.BusWarn("Dropped event %s (%s) for slow subscription %d (pattern %q)",
				e.ID, e.Type, sub.id, sub.pattern)
		}
	}
	return nil
}

// Subscribe registers a handler for all events matching pattern.
func (b *Bus) Subscribe(pattern string, h Handler) (SubscriptionID, error) {
	if h == nil {
		return 0, fmt.Errorf("subscribe: nil handler")
	}
	if pattern == "" {
		return 0, fmt.Errorf("subscribe: empty pattern")
	}

	sub := &subscription{
		id:      SubscriptionID(b.nextID.Add(1)),
		pattern: pattern,
		handler: h,
		queue:   make(chan Event, b.config.SubscriberBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, fmt.Errorf("subscribe: bus closed")
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.deliver(sub)

	logging.BusDebug("Subscription %d registered for pattern %q", sub.id, pattern)
	return sub.id, nil
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
// Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.queue)
			return
		}
	}
}

// deliver drains one subscription queue, isolating handler panics so a
// broken subscriber cannot take down the dispatcher or its peers.
func (b *Bus) deliver(sub *subscription) {
	defer close(sub.done)
	for e := range sub.queue {
		b.invoke(sub, e)
	}
}

func (b *Bus) invoke(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.deliveryFailures.Add(1)
			logging.Get(logging.CategoryBus).Error(
				"Subscriber %d panicked handling %s (%s): %v", sub.id, e.ID, e.Type, r)
		}
	}()
	sub.handler(e)
}

// Close stops all subscriptions and flushes the durable log. Publish after
// Close returns an error.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.queue)
		<-sub.done
	}
	if b.config.Log != nil {
		b.config.Log.Close()
	}
	logging.Bus("Bus closed: published=%d failures=%d panics=%d",
		b.published.Load(), b.deliveryFailures.Load(), b.handlerPanics.Load())
}

// Stats holds bus counters.
type Stats struct {
	Subscriptions    int
	Published        uint64
	DeliveryFailures uint64
	HandlerPanics    uint64
}

// GetStats returns current counters.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Subscriptions:    n,
		Published:        b.published.Load(),
		DeliveryFailures: b.deliveryFailures.Load(),
		HandlerPanics:    b.handlerPanics.Load(),
	}
}
