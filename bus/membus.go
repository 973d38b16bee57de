package bus

import (
	"sync"

	"github.com/flowscope/flowscope/sim"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory EventBus. Delivery is non-blocking: a subscriber
// whose buffer is full misses the event rather than stalling the publisher.
type MemBus struct {
	mu      sync.Mutex
	subs    map[*memSub]struct{}
	bufSize int
	closed  bool
}

// NewMemBus creates an in-memory event bus.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[*memSub]struct{}),
		bufSize: bufSize,
	}
}

// Publish delivers the event to every subscription whose run filter
// matches. Publishing on a closed bus is a no-op.
func (b *MemBus) Publish(event sim.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.runID == "" || sub.runID == event.RunID {
			sub.deliver(event)
		}
	}
}

// Subscribe registers a subscriber for a specific run.
func (b *MemBus) Subscribe(runID string) Subscription {
	return b.attach(runID)
}

// SubscribeAll registers a subscriber that receives events from all runs.
func (b *MemBus) SubscribeAll() Subscription {
	return b.attach("")
}

func (b *MemBus) attach(runID string) *memSub {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memSub{
		bus:   b,
		runID: runID,
		ch:    make(chan sim.Event, b.bufSize),
	}
	if b.closed {
		// Hand back an already-closed subscription so callers need no
		// special case for late subscribes.
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Close shuts down the bus and every active subscription.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		sub.shutdown()
		delete(b.subs, sub)
	}
	return nil
}

// detach removes a subscription that closed itself.
func (b *MemBus) detach(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// memSub is a single subscriber. runID is the run filter, empty for all runs.
type memSub struct {
	bus   *MemBus
	runID string

	mu     sync.Mutex
	ch     chan sim.Event
	closed bool
}

// Events returns the subscription's event channel. The channel is closed
// when the subscription or the bus shuts down.
func (s *memSub) Events() <-chan sim.Event {
	return s.ch
}

// Close unsubscribes from the bus and closes the event channel.
func (s *memSub) Close() error {
	s.bus.detach(s)
	s.shutdown()
	return nil
}

func (s *memSub) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *memSub) deliver(event sim.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
