// Package bus fans simulation run events out to observers. The execution
// controller publishes; the SSE handler, the event store, and telemetry
// subscribe without knowing about each other.
package bus

import "github.com/flowscope/flowscope/sim"

// EventBus distributes run events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event sim.Event)

	// Subscribe registers a subscriber for a single run. The returned
	// Subscription must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber for events of every run.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription is a live feed of events from the bus.
type Subscription interface {
	// Events returns the subscription's event channel.
	Events() <-chan sim.Event

	// Close unsubscribes and releases resources.
	Close() error
}
