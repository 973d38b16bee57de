package bus

import (
	"context"
	"log/slog"

	"github.com/flowscope/flowscope/sim"
)

// EventStore persists run events so a late or reconnecting client can
// replay the history it missed.
type EventStore interface {
	// Append stores one event.
	Append(ctx context.Context, event sim.Event) error

	// List returns a run's events in sequence order. Only events with
	// Seq > afterSeq are returned (afterSeq 0 means from the start), at
	// most limit of them (limit 0 means all).
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]sim.Event, error)

	// LatestSeq returns the highest sequence number stored for a run,
	// or 0 when the run has no events.
	LatestSeq(ctx context.Context, runID string) (uint64, error)
}

// StoreSubscriber forwards events into an EventStore. Handle satisfies
// sim.EventEmitter, so it can sit directly on the controller's emit path.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{store: store, logger: logger}
}

// Handle persists one event. Storage failures are logged, not propagated;
// a broken store must not take the run down with it.
func (s *StoreSubscriber) Handle(event sim.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("persisting run event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}
