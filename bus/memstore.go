package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/flowscope/flowscope/sim"
)

// MemEventStore keeps run events in memory. Intended for tests and for
// server deployments that do not need history across restarts.
type MemEventStore struct {
	mu   sync.RWMutex
	runs map[string][]sim.Event
}

// NewMemEventStore creates an empty in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{runs: make(map[string][]sim.Event)}
}

// Append stores one event. A run's events arrive with increasing sequence
// numbers, so each run's slice stays sorted by Seq.
func (s *MemEventStore) Append(_ context.Context, event sim.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[event.RunID] = append(s.runs[event.RunID], event)
	return nil
}

// List returns events with Seq > afterSeq, at most limit of them.
func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]sim.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.runs[runID]
	start := sort.Search(len(log), func(i int) bool { return log[i].Seq > afterSeq })
	tail := log[start:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}

	out := make([]sim.Event, len(tail))
	copy(out, tail)
	return out, nil
}

// LatestSeq returns the highest stored sequence number for a run.
func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.runs[runID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Seq, nil
}

var _ EventStore = (*MemEventStore)(nil)
