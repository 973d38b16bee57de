package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowscope/flowscope/sim"
)

func TestMemEventStoreListAfterSeq(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		if err := s.Append(ctx, event("run-a", seq, sim.EventRunData)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Append(ctx, event("run-b", 1, sim.EventRunStarted)); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.List(ctx, "run-a", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events after seq 2, got %d", len(got))
	}
	if got[0].Seq != 3 || got[2].Seq != 5 {
		t.Errorf("expected seqs 3..5, got %d..%d", got[0].Seq, got[2].Seq)
	}
}

func TestMemEventStoreListLimit(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		_ = s.Append(ctx, event("run-a", seq, sim.EventRunData))
	}

	got, err := s.List(ctx, "run-a", 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[1].Seq != 2 {
		t.Errorf("expected first 2 events, got %+v", got)
	}
}

func TestMemEventStoreLatestSeq(t *testing.T) {
	s := NewMemEventStore()
	ctx := context.Background()

	if seq, _ := s.LatestSeq(ctx, "run-a"); seq != 0 {
		t.Errorf("expected 0 for empty run, got %d", seq)
	}

	_ = s.Append(ctx, event("run-a", 1, sim.EventRunStarted))
	_ = s.Append(ctx, event("run-a", 7, sim.EventRunFinished))

	if seq, _ := s.LatestSeq(ctx, "run-a"); seq != 7 {
		t.Errorf("expected 7, got %d", seq)
	}
}

func TestMemEventStoreUnknownRunIsEmpty(t *testing.T) {
	s := NewMemEventStore()
	got, err := s.List(context.Background(), "nope", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no events, got %d", len(got))
	}
}

// failStore always fails Append so StoreSubscriber's error path can be hit.
type failStore struct{}

func (failStore) Append(context.Context, sim.Event) error { return errors.New("disk full") }
func (failStore) List(context.Context, string, uint64, int) ([]sim.Event, error) {
	return nil, nil
}
func (failStore) LatestSeq(context.Context, string) (uint64, error) { return 0, nil }

func TestStoreSubscriberPersistsEvents(t *testing.T) {
	store := NewMemEventStore()
	sub := NewStoreSubscriber(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var emit sim.EventEmitter = sub.Handle
	emit(sim.Event{Kind: sim.EventRunStarted, RunID: "run-a", Seq: 1, Time: time.Now()})
	emit(sim.Event{Kind: sim.EventRunFinished, RunID: "run-a", Seq: 2, Time: time.Now()})

	got, err := store.List(context.Background(), "run-a", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 stored events, got %d", len(got))
	}
}

func TestStoreSubscriberSwallowsStoreErrors(t *testing.T) {
	sub := NewStoreSubscriber(failStore{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Must not panic or propagate.
	sub.Handle(sim.Event{Kind: sim.EventRunData, RunID: "run-a", Seq: 1})
}
