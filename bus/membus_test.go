package bus

import (
	"testing"
	"time"

	"github.com/flowscope/flowscope/sim"
)

func event(runID string, seq uint64, kind sim.EventKind) sim.Event {
	return sim.Event{
		Kind:  kind,
		RunID: runID,
		Time:  time.Now(),
		Seq:   seq,
	}
}

func recvEvent(t *testing.T, sub Subscription) sim.Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return sim.Event{}
}

func TestMemBusRoutesByRun(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	subA := b.Subscribe("run-a")
	defer subA.Close()
	subB := b.Subscribe("run-b")
	defer subB.Close()

	b.Publish(event("run-a", 1, sim.EventRunStarted))
	b.Publish(event("run-b", 1, sim.EventRunStarted))

	if e := recvEvent(t, subA); e.RunID != "run-a" {
		t.Errorf("subA got event for run %q", e.RunID)
	}
	if e := recvEvent(t, subB); e.RunID != "run-b" {
		t.Errorf("subB got event for run %q", e.RunID)
	}

	select {
	case e := <-subA.Events():
		t.Errorf("subA got extra event: %+v", e)
	default:
	}
}

func TestMemBusSubscribeAllSeesEveryRun(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	all := b.SubscribeAll()
	defer all.Close()

	b.Publish(event("run-a", 1, sim.EventRunStarted))
	b.Publish(event("run-b", 1, sim.EventRunStarted))

	seen := map[string]bool{}
	seen[recvEvent(t, all).RunID] = true
	seen[recvEvent(t, all).RunID] = true
	if !seen["run-a"] || !seen["run-b"] {
		t.Errorf("expected events from both runs, saw %v", seen)
	}
}

func TestMemBusDropsWhenSubscriberFull(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 2})
	defer b.Close()

	sub := b.Subscribe("run-a")
	defer sub.Close()

	for seq := uint64(1); seq <= 5; seq++ {
		b.Publish(event("run-a", seq, sim.EventRunData))
	}

	// Only the first two fit, the rest were dropped without blocking.
	if e := recvEvent(t, sub); e.Seq != 1 {
		t.Errorf("expected seq 1, got %d", e.Seq)
	}
	if e := recvEvent(t, sub); e.Seq != 2 {
		t.Errorf("expected seq 2, got %d", e.Seq)
	}
	select {
	case e := <-sub.Events():
		t.Errorf("expected no more events, got seq %d", e.Seq)
	default:
	}
}

func TestMemBusClosedSubscriptionStopsReceiving(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-a")
	if err := sub.Close(); err != nil {
		t.Fatalf("closing subscription: %v", err)
	}

	// Must not panic on the closed channel.
	b.Publish(event("run-a", 1, sim.EventRunStarted))

	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed channel after Close")
	}
}

func TestMemBusCloseShutsDownSubscribers(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.Subscribe("run-a")

	if err := b.Close(); err != nil {
		t.Fatalf("closing bus: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("expected subscription channel closed with the bus")
	}

	// Publish and double close on a closed bus are no-ops.
	b.Publish(event("run-a", 1, sim.EventRunStarted))
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMemBusSubscribeAfterClose(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	_ = b.Close()

	sub := b.Subscribe("run-a")
	if _, ok := <-sub.Events(); ok {
		t.Error("expected an already-closed subscription")
	}
}
