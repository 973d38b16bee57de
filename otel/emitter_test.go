package otel_test

import (
	"testing"
	"time"

	flowotel "github.com/flowscope/flowscope/otel"
	"github.com/flowscope/flowscope/sim"
)

func TestEnrichEmitterAddsTraceContext(t *testing.T) {
	_, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	var captured []sim.Event
	emit := flowotel.EnrichEmitter(func(e sim.Event) {
		captured = append(captured, e)
	}, h)

	now := time.Now()
	h.Handle(sim.Event{Kind: sim.EventRunStarted, RunID: "run-1", Time: now})
	sc := h.ActiveRunSpanContext("run-1")

	emit(sim.Event{Kind: sim.EventRunProgress, RunID: "run-1", Time: now})

	if len(captured) != 1 {
		t.Fatalf("got %d events, want 1", len(captured))
	}
	if captured[0].TraceID != sc.TraceID().String() {
		t.Errorf("TraceID = %q, want %q", captured[0].TraceID, sc.TraceID().String())
	}
	if captured[0].SpanID != sc.SpanID().String() {
		t.Errorf("SpanID = %q, want %q", captured[0].SpanID, sc.SpanID().String())
	}
}

func TestEnrichEmitterPassThroughWithoutSpan(t *testing.T) {
	_, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	var captured []sim.Event
	emit := flowotel.EnrichEmitter(func(e sim.Event) {
		captured = append(captured, e)
	}, h)

	emit(sim.Event{Kind: sim.EventRunProgress, RunID: "no-span", Time: time.Now()})

	if len(captured) != 1 {
		t.Fatalf("got %d events, want 1", len(captured))
	}
	if captured[0].TraceID != "" || captured[0].SpanID != "" {
		t.Errorf("event gained trace context without a span: %+v", captured[0])
	}
}

func TestEnrichEmitterPreservesExistingTraceID(t *testing.T) {
	_, tp := newTestTracer()
	h := flowotel.NewTracingHandler(tp.Tracer("test"))

	var captured []sim.Event
	emit := flowotel.EnrichEmitter(func(e sim.Event) {
		captured = append(captured, e)
	}, h)

	now := time.Now()
	h.Handle(sim.Event{Kind: sim.EventRunStarted, RunID: "run-1", Time: now})

	emit(sim.Event{Kind: sim.EventRunProgress, RunID: "run-1", Time: now, TraceID: "preset"})

	if captured[0].TraceID != "preset" {
		t.Errorf("TraceID = %q, want the preset value kept", captured[0].TraceID)
	}
}
