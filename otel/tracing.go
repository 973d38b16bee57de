// Package otel provides OpenTelemetry integration for FlowScope simulation
// run events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowscope/flowscope/sim"
)

// TracingHandler translates simulation run events into OpenTelemetry spans.
// Each run gets one span covering its whole streaming lifecycle; continued
// segments and mutation batches are recorded as span events on it.
type TracingHandler struct {
	tracer trace.Tracer

	mu       sync.RWMutex
	runSpans map[string]trace.Span
	runCtxs  map[string]context.Context
}

// NewTracingHandler creates a TracingHandler that uses the given tracer to
// create spans from simulation events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:   tracer,
		runSpans: make(map[string]trace.Span),
		runCtxs:  make(map[string]context.Context),
	}
}

// Handle processes a simulation event and creates or ends spans
// accordingly. It plugs in wherever a sim.EventEmitter fans out.
func (h *TracingHandler) Handle(e sim.Event) {
	switch e.Kind {
	case sim.EventRunStarted:
		h.handleRunStarted(e)
	case sim.EventRunMutations:
		h.handleMutations(e)
	case sim.EventRunFinished, sim.EventRunStopped:
		h.endRun(e, codes.Ok, "")
	case sim.EventRunFailed:
		errMsg := "run failed"
		if msg, found := e.Payload["error"]; found {
			if s, ok := msg.(string); ok {
				errMsg = s
			}
		}
		h.endRun(e, codes.Error, errMsg)
	}
}

// handleRunStarted creates the root span for a run. A continued run keeps
// its original span and records the continuation on it.
func (h *TracingHandler) handleRunStarted(e sim.Event) {
	h.mu.RLock()
	span, exists := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if exists {
		span.AddEvent("run.continued", trace.WithTimestamp(e.Time))
		return
	}

	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(
			attribute.String("flowscope.run_id", e.RunID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// handleMutations records a flushed mutation batch as a span event.
func (h *TracingHandler) handleMutations(e sim.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{}
	if count, found := e.Payload["count"]; found {
		if n, ok := count.(int); ok {
			attrs = append(attrs, attribute.Int("flowscope.mutation_count", n))
		}
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// endRun closes the run span with the terminal status.
func (h *TracingHandler) endRun(e sim.Event, code codes.Code, errMsg string) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("flowscope.outcome", string(e.Kind)))
	if code == codes.Error {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveRunSpanContext returns the SpanContext for the active run span.
// Returns an empty SpanContext if the run has no live span.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// RunContext returns the context carrying the run span, for starting child
// spans around backend operations. Falls back to context.Background when
// the run has no live span.
func (h *TracingHandler) RunContext(runID string) context.Context {
	h.mu.RLock()
	ctx, ok := h.runCtxs[runID]
	h.mu.RUnlock()
	if !ok {
		return context.Background()
	}
	return ctx
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
