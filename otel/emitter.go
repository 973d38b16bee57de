package otel

import (
	"github.com/flowscope/flowscope/sim"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace context.
// Events passing through pick up the TraceID and SpanID of the active run
// span. When no span is active, the event passes through unchanged.
func EnrichEmitter(emit sim.EventEmitter, tracing *TracingHandler) sim.EventEmitter {
	return func(e sim.Event) {
		if e.TraceID == "" && e.RunID != "" {
			sc := tracing.ActiveRunSpanContext(e.RunID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}
