package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/flowscope/flowscope/sim"
)

// MetricsHandler translates simulation run events into OpenTelemetry
// metrics: merged result batches, run failures, flushed mutations, and run
// durations.
type MetricsHandler struct {
	batches    metric.Int64Counter
	failures   metric.Int64Counter
	mutations  metric.Int64Counter
	runSeconds metric.Float64Histogram

	mu      sync.Mutex
	started map[string]time.Time
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	batches, err := meter.Int64Counter("flowscope.run.batches",
		metric.WithDescription("Number of merged result batches"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("flowscope.run.failures",
		metric.WithDescription("Number of failed simulation runs"),
	)
	if err != nil {
		return nil, err
	}

	mutations, err := meter.Int64Counter("flowscope.run.mutations",
		metric.WithDescription("Number of graph mutations applied to live runs"),
	)
	if err != nil {
		return nil, err
	}

	runSeconds, err := meter.Float64Histogram("flowscope.run.duration",
		metric.WithDescription("Wall-clock duration of a simulation run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		batches:    batches,
		failures:   failures,
		mutations:  mutations,
		runSeconds: runSeconds,
		started:    make(map[string]time.Time),
	}, nil
}

// Handle processes a simulation event and records the appropriate metrics.
// It plugs in wherever a sim.EventEmitter fans out.
func (h *MetricsHandler) Handle(e sim.Event) {
	switch e.Kind {
	case sim.EventRunStarted:
		h.mu.Lock()
		if _, exists := h.started[e.RunID]; !exists {
			h.started[e.RunID] = e.Time
		}
		h.mu.Unlock()
	case sim.EventRunData:
		h.batches.Add(context.Background(), 1, runAttrs(e))
	case sim.EventRunMutations:
		n := int64(1)
		if count, found := e.Payload["count"]; found {
			if c, ok := count.(int); ok {
				n = int64(c)
			}
		}
		h.mutations.Add(context.Background(), n, runAttrs(e))
	case sim.EventRunFailed:
		h.failures.Add(context.Background(), 1, runAttrs(e))
		h.recordDuration(e)
	case sim.EventRunFinished, sim.EventRunStopped:
		h.recordDuration(e)
	}
}

func (h *MetricsHandler) recordDuration(e sim.Event) {
	h.mu.Lock()
	start, ok := h.started[e.RunID]
	if ok {
		delete(h.started, e.RunID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.runSeconds.Record(context.Background(), e.Time.Sub(start).Seconds(),
		metric.WithAttributes(
			attribute.String("run_id", e.RunID),
			attribute.String("outcome", string(e.Kind)),
		))
}

func runAttrs(e sim.Event) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("run_id", e.RunID))
}
