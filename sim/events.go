// Package sim drives streaming simulation runs: it lowers the graph,
// executes the setup script on the active backend, steps the simulation
// through the streaming protocol, and merges incremental results into one
// accumulated result at a bounded update rate.
package sim

import "time"

// EventKind identifies the type of event emitted during a run.
type EventKind string

const (
	// EventRunStarted is emitted when a streaming run begins.
	EventRunStarted EventKind = "run.started"

	// EventRunProgress is emitted when the simulation reports progress.
	EventRunProgress EventKind = "run.progress"

	// EventRunData is emitted after each merge tick that changed the
	// accumulated result. High-frequency producers are coalesced into
	// one event per tick.
	EventRunData EventKind = "run.data"

	// EventRunStdout carries a line of script stdout.
	EventRunStdout EventKind = "run.stdout"

	// EventRunStderr carries a line of script stderr.
	EventRunStderr EventKind = "run.stderr"

	// EventRunMutations is emitted when a queued mutation batch is
	// applied to the session.
	EventRunMutations EventKind = "run.mutations"

	// EventRunStopped is emitted when the user stopped the run.
	EventRunStopped EventKind = "run.stopped"

	// EventRunFinished is emitted when the run completed naturally.
	EventRunFinished EventKind = "run.finished"

	// EventRunFailed is emitted when the run ended with an error.
	EventRunFailed EventKind = "run.failed"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Terminal reports whether the kind ends a run.
func (k EventKind) Terminal() bool {
	switch k {
	case EventRunStopped, EventRunFinished, EventRunFailed:
		return true
	}
	return false
}

// Event is a structured, streamable record of what happened during a run.
// Events are kept small; the accumulated result lives on the controller,
// not in event payloads.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// Time is when the event occurred.
	Time time.Time

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// Payload contains event-specific data.
	Payload map[string]any

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when
	// tracing is inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when
	// tracing is inactive).
	SpanID string
}

// NewEvent creates an event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithPayload sets one payload entry.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter receives events as they occur. Implementations must not
// block; slow consumers sit behind a bus or a throttled emitter.
type EventEmitter func(Event)
