// Package sse streams run events to HTTP clients as Server-Sent Events.
// A connecting client first receives the stored history of its run, then
// live events from the bus until the run reaches a terminal state.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flowscope/flowscope/bus"
	"github.com/flowscope/flowscope/sim"
)

// HeartbeatInterval is the spacing of keep-alive comments on idle streams.
const HeartbeatInterval = 15 * time.Second

// SSEHandler serves "GET .../{run_id}/events" as an SSE stream. Each event
// goes out as
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// The replay cursor comes from the "after" query parameter or, on a
// browser reconnect, the Last-Event-ID header. Events already sent during
// replay are deduplicated against the live feed by sequence number.
type SSEHandler struct {
	store bus.EventStore
	bus   bus.EventBus
}

// NewSSEHandler creates an SSE handler over the given store and bus.
func NewSSEHandler(store bus.EventStore, eb bus.EventBus) *SSEHandler {
	return &SSEHandler{store: store, bus: eb}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	after, err := replayCursor(r)
	if err != nil {
		http.Error(w, "invalid after parameter", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before replaying so no event can fall between history
	// and the live feed.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := &streamWriter{w: w, flusher: flusher, lastSeq: after}

	ctx := r.Context()
	history, err := h.store.List(ctx, runID, after, 0)
	if err != nil {
		return
	}
	for _, e := range history {
		if ctx.Err() != nil {
			return
		}
		if done := out.send(e); done {
			return
		}
	}

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.Seq <= out.lastSeq {
				continue
			}
			if done := out.send(e); done {
				return
			}
		case <-heartbeat.C:
			if err := out.comment("ping"); err != nil {
				return
			}
		}
	}
}

// replayCursor reads the last-seen sequence number from the request. The
// explicit query parameter wins over the reconnect header.
func replayCursor(r *http.Request) (uint64, error) {
	if v := r.URL.Query().Get("after"); v != "" {
		return strconv.ParseUint(v, 10, 64)
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		// A malformed reconnect header starts the stream from zero
		// instead of failing the request.
		if seq, err := strconv.ParseUint(v, 10, 64); err == nil {
			return seq, nil
		}
	}
	return 0, nil
}

// streamWriter writes SSE frames and tracks the highest sequence sent.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	lastSeq uint64
}

// wireEvent is the JSON body of one SSE data frame.
type wireEvent struct {
	Kind    string         `json:"kind"`
	RunID   string         `json:"run_id"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload"`
	Seq     uint64         `json:"seq"`
	TraceID string         `json:"trace_id,omitempty"`
	SpanID  string         `json:"span_id,omitempty"`
}

// send writes one event frame. It reports true when the stream is done,
// either because the event is terminal or the client went away.
func (sw *streamWriter) send(e sim.Event) (done bool) {
	data, err := json.Marshal(wireEvent{
		Kind:    string(e.Kind),
		RunID:   e.RunID,
		Time:    e.Time,
		Payload: e.Payload,
		Seq:     e.Seq,
		TraceID: e.TraceID,
		SpanID:  e.SpanID,
	})
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(sw.w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data); err != nil {
		return true
	}
	sw.flusher.Flush()
	if e.Seq > sw.lastSeq {
		sw.lastSeq = e.Seq
	}
	return e.Kind.Terminal()
}

func (sw *streamWriter) comment(text string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
