package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/flowscope/flowscope/backend"
	"github.com/flowscope/flowscope/bus"
	"github.com/flowscope/flowscope/sim"
)

// hostedBackend is an in-process backend.Backend for hosted-run tests.
// The test drives the stream through the captured callbacks.
type hostedBackend struct {
	mu        sync.Mutex
	execs     []string
	during    []string
	streaming bool
	cb        backend.StreamCallbacks
}

func (f *hostedBackend) Init(ctx context.Context) error { return nil }

func (f *hostedBackend) Exec(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, code)
	return nil
}

func (f *hostedBackend) Eval(ctx context.Context, expr string) (json.RawMessage, error) {
	return json.RawMessage("null"), nil
}

func (f *hostedBackend) StartStreaming(ctx context.Context, expr string, cb backend.StreamCallbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming = true
	f.cb = cb
	return nil
}

func (f *hostedBackend) StopStreaming() {
	f.mu.Lock()
	cb := f.cb
	active := f.streaming
	f.streaming = false
	f.mu.Unlock()
	if active && cb.OnDone != nil {
		cb.OnDone()
	}
}

func (f *hostedBackend) ExecDuringStreaming(code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.during = append(f.during, code)
	return nil
}

func (f *hostedBackend) Terminate() {
	f.StopStreaming()
}

func (f *hostedBackend) SetOutput(stdout, stderr func(string)) {}

func (f *hostedBackend) State() backend.SessionState {
	return backend.SessionState{Initialized: true}
}

func (f *hostedBackend) Kind() backend.Kind { return backend.KindLocal }

// pushStep delivers one step report as the worker's collect helper would.
// A report with done=true also ends the stream, the way the worker loop
// exits and emits stream-done after its final step.
func (f *hostedBackend) pushStep(t *testing.T, raw string) {
	t.Helper()
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb.OnData == nil {
		t.Fatal("no stream callbacks captured")
	}
	cb.OnData(json.RawMessage(raw))
	var rep struct {
		Done bool `json:"done"`
	}
	if err := json.Unmarshal([]byte(raw), &rep); err == nil && rep.Done {
		f.StopStreaming()
	}
}

func (f *hostedBackend) waitStreaming(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		ok := f.streaming
		f.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("stream never started")
}

type hostedEnv struct {
	*testEnv
	fake  *hostedBackend
	store *bus.MemEventStore
}

func newHostedEnv(t *testing.T) *hostedEnv {
	t.Helper()
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { _ = eb.Close() })

	env := &hostedEnv{
		testEnv: newTestEnv(t, ServerConfig{Bus: eb, EventStore: store}, echoScript),
		fake:    &hostedBackend{},
		store:   store,
	}
	env.srv.runs.newBackends = func() *backend.Registry {
		return backend.NewRegistry(backend.RegistryConfig{
			Factory: func(backend.Kind) (backend.Backend, error) {
				return env.fake, nil
			},
		})
	}
	return env
}

const hostedGraphJSON = `{
  "nodes": [
    {"id": "src", "type": "sinesource", "name": "Source",
     "outputs": [{"name": "out"}],
     "params": {"amplitude": "1.0", "frequency": "2"}},
    {"id": "sc", "type": "scope", "name": "Scope",
     "inputs": [{"name": "in"}]}
  ],
  "edges": [
    {"id": "e1", "source": "src", "sourcePort": 0, "target": "sc", "targetPort": 0}
  ],
  "settings": {"duration": "4", "dt": "0.01"}
}`

func (e *hostedEnv) startRun(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/runs", "", json.RawMessage(hostedGraphJSON))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("start run: status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if out.RunID == "" {
		t.Fatal("empty run_id")
	}
	return out.RunID
}

func (e *hostedEnv) runState(t *testing.T, runID string) (runStateResponse, int) {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/api/runs/"+runID, "", nil)
	defer resp.Body.Close()
	var st runStateResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			t.Fatalf("decode state: %v", err)
		}
	}
	return st, resp.StatusCode
}

func (e *hostedEnv) waitPhase(t *testing.T, runID, phase string) runStateResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last runStateResponse
	for time.Now().Before(deadline) {
		st, code := e.runState(t, runID)
		if code != http.StatusOK {
			t.Fatalf("state: status %d", code)
		}
		if st.Phase == phase {
			return st
		}
		last = st
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run never reached phase %q, last %+v", phase, last)
	return last
}

func (e *hostedEnv) storedKinds(t *testing.T, runID string) []string {
	t.Helper()
	events, err := e.store.List(context.Background(), runID, 0, 0)
	if err != nil {
		t.Fatalf("listing stored events: %v", err)
	}
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = string(ev.Kind)
	}
	return kinds
}

func TestHostedRunCompletes(t *testing.T) {
	env := newHostedEnv(t)
	runID := env.startRun(t)
	env.fake.waitStreaming(t)

	env.fake.pushStep(t, `{"done": false, "progress": 0.5, "result": {
		"scopeData": {"sc": {"time": [0, 0.01], "signals": [[0, 1]], "labels": ["y0"]}},
		"spectrumData": {}}}`)
	env.fake.pushStep(t, `{"done": true, "progress": 1.0, "result": {
		"scopeData": {"sc": {"time": [0.02], "signals": [[2]], "labels": ["y0"]}},
		"spectrumData": {}}}`)

	st := env.waitPhase(t, runID, string(sim.PhaseComplete))
	if st.Result == nil {
		t.Fatal("expected a result on the completed run")
	}
	trace, ok := st.Result.ScopeData["sc"]
	if !ok {
		t.Fatalf("expected scope trace, got %v", st.Result.ScopeData)
	}
	if len(trace.Time) != 3 {
		t.Errorf("expected concatenated scope samples, got %d", len(trace.Time))
	}

	kinds := env.storedKinds(t, runID)
	if len(kinds) == 0 || kinds[0] != "run.started" {
		t.Fatalf("expected run.started first, got %v", kinds)
	}
	if kinds[len(kinds)-1] != "run.finished" {
		t.Errorf("expected run.finished last, got %v", kinds)
	}
}

func TestHostedRunStop(t *testing.T) {
	env := newHostedEnv(t)
	runID := env.startRun(t)
	env.fake.waitStreaming(t)

	resp := env.do(t, http.MethodPost, "/api/runs/"+runID+"/stop", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop: status %d", resp.StatusCode)
	}

	env.waitPhase(t, runID, string(sim.PhaseIdle))
	kinds := env.storedKinds(t, runID)
	if kinds[len(kinds)-1] != "run.stopped" {
		t.Errorf("expected run.stopped last, got %v", kinds)
	}
}

func TestHostedRunMutations(t *testing.T) {
	env := newHostedEnv(t)
	runID := env.startRun(t)
	env.fake.waitStreaming(t)

	ops := []map[string]any{
		{"op": "set-param", "blockId": "src", "field": "amplitude", "value": "3.0"},
	}
	resp := env.do(t, http.MethodPost, "/api/runs/"+runID+"/mutations", "", ops)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("mutations: status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Applied int `json:"applied"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode mutation response: %v", err)
	}
	resp.Body.Close()
	if out.Applied != 1 {
		t.Errorf("expected 1 applied mutation, got %d", out.Applied)
	}

	env.fake.mu.Lock()
	during := append([]string(nil), env.fake.during...)
	env.fake.mu.Unlock()
	if len(during) == 0 {
		t.Fatal("expected patch code sent to the stream")
	}

	env.fake.pushStep(t, `{"done": true, "progress": 1.0, "result": {"scopeData": {}, "spectrumData": {}}}`)
	env.waitPhase(t, runID, string(sim.PhaseComplete))
}

func TestHostedRunRejectsBadOps(t *testing.T) {
	env := newHostedEnv(t)
	runID := env.startRun(t)
	env.fake.waitStreaming(t)

	ops := []map[string]any{{"op": "teleport-block"}}
	resp := env.do(t, http.MethodPost, "/api/runs/"+runID+"/mutations", "", ops)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for unknown op, got %d", resp.StatusCode)
	}

	env.fake.pushStep(t, `{"done": true, "progress": 1.0, "result": {"scopeData": {}, "spectrumData": {}}}`)
	env.waitPhase(t, runID, string(sim.PhaseComplete))
}

func TestHostedRunBadDocument(t *testing.T) {
	env := newHostedEnv(t)

	doc := `{"nodes": [{"id": "a", "type": "flux_capacitor"}], "edges": []}`
	resp := env.do(t, http.MethodPost, "/api/runs", "", json.RawMessage(doc))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a bad document, got %d", resp.StatusCode)
	}
}

func TestHostedRunNotFound(t *testing.T) {
	env := newHostedEnv(t)

	if _, code := env.runState(t, "nope"); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown run, got %d", code)
	}
}

func TestHostedRunDelete(t *testing.T) {
	env := newHostedEnv(t)
	runID := env.startRun(t)
	env.fake.waitStreaming(t)

	resp := env.do(t, http.MethodDelete, "/api/runs/"+runID, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}
	if _, code := env.runState(t, runID); code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", code)
	}
}

func TestHostedRunsDisabledWithoutBus(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, echoScript)

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/runs", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 when hosted runs are disabled, got %d", resp.StatusCode)
	}
}
