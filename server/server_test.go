package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowscope/flowscope/backend"
	"github.com/flowscope/flowscope/registry"
)

// fakeWorker scripts the worker side of a session. Each request triggers
// the script callback, which pushes whatever responses the scenario needs.
type fakeWorker struct {
	script func(w *fakeWorker, req *backend.Request)

	respCh chan *backend.Response
	errCh  chan error

	mu     sync.Mutex
	reqs   []*backend.Request
	closed bool
}

func newFakeWorker(script func(w *fakeWorker, req *backend.Request)) *fakeWorker {
	return &fakeWorker{
		script: script,
		respCh: make(chan *backend.Response, 64),
		errCh:  make(chan error, 1),
	}
}

func (f *fakeWorker) Send(req *backend.Request) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return backend.ErrTerminated
	}
	if f.script != nil {
		f.script(f, req)
	}
	return nil
}

func (f *fakeWorker) Receive(ctx context.Context) (*backend.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-f.errCh:
		return nil, err
	case resp := <-f.respCh:
		return resp, nil
	}
}

func (f *fakeWorker) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeWorker) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeWorker) push(resp *backend.Response) { f.respCh <- resp }

func (f *fakeWorker) requests() []*backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*backend.Request(nil), f.reqs...)
}

func (f *fakeWorker) requestTypes() []string {
	var types []string
	for _, r := range f.requests() {
		types = append(types, r.Type)
	}
	return types
}

// echoScript answers like a healthy worker: ready on init, ok on exec,
// value 42 on eval, and leaves stream traffic to the test.
func echoScript(w *fakeWorker, req *backend.Request) {
	switch req.Type {
	case backend.ReqInit:
		w.push(&backend.Response{Type: backend.RespReady})
	case backend.ReqExec:
		w.push(&backend.Response{Type: backend.RespOK, ID: req.ID})
	case backend.ReqEval:
		w.push(&backend.Response{Type: backend.RespValue, ID: req.ID, Value: json.RawMessage(`42`)})
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	workers []*fakeWorker
	mu      sync.Mutex
	script  func(w *fakeWorker, req *backend.Request)
}

func (e *testEnv) spawned() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

func (e *testEnv) worker(i int) *fakeWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers[i]
}

func newTestEnv(t *testing.T, cfg ServerConfig, script func(w *fakeWorker, req *backend.Request)) *testEnv {
	t.Helper()
	cfg.Logger = quietLogger()
	if cfg.PollWait == 0 {
		cfg.PollWait = 20 * time.Millisecond
	}
	env := &testEnv{script: script}
	env.srv = NewServer(cfg)
	env.srv.sessions.spawn = func(ctx context.Context) (workerConn, error) {
		w := newFakeWorker(env.script)
		env.mu.Lock()
		env.workers = append(env.workers, w)
		env.mu.Unlock()
		return w, nil
	}
	env.ts = httptest.NewServer(env.srv.Handler())
	t.Cleanup(func() {
		env.ts.Close()
		env.srv.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, sessionID string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(backend.SessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBatch(t *testing.T, resp *http.Response) backend.StreamBatch {
	t.Helper()
	defer resp.Body.Close()
	var batch backend.StreamBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	return batch
}

func decodeError(t *testing.T, resp *http.Response) (message, errType string) {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"], body["errorType"]
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, echoScript)

	resp := env.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestBlockTypesCatalog(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, echoScript)

	resp := env.do(t, http.MethodGet, "/api/block-types", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	defer resp.Body.Close()
	var body struct {
		Blocks []registry.BlockTypeDef `json:"blocks"`
		Events []registry.EventTypeDef `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Blocks) == 0 || len(body.Events) == 0 {
		t.Fatalf("catalog empty: %d blocks, %d events", len(body.Blocks), len(body.Events))
	}
	var integrator *registry.BlockTypeDef
	for i := range body.Blocks {
		if body.Blocks[i].Type == "integrator" {
			integrator = &body.Blocks[i]
		}
	}
	if integrator == nil {
		t.Fatal("integrator missing from catalog")
	}
	if integrator.ClassName != "Integrator" {
		t.Errorf("integrator class = %q, want Integrator", integrator.ClassName)
	}
	found := false
	for _, ev := range body.Events {
		if ev.Type == "schedule" {
			found = true
		}
	}
	if !found {
		t.Error("schedule missing from event catalog")
	}
}

func TestInitBootsWorker(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, func(w *fakeWorker, req *backend.Request) {
		if req.Type == backend.ReqInit {
			w.push(&backend.Response{Type: backend.RespStdout, Value: json.RawMessage(`"booting"`)})
			w.push(&backend.Response{Type: backend.RespReady})
		}
	})

	resp := env.do(t, http.MethodPost, "/api/init", "s1", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	batch := decodeBatch(t, resp)
	if len(batch.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(batch.Messages))
	}
	if batch.Messages[0].Type != backend.RespStdout || batch.Messages[0].Text() != "booting" {
		t.Errorf("first message = %+v, want stdout booting", batch.Messages[0])
	}
	if batch.Messages[1].Type != backend.RespReady {
		t.Errorf("last message = %q, want ready", batch.Messages[1].Type)
	}

	// A second init on a live session is a no-op.
	resp = env.do(t, http.MethodPost, "/api/init", "s1", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second init status = %d, want 200", resp.StatusCode)
	}
	decodeBatch(t, resp)
	if env.spawned() != 1 {
		t.Errorf("spawned %d workers, want 1", env.spawned())
	}
	if got := env.worker(0).requestTypes(); len(got) != 1 {
		t.Errorf("worker saw %v, want a single init", got)
	}
}

func TestInitFailureIsHTTPError(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, func(w *fakeWorker, req *backend.Request) {
		if req.Type == backend.ReqInit {
			w.push(&backend.Response{Type: backend.RespError, ID: req.ID, Error: "no pathsim installed"})
		}
	})

	resp := env.do(t, http.MethodPost, "/api/init", "s1", struct{}{})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	msg, errType := decodeError(t, resp)
	if !strings.Contains(msg, "no pathsim installed") {
		t.Errorf("error = %q, want worker message", msg)
	}
	if errType != "" {
		t.Errorf("errorType = %q, want empty for an application error", errType)
	}
	if !env.worker(0).isClosed() {
		t.Error("failed worker was not closed")
	}
}

func TestExecRoundTrip(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, func(w *fakeWorker, req *backend.Request) {
		switch req.Type {
		case backend.ReqInit:
			w.push(&backend.Response{Type: backend.RespReady})
		case backend.ReqExec:
			w.push(&backend.Response{Type: backend.RespStdout, Value: json.RawMessage(`"hello"`)})
			w.push(&backend.Response{Type: backend.RespOK, ID: req.ID})
		}
	})

	resp := env.do(t, http.MethodPost, "/api/exec", "s1", map[string]string{"code": "print('hello')"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	batch := decodeBatch(t, resp)
	if len(batch.Messages) != 2 {
		t.Fatalf("got %d messages, want stdout then ok", len(batch.Messages))
	}
	if batch.Messages[1].Type != backend.RespOK {
		t.Errorf("terminal = %q, want ok", batch.Messages[1].Type)
	}

	// The worker was initialized on demand before the exec.
	types := env.worker(0).requestTypes()
	if len(types) != 2 || types[0] != backend.ReqInit || types[1] != backend.ReqExec {
		t.Errorf("worker saw %v, want [init exec]", types)
	}
	reqs := env.worker(0).requests()
	if reqs[1].Code != "print('hello')" {
		t.Errorf("exec code = %q", reqs[1].Code)
	}
}

func TestEvalPythonErrorRidesInBatch(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, func(w *fakeWorker, req *backend.Request) {
		switch req.Type {
		case backend.ReqInit:
			w.push(&backend.Response{Type: backend.RespReady})
		case backend.ReqEval:
			w.push(&backend.Response{Type: backend.RespError, ID: req.ID, Error: "NameError: name 'x' is not defined"})
		}
	})

	resp := env.do(t, http.MethodPost, "/api/eval", "s1", map[string]string{"expr": "x"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 with the error in the batch", resp.StatusCode)
	}
	batch := decodeBatch(t, resp)
	if len(batch.Messages) != 1 || batch.Messages[0].Type != backend.RespError {
		t.Fatalf("batch = %+v, want a single error message", batch.Messages)
	}
	if !strings.Contains(batch.Messages[0].Error, "NameError") {
		t.Errorf("error = %q", batch.Messages[0].Error)
	}
	// A Python error does not cost the session its worker.
	if env.worker(0).isClosed() {
		t.Error("worker was closed after a recoverable error")
	}
}

func TestExecTimeout(t *testing.T) {
	env := newTestEnv(t, ServerConfig{ExecTimeout: 50 * time.Millisecond}, func(w *fakeWorker, req *backend.Request) {
		if req.Type == backend.ReqInit {
			w.push(&backend.Response{Type: backend.RespReady})
		}
		// exec never answers
	})

	resp := env.do(t, http.MethodPost, "/api/exec", "s1", map[string]string{"code": "while True: pass"})
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	_, errType := decodeError(t, resp)
	if errType != backend.ErrorTypeTimeout {
		t.Errorf("errorType = %q, want %q", errType, backend.ErrorTypeTimeout)
	}
	if !env.worker(0).isClosed() {
		t.Error("timed-out worker was not killed")
	}

	// The session self-heals: the next exec spawns a fresh worker.
	resp = env.do(t, http.MethodPost, "/api/exec", "s1", map[string]string{"code": "1"})
	resp.Body.Close()
	if env.spawned() != 2 {
		t.Errorf("spawned %d workers, want 2", env.spawned())
	}
}

func TestWorkerCrashDuringExec(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, func(w *fakeWorker, req *backend.Request) {
		switch req.Type {
		case backend.ReqInit:
			w.push(&backend.Response{Type: backend.RespReady})
		case backend.ReqExec:
			w.errCh <- fmt.Errorf("%w: exit status 137", backend.ErrWorkerCrashed)
		}
	})

	resp := env.do(t, http.MethodPost, "/api/exec", "s1", map[string]string{"code": "1"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	msg, errType := decodeError(t, resp)
	if errType != backend.ErrorTypeWorkerCrashed {
		t.Errorf("errorType = %q, want %q", errType, backend.ErrorTypeWorkerCrashed)
	}
	if !strings.Contains(msg, "exit status 137") {
		t.Errorf("error = %q", msg)
	}
}

func TestStreamLifecycle(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, echoScript)

	resp := env.do(t, http.MethodPost, "/api/init", "s1", struct{}{})
	decodeBatch(t, resp)

	resp = env.do(t, http.MethodPost, "/api/stream/start", "s1", map[string]string{"expr": "_step()"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stream start status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	w := env.worker(0)
	reqs := w.requests()
	start := reqs[len(reqs)-1]
	if start.Type != backend.ReqStreamStart || start.Expr != "_step()" {
		t.Fatalf("last request = %+v, want stream-start", start)
	}

	// Two results queued before the poll arrive in one batch.
	w.push(&backend.Response{Type: backend.RespStreamData, ID: start.ID, Value: json.RawMessage(`{"done":false}`)})
	w.push(&backend.Response{Type: backend.RespStreamData, ID: start.ID, Value: json.RawMessage(`{"done":false}`)})

	resp = env.do(t, http.MethodPost, "/api/stream/poll", "s1", struct{}{})
	batch := decodeBatch(t, resp)
	if batch.Done {
		t.Fatal("batch done before the stream ended")
	}
	if len(batch.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(batch.Messages))
	}
	for _, m := range batch.Messages {
		if m.Type != backend.RespStreamData {
			t.Errorf("message type = %q, want stream-data", m.Type)
		}
	}

	// An empty poll window returns an empty, not-done batch.
	resp = env.do(t, http.MethodPost, "/api/stream/poll", "s1", struct{}{})
	batch = decodeBatch(t, resp)
	if batch.Done || len(batch.Messages) != 0 {
		t.Fatalf("idle poll = %+v, want empty batch", batch)
	}

	// Code injected mid-stream goes down as stream-exec.
	resp = env.do(t, http.MethodPost, "/api/stream/exec", "s1", map[string]string{"code": "halt()"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stream exec status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()
	reqs = w.requests()
	if last := reqs[len(reqs)-1]; last.Type != backend.ReqStreamExec || last.Code != "halt()" {
		t.Errorf("last request = %+v, want stream-exec halt()", last)
	}

	resp = env.do(t, http.MethodPost, "/api/stream/stop", "s1", struct{}{})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stream stop status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	// The stream stays pollable until stream-done drains through.
	w.push(&backend.Response{Type: backend.RespStreamData, ID: start.ID, Value: json.RawMessage(`{"done":true}`)})
	w.push(&backend.Response{Type: backend.RespStreamDone, ID: start.ID})

	resp = env.do(t, http.MethodPost, "/api/stream/poll", "s1", struct{}{})
	batch = decodeBatch(t, resp)
	if !batch.Done {
		t.Fatal("batch not done after stream-done")
	}
	if len(batch.Messages) != 1 {
		t.Errorf("got %d trailing messages, want 1", len(batch.Messages))
	}

	// Polling with no stream ends the client loop immediately.
	resp = env.do(t, http.MethodPost, "/api/stream/poll", "s1", struct{}{})
	batch = decodeBatch(t, resp)
	if !batch.Done {
		t.Error("poll without a stream should report done")
	}
}

func TestStreamErrorEndsStream(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, echoScript)

	env.do(t, http.MethodPost, "/api/init", "s1", struct{}{}).Body.Close()
	env.do(t, http.MethodPost, "/api/stream/start", "s1", map[string]string{"expr": "_step()"}).Body.Close()

	w := env.worker(0)
	w.push(&backend.Response{Type: backend.RespError, Error: "ZeroDivisionError"})

	resp := env.do(t, http.MethodPost, "/api/stream/poll", "s1", struct{}{})
	batch := decodeBatch(t, resp)
	if !batch.Done {
		t.Fatal("batch not done after a stream error")
	}
	if len(batch.Messages) != 1 || batch.Messages[0].Type != backend.RespError {
		t.Fatalf("batch = %+v, want the error message", batch.Messages)
	}
}

func TestStreamExecWithoutStream(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, echoScript)
	env.do(t, http.MethodPost, "/api/init", "s1", struct{}{}).Body.Close()

	resp := env.do(t, http.MethodPost, "/api/stream/exec", "s1", map[string]string{"code": "1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMissingSessionHeader(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, echoScript)

	resp := env.do(t, http.MethodPost, "/api/init", "", struct{}{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	msg, _ := decodeError(t, resp)
	if !strings.Contains(msg, backend.SessionHeader) {
		t.Errorf("error = %q, want mention of the session header", msg)
	}
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, echoScript)
	env.do(t, http.MethodPost, "/api/init", "s1", struct{}{}).Body.Close()

	resp := env.do(t, http.MethodDelete, "/api/session", "s1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()
	if !env.worker(0).isClosed() {
		t.Error("deleted session's worker still running")
	}

	// The same session ID starts over with a fresh worker.
	env.do(t, http.MethodPost, "/api/init", "s1", struct{}{}).Body.Close()
	if env.spawned() != 2 {
		t.Errorf("spawned %d workers, want 2", env.spawned())
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, echoScript)

	env.do(t, http.MethodPost, "/api/init", "a", struct{}{}).Body.Close()
	env.do(t, http.MethodPost, "/api/init", "b", struct{}{}).Body.Close()

	if env.spawned() != 2 {
		t.Fatalf("spawned %d workers, want one per session", env.spawned())
	}

	env.do(t, http.MethodPost, "/api/exec", "a", map[string]string{"code": "x=1"}).Body.Close()
	if got := env.worker(1).requestTypes(); len(got) != 1 {
		t.Errorf("session b's worker saw %v, want only its init", got)
	}
}

func TestReapIdleSessions(t *testing.T) {
	now := time.Unix(1000, 0)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	env := newTestEnv(t, ServerConfig{SessionTTL: time.Hour, Clock: clock}, echoScript)
	env.do(t, http.MethodPost, "/api/init", "s1", struct{}{}).Body.Close()

	clockMu.Lock()
	now = now.Add(2 * time.Hour)
	clockMu.Unlock()

	if n := env.srv.sessions.reapIdle(time.Hour); n != 1 {
		t.Fatalf("reaped %d sessions, want 1", n)
	}
	if !env.worker(0).isClosed() {
		t.Error("reaped session's worker still running")
	}

	// A fresh request under the old ID gets a new worker.
	env.do(t, http.MethodPost, "/api/init", "s1", struct{}{}).Body.Close()
	if env.spawned() != 2 {
		t.Errorf("spawned %d workers, want 2", env.spawned())
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, echoScript)

	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/exec", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, backend.SessionHeader) {
		t.Errorf("allow-headers = %q, want it to include %s", got, backend.SessionHeader)
	}
}
