package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionHeader carries the session identifier on every API call.
const SessionHeader = "X-Session-ID"

// Error classifications returned by the session server. Both invalidate
// the cached session so the next call re-initializes against a fresh
// worker instead of failing permanently.
const (
	ErrorTypeWorkerCrashed = "worker-crashed"
	ErrorTypeTimeout       = "timeout"
)

// RemoteConfig configures the remote HTTP backend.
type RemoteConfig struct {
	BaseURL    string
	HTTPClient *http.Client

	// ExecTimeout bounds exec/eval calls whose context carries no
	// deadline. Zero means 60 seconds.
	ExecTimeout time.Duration

	// PollInterval is the delay between stream polls. The server side
	// long-waits too, so this stays short. Zero means 100ms.
	PollInterval time.Duration

	// Sessions persists the session ID across restarts. Nil means an
	// in-memory store (a fresh session per process).
	Sessions SessionStore

	Logger *slog.Logger
}

func (c RemoteConfig) withDefaults() RemoteConfig {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.Sessions == nil {
		c.Sessions = &MemorySessionStore{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Remote talks to the session server over HTTP. Streaming is start/poll/
// stop rather than a persistent connection; each poll returns the batch
// of messages queued since the last one.
type Remote struct {
	cfg RemoteConfig

	mu        sync.Mutex
	sessionID string
	initDone  chan struct{}
	initErr   error
	state     SessionState
	stream    *remoteStream
	stdoutFn  func(string)
	stderrFn  func(string)
}

type remoteStream struct {
	cancel context.CancelFunc
	cb     StreamCallbacks
	done   chan struct{}
	once   sync.Once
}

func (s *remoteStream) finish() {
	s.once.Do(func() {
		close(s.done)
		if s.cb.OnDone != nil {
			s.cb.OnDone()
		}
	})
}

var _ Backend = (*Remote)(nil)

// NewRemote creates a remote backend client.
func NewRemote(cfg RemoteConfig) *Remote {
	return &Remote{cfg: cfg.withDefaults()}
}

// Kind implements Backend.
func (r *Remote) Kind() Kind { return KindRemote }

// SetOutput implements Backend.
func (r *Remote) SetOutput(stdout, stderr func(string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stdoutFn = stdout
	r.stderrFn = stderr
}

// State implements Backend.
func (r *Remote) State() SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Init implements Backend.
func (r *Remote) Init(ctx context.Context) error {
	r.mu.Lock()
	if r.state.Initialized {
		r.mu.Unlock()
		return nil
	}
	if r.initDone != nil {
		done := r.initDone
		r.mu.Unlock()
		select {
		case <-done:
			r.mu.Lock()
			err := r.initErr
			r.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	r.initDone = done
	r.state.Loading = true
	r.state.LastError = ""
	r.mu.Unlock()

	err := r.doInit(ctx)

	r.mu.Lock()
	r.initErr = err
	r.initDone = nil
	r.state.Loading = false
	r.state.Initialized = err == nil
	if err != nil {
		r.state.LastError = err.Error()
	}
	r.mu.Unlock()
	close(done)
	return err
}

func (r *Remote) doInit(ctx context.Context) error {
	if err := r.ensureSession(); err != nil {
		return err
	}
	var batch StreamBatch
	if err := r.post(ctx, "/api/init", struct{}{}, &batch); err != nil {
		return err
	}
	r.handleSideMessages(batch.Messages)
	return nil
}

// ensureSession loads the persisted session ID or mints and persists a
// new one.
func (r *Remote) ensureSession() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID != "" {
		return nil
	}
	id, err := r.cfg.Sessions.Load()
	if err != nil {
		return fmt.Errorf("backend: load session: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
		if err := r.cfg.Sessions.Save(id); err != nil {
			return fmt.Errorf("backend: save session: %w", err)
		}
	}
	r.sessionID = id
	return nil
}

type apiError struct {
	Message string `json:"error"`
	Type    string `json:"errorType,omitempty"`
}

// post performs one JSON API call with the session header. Server errors
// classified worker-crashed or timeout drop the cached session so the
// next call self-heals.
func (r *Remote) post(ctx context.Context, path string, body, out any) error {
	return r.do(ctx, http.MethodPost, path, body, out)
}

func (r *Remote) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	url := strings.TrimRight(r.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.mu.Lock()
	sessionID := r.sessionID
	r.mu.Unlock()
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ae apiError
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &ae) != nil || ae.Message == "" {
			ae.Message = fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode)
		}
		switch ae.Type {
		case ErrorTypeWorkerCrashed:
			r.invalidate()
			return fmt.Errorf("%w: %s", ErrWorkerCrashed, ae.Message)
		case ErrorTypeTimeout:
			r.invalidate()
			return fmt.Errorf("%w: %s", ErrTimeout, ae.Message)
		default:
			return &ExecError{Message: ae.Message}
		}
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend: read response: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}

// invalidate drops the cached initialization and session so the next
// call starts a fresh server-side worker.
func (r *Remote) invalidate() {
	r.mu.Lock()
	r.state.Initialized = false
	r.sessionID = ""
	r.mu.Unlock()
	if err := r.cfg.Sessions.Clear(); err != nil {
		r.cfg.Logger.Warn("failed to clear persisted session", "error", err)
	}
}

// handleSideMessages forwards non-terminal messages (stdout, stderr,
// progress) and returns the first terminal one (ok, value or error).
func (r *Remote) handleSideMessages(msgs []Response) *Response {
	var terminal *Response
	for i := range msgs {
		m := &msgs[i]
		switch m.Type {
		case RespStdout:
			r.forwardStdout(m.Text())
		case RespStderr:
			r.forwardStderr(m.Text())
		case RespProgress:
			r.mu.Lock()
			r.state.Progress = m.Text()
			r.mu.Unlock()
		case RespOK, RespValue, RespError:
			if terminal == nil {
				terminal = m
			}
		}
	}
	return terminal
}

func (r *Remote) forwardStdout(s string) {
	r.mu.Lock()
	fn := r.stdoutFn
	r.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (r *Remote) forwardStderr(s string) {
	r.mu.Lock()
	fn := r.stderrFn
	r.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (r *Remote) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.ExecTimeout)
}

// Exec implements Backend.
func (r *Remote) Exec(ctx context.Context, code string) error {
	if err := r.Init(ctx); err != nil {
		return err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var batch StreamBatch
	if err := r.post(ctx, "/api/exec", map[string]string{"code": code}, &batch); err != nil {
		return err
	}
	if term := r.handleSideMessages(batch.Messages); term != nil && term.Type == RespError {
		return respError(term)
	}
	return nil
}

// Eval implements Backend.
func (r *Remote) Eval(ctx context.Context, expr string) (json.RawMessage, error) {
	if err := r.Init(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var batch StreamBatch
	if err := r.post(ctx, "/api/eval", map[string]string{"expr": expr}, &batch); err != nil {
		return nil, err
	}
	term := r.handleSideMessages(batch.Messages)
	if term == nil {
		return nil, ErrNoValue
	}
	switch term.Type {
	case RespError:
		return nil, respError(term)
	case RespValue:
		if len(term.Value) == 0 {
			return nil, ErrNoValue
		}
		return term.Value, nil
	default:
		return nil, ErrNoValue
	}
}

// StartStreaming implements Backend.
func (r *Remote) StartStreaming(ctx context.Context, expr string, cb StreamCallbacks) error {
	if err := r.stopAndWait(ctx); err != nil {
		return err
	}
	if err := r.Init(ctx); err != nil {
		return err
	}
	if err := r.post(ctx, "/api/stream/start", map[string]string{"expr": expr}, nil); err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	st := &remoteStream{cancel: cancel, cb: cb, done: make(chan struct{})}
	r.mu.Lock()
	r.stream = st
	r.mu.Unlock()

	go r.pollLoop(pollCtx, st)
	return nil
}

// pollLoop re-polls the server until a terminal batch arrives or the
// stream is cancelled. The server long-waits on each poll, so the client
// side delay only paces retries on empty batches.
func (r *Remote) pollLoop(ctx context.Context, st *remoteStream) {
	defer func() {
		r.mu.Lock()
		if r.stream == st {
			r.stream = nil
		}
		r.mu.Unlock()
		st.finish()
	}()

	for {
		var batch StreamBatch
		err := r.post(ctx, "/api/stream/poll", struct{}{}, &batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if st.cb.OnError != nil {
				st.cb.OnError(err)
			}
			return
		}
		for i := range batch.Messages {
			m := &batch.Messages[i]
			switch m.Type {
			case RespStreamData:
				if st.cb.OnData != nil {
					st.cb.OnData(m.Value)
				}
			case RespError:
				if st.cb.OnError != nil {
					st.cb.OnError(respError(m))
				}
			default:
				r.handleSideMessages(batch.Messages[i : i+1])
			}
		}
		if batch.Done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

func (r *Remote) stopAndWait(ctx context.Context) error {
	r.mu.Lock()
	st := r.stream
	r.mu.Unlock()
	if st == nil {
		return nil
	}
	r.StopStreaming()
	select {
	case <-st.done:
		return nil
	case <-ctx.Done():
		st.cancel()
		st.finish()
		return ctx.Err()
	}
}

// StopStreaming implements Backend. The poll loop keeps running until
// the server reports the stream done; OnDone remains the completion
// signal.
func (r *Remote) StopStreaming() {
	r.mu.Lock()
	st := r.stream
	r.mu.Unlock()
	if st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ExecTimeout)
	defer cancel()
	if err := r.post(ctx, "/api/stream/stop", struct{}{}, nil); err != nil {
		r.cfg.Logger.Warn("stream stop request failed", "error", err)
	}
}

// ExecDuringStreaming implements Backend.
func (r *Remote) ExecDuringStreaming(code string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ExecTimeout)
	defer cancel()
	return r.post(ctx, "/api/stream/exec", map[string]string{"code": code}, nil)
}

// Terminate implements Backend. The server session is deleted and the
// persisted session ID cleared, so other clients sharing it stop
// operating against a dead session.
func (r *Remote) Terminate() {
	r.mu.Lock()
	st := r.stream
	r.stream = nil
	hasSession := r.sessionID != ""
	r.mu.Unlock()

	if st != nil {
		st.cancel()
		st.finish()
	}
	if hasSession {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.do(ctx, http.MethodDelete, "/api/session", nil, nil); err != nil {
			r.cfg.Logger.Warn("session delete failed", "error", err)
		}
	}

	r.mu.Lock()
	r.sessionID = ""
	r.state = SessionState{}
	r.mu.Unlock()
	if err := r.cfg.Sessions.Clear(); err != nil {
		r.cfg.Logger.Warn("failed to clear persisted session", "error", err)
	}
}
