package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultWorkerCommand launches the Python worker module that hosts
// PathSim and speaks the JSON-lines protocol.
var DefaultWorkerCommand = []string{"python3", "-m", "flowscope_worker"}

// LocalConfig configures the local worker backend.
type LocalConfig struct {
	Command []string
	Env     map[string]string

	// InitTimeout bounds worker startup plus environment initialization.
	// Zero means 2 minutes.
	InitTimeout time.Duration

	// ExecTimeout bounds exec/eval calls whose context carries no
	// deadline of its own. Zero means 60 seconds.
	ExecTimeout time.Duration

	Logger *slog.Logger
}

func (c LocalConfig) withDefaults() LocalConfig {
	if len(c.Command) == 0 {
		c.Command = DefaultWorkerCommand
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 2 * time.Minute
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Local runs the interpreter in a worker subprocess. A crashed or hung
// worker fails all in-flight requests and drops the cached initialization
// state, so the next call respawns the worker instead of hanging forever.
type Local struct {
	cfg LocalConfig

	// spawn creates the worker connection; tests substitute a pipe pair.
	spawn func(ctx context.Context) (*Conn, error)

	mu        sync.Mutex
	conn      *Conn
	pumpStop  context.CancelFunc
	pending   map[string]chan pendingResult
	initDone  chan struct{} // non-nil while an init is in flight
	initReady chan error    // signaled by the pump on ready/error
	initErr   error
	state     SessionState
	stream    *localStream
	stdoutFn  func(string)
	stderrFn  func(string)
}

type pendingResult struct {
	resp *Response
	err  error
}

type localStream struct {
	id   string
	cb   StreamCallbacks
	done chan struct{}
	once sync.Once
}

func (s *localStream) finish() {
	s.once.Do(func() {
		close(s.done)
		if s.cb.OnDone != nil {
			s.cb.OnDone()
		}
	})
}

var _ Backend = (*Local)(nil)

func (l *Local) forwardStdout(s string) {
	l.mu.Lock()
	fn := l.stdoutFn
	l.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (l *Local) forwardStderr(s string) {
	l.mu.Lock()
	fn := l.stderrFn
	l.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// NewLocal creates a local backend. The worker is not spawned until the
// first Init.
func NewLocal(cfg LocalConfig) *Local {
	l := &Local{
		cfg:     cfg.withDefaults(),
		pending: make(map[string]chan pendingResult),
	}
	l.spawn = func(ctx context.Context) (*Conn, error) {
		return StartWorker(ctx, WorkerConfig{
			Command:  l.cfg.Command,
			Env:      l.cfg.Env,
			OnStderr: l.forwardStderr,
		})
	}
	return l
}

// Kind implements Backend.
func (l *Local) Kind() Kind { return KindLocal }

// SetOutput implements Backend.
func (l *Local) SetOutput(stdout, stderr func(string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stdoutFn = stdout
	l.stderrFn = stderr
}

// State implements Backend.
func (l *Local) State() SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Init implements Backend. Concurrent callers during an in-flight
// initialization wait for that same attempt's outcome.
func (l *Local) Init(ctx context.Context) error {
	l.mu.Lock()
	if l.state.Initialized {
		l.mu.Unlock()
		return nil
	}
	if l.initDone != nil {
		done := l.initDone
		l.mu.Unlock()
		select {
		case <-done:
			l.mu.Lock()
			err := l.initErr
			l.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	l.initDone = done
	l.state.Loading = true
	l.state.LastError = ""
	l.mu.Unlock()

	err := l.doInit(ctx)

	l.mu.Lock()
	l.initErr = err
	l.initDone = nil
	l.state.Loading = false
	l.state.Initialized = err == nil
	if err != nil {
		l.state.LastError = err.Error()
	}
	l.mu.Unlock()
	close(done)
	return err
}

func (l *Local) doInit(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.InitTimeout)
	defer cancel()

	pumpCtx, pumpStop := context.WithCancel(context.Background())
	conn, err := l.spawn(pumpCtx)
	if err != nil {
		pumpStop()
		return err
	}

	ready := make(chan error, 1)
	l.mu.Lock()
	l.conn = conn
	l.pumpStop = pumpStop
	l.initReady = ready
	l.mu.Unlock()

	go l.pump(pumpCtx, conn)

	if err := conn.Send(&Request{Type: ReqInit}); err != nil {
		l.teardown(ErrTerminated)
		return err
	}

	select {
	case err := <-ready:
		l.mu.Lock()
		l.initReady = nil
		l.mu.Unlock()
		if err != nil {
			l.teardown(err)
		}
		return err
	case <-ctx.Done():
		l.mu.Lock()
		l.initReady = nil
		l.mu.Unlock()
		l.teardown(ErrTimeout)
		return fmt.Errorf("%w: worker initialization", ErrTimeout)
	}
}

// pump reads worker responses and dispatches them until the connection
// fails or the backend is terminated.
func (l *Local) pump(ctx context.Context, conn *Conn) {
	for {
		resp, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.connFailed(conn, err)
			}
			return
		}
		l.dispatch(resp)
	}
}

func (l *Local) dispatch(resp *Response) {
	switch resp.Type {
	case RespReady:
		l.mu.Lock()
		ready := l.initReady
		l.mu.Unlock()
		if ready != nil {
			ready <- nil
		}
	case RespProgress:
		l.mu.Lock()
		l.state.Progress = resp.Text()
		l.mu.Unlock()
	case RespStdout:
		l.forwardStdout(resp.Text())
	case RespStderr:
		l.forwardStderr(resp.Text())
	case RespOK, RespValue:
		l.resolve(resp)
	case RespError:
		if resp.ID != "" {
			l.resolve(resp)
			return
		}
		l.mu.Lock()
		ready := l.initReady
		stream := l.stream
		l.mu.Unlock()
		if ready != nil {
			ready <- respError(resp)
			return
		}
		if stream != nil && stream.cb.OnError != nil {
			stream.cb.OnError(respError(resp))
		}
	case RespStreamData:
		l.mu.Lock()
		stream := l.stream
		l.mu.Unlock()
		if stream != nil && (resp.ID == "" || resp.ID == stream.id) && stream.cb.OnData != nil {
			stream.cb.OnData(resp.Value)
		}
	case RespStreamDone:
		l.mu.Lock()
		stream := l.stream
		if stream != nil {
			l.stream = nil
		}
		l.mu.Unlock()
		if stream != nil {
			stream.finish()
		}
	default:
		l.cfg.Logger.Warn("unknown worker message", "type", resp.Type)
	}
}

func (l *Local) resolve(resp *Response) {
	l.mu.Lock()
	ch, ok := l.pending[resp.ID]
	if ok {
		delete(l.pending, resp.ID)
	}
	stream := l.stream
	l.mu.Unlock()
	if ok {
		if resp.Type == RespError {
			ch <- pendingResult{err: respError(resp)}
		} else {
			ch <- pendingResult{resp: resp}
		}
		return
	}
	// An error correlated to the active stream's start request belongs
	// to the stream.
	if resp.Type == RespError && stream != nil && resp.ID == stream.id {
		if stream.cb.OnError != nil {
			stream.cb.OnError(respError(resp))
		}
	}
}

// connFailed handles an unexpected worker death: every pending request is
// rejected, the stream (if any) ends with an error, and the cached
// initialization state is dropped so the next call respawns.
func (l *Local) connFailed(conn *Conn, cause error) {
	if !errors.Is(cause, ErrWorkerCrashed) {
		cause = fmt.Errorf("%w: %v", ErrWorkerCrashed, cause)
	}
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.failLocked(cause)
	ready := l.initReady
	l.initReady = nil
	l.mu.Unlock()

	conn.Close()
	if ready != nil {
		ready <- cause
	}
}

// failLocked rejects all pending work and clears session state. Caller
// holds the lock.
func (l *Local) failLocked(cause error) {
	for id, ch := range l.pending {
		delete(l.pending, id)
		ch <- pendingResult{err: cause}
	}
	stream := l.stream
	l.stream = nil
	l.state = SessionState{LastError: cause.Error()}
	if stream != nil {
		if stream.cb.OnError != nil {
			stream.cb.OnError(cause)
		}
		go stream.finish()
	}
}

// request performs one correlated round trip.
func (l *Local) request(ctx context.Context, req *Request) (*Response, error) {
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ExecTimeout)
		defer cancel()
	}

	req.ID = uuid.NewString()
	ch := make(chan pendingResult, 1)
	l.mu.Lock()
	conn := l.conn
	l.pending[req.ID] = ch
	l.mu.Unlock()
	if conn == nil {
		l.mu.Lock()
		delete(l.pending, req.ID)
		l.mu.Unlock()
		return nil, ErrWorkerCrashed
	}

	if err := conn.Send(req); err != nil {
		l.mu.Lock()
		delete(l.pending, req.ID)
		l.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.pending, req.ID)
		l.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// A hung worker cannot be trusted; kill it so the next call
			// starts fresh.
			l.teardown(ErrTimeout)
			return nil, fmt.Errorf("%w: %s", ErrTimeout, req.Type)
		}
		return nil, ctx.Err()
	}
}

// Exec implements Backend.
func (l *Local) Exec(ctx context.Context, code string) error {
	_, err := l.request(ctx, &Request{Type: ReqExec, Code: code})
	return err
}

// Eval implements Backend.
func (l *Local) Eval(ctx context.Context, expr string) (json.RawMessage, error) {
	resp, err := l.request(ctx, &Request{Type: ReqEval, Expr: expr})
	if err != nil {
		return nil, err
	}
	if resp.Type != RespValue || len(resp.Value) == 0 {
		return nil, ErrNoValue
	}
	return resp.Value, nil
}

// StartStreaming implements Backend. An already-active stream is stopped
// first and its completion observed before the new one begins, so two
// producer loops never race against one consumer.
func (l *Local) StartStreaming(ctx context.Context, expr string, cb StreamCallbacks) error {
	if err := l.stopAndWait(ctx); err != nil {
		return err
	}
	if err := l.Init(ctx); err != nil {
		return err
	}

	st := &localStream{id: uuid.NewString(), cb: cb, done: make(chan struct{})}
	l.mu.Lock()
	conn := l.conn
	l.stream = st
	l.mu.Unlock()
	if conn == nil {
		l.mu.Lock()
		l.stream = nil
		l.mu.Unlock()
		return ErrWorkerCrashed
	}

	if err := conn.Send(&Request{Type: ReqStreamStart, ID: st.id, Expr: expr}); err != nil {
		l.mu.Lock()
		l.stream = nil
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *Local) stopAndWait(ctx context.Context) error {
	l.mu.Lock()
	st := l.stream
	conn := l.conn
	l.mu.Unlock()
	if st == nil {
		return nil
	}
	if conn != nil {
		_ = conn.Send(&Request{Type: ReqStreamStop})
	}
	select {
	case <-st.done:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if l.stream == st {
			l.stream = nil
		}
		l.mu.Unlock()
		st.finish()
		return ctx.Err()
	}
}

// StopStreaming implements Backend. Safe to call with no active stream.
func (l *Local) StopStreaming() {
	l.mu.Lock()
	st := l.stream
	conn := l.conn
	l.mu.Unlock()
	if st == nil || conn == nil {
		return
	}
	_ = conn.Send(&Request{Type: ReqStreamStop})
}

// ExecDuringStreaming implements Backend.
func (l *Local) ExecDuringStreaming(code string) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrWorkerCrashed
	}
	return conn.Send(&Request{Type: ReqStreamExec, Code: code})
}

// Terminate implements Backend.
func (l *Local) Terminate() {
	l.teardown(ErrTerminated)
}

func (l *Local) teardown(cause error) {
	l.mu.Lock()
	conn := l.conn
	stop := l.pumpStop
	l.conn = nil
	l.pumpStop = nil
	l.failLocked(cause)
	l.state = SessionState{}
	l.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		conn.Close()
	}
}
