package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

var (
	// ErrTerminated rejects requests that were pending when the backend
	// was torn down.
	ErrTerminated = errors.New("backend: terminated")

	// ErrTimeout marks a request that outlived its deadline. The cached
	// initialization state is dropped so the next call re-initializes.
	ErrTimeout = errors.New("backend: request timed out")

	// ErrWorkerCrashed marks a request that failed because the worker
	// process died or the remote session lost its worker. Like ErrTimeout
	// it invalidates the cached initialization state.
	ErrWorkerCrashed = errors.New("backend: worker crashed")

	// ErrNoValue is returned by Eval when the worker answered without a
	// value payload.
	ErrNoValue = errors.New("backend: no value returned")

	// ErrUnknownKind rejects construction of an unrecognized backend kind.
	ErrUnknownKind = errors.New("backend: unknown backend kind")
)

// ExecError is an error raised by executed code, with the worker's
// best-effort traceback when one was captured.
type ExecError struct {
	Message   string
	Traceback string
}

func (e *ExecError) Error() string { return e.Message }

func respError(r *Response) error {
	return &ExecError{Message: r.Error, Traceback: r.Traceback}
}

// SessionState is the observable per-backend session state.
type SessionState struct {
	Initialized bool
	Loading     bool
	LastError   string
	Progress    string
}

// StreamCallbacks receive the events of one streaming run. OnDone fires
// exactly once and is the authoritative end-of-stream signal; OnData and
// OnError may fire any number of times before it.
type StreamCallbacks struct {
	OnData  func(value json.RawMessage)
	OnError func(err error)
	OnDone  func()
}

// Backend is the transport-agnostic execution contract. Exactly one
// stream may be active per backend instance; starting a new stream first
// stops the old one and observes its completion. Every blocking call
// honors its context for cancellation and timeout.
type Backend interface {
	// Init prepares the execution session. It is idempotent and safe to
	// call concurrently: while an initialization is in flight, additional
	// callers wait for the same outcome instead of re-initializing.
	Init(ctx context.Context) error

	// Exec runs a statement and resolves on acknowledgment.
	Exec(ctx context.Context, code string) error

	// Eval runs an expression and returns its JSON-encoded value.
	Eval(ctx context.Context, expr string) (json.RawMessage, error)

	// StartStreaming begins the autonomous step loop evaluating expr.
	StartStreaming(ctx context.Context, expr string, cb StreamCallbacks) error

	// StopStreaming requests termination of the active stream. The loop
	// may still be mid-step; OnDone signals actual completion. Calling it
	// with no active stream is a no-op.
	StopStreaming()

	// ExecDuringStreaming queues code to run between steps of the active
	// stream. Errors in the queued code are reported as warnings on the
	// stderr channel and never abort the stream.
	ExecDuringStreaming(code string) error

	// Terminate hard-resets the backend: all pending requests are
	// rejected with ErrTerminated, session state is cleared, and the
	// transport resources are released.
	Terminate()

	// SetOutput registers stdout/stderr forwarding callbacks.
	SetOutput(stdout, stderr func(string))

	// State reports the current session state.
	State() SessionState

	// Kind identifies the implementation.
	Kind() Kind
}

// New constructs a backend of the given kind. Unknown kinds fail fast
// rather than silently falling back, since that would mask a
// misconfiguration.
func New(kind Kind, local LocalConfig, remote RemoteConfig) (Backend, error) {
	switch kind {
	case KindLocal:
		return NewLocal(local), nil
	case KindRemote:
		return NewRemote(remote), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
