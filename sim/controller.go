package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowscope/flowscope/backend"
	"github.com/flowscope/flowscope/codegen"
	"github.com/flowscope/flowscope/core"
	"github.com/flowscope/flowscope/mutation"
)

// Phase is the lifecycle state of the controller.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

// ErrRunActive is returned by Run while another run is starting or running.
var ErrRunActive = errors.New("sim: run already active")

// ErrNoSession is returned by Continue and ApplyMutations when no
// initialized session exists to patch.
var ErrNoSession = errors.New("sim: no active session")

const defaultMergeInterval = 100 * time.Millisecond

// BackendProvider yields the backend the controller should run against.
// *backend.Registry satisfies it.
type BackendProvider interface {
	Get() (backend.Backend, error)
}

// Config configures a Controller.
type Config struct {
	// Backends provides the execution backend. Required.
	Backends BackendProvider

	// Queue receives the id maps of each lowering so live edits can be
	// patched into the session. Nil disables mutations.
	Queue *mutation.Queue

	// Emit receives run events. Nil discards them.
	Emit EventEmitter

	// Registry resolves block and event types during lowering. Nil
	// means the global registry.
	Registry codegen.TypeLookup

	// MergeInterval is the tick at which buffered step reports are
	// drained into the accumulated result. Default 100ms.
	MergeInterval time.Duration

	// HistoryLimit bounds how many prior results are retained when a
	// new run starts. Zero retains none.
	HistoryLimit int

	// Logger for controller diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// State is a snapshot of the controller, safe to retain.
type State struct {
	Phase    Phase
	RunID    string
	Progress float64
	Err      error
	Result   *core.Result
	History  []*core.Result
}

// Controller owns the streaming run lifecycle. Step reports arrive at
// whatever rate the worker produces them; the controller buffers them and
// merges on a fixed tick so downstream consumers see a bounded update
// rate regardless of simulation speed.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	phase       Phase
	runID       string
	seq         uint64
	progress    float64
	runErr      error
	acc         *core.Result
	history     []*core.Result
	pending     []*stepSnapshot
	userStopped bool
	b           backend.Backend
	loopStop    chan struct{}
	loopDone    chan struct{}
}

// NewController creates an idle controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Backends == nil {
		return nil, fmt.Errorf("sim: Config.Backends is required")
	}
	if cfg.MergeInterval <= 0 {
		cfg.MergeInterval = defaultMergeInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		cfg:   cfg,
		log:   cfg.Logger,
		phase: PhaseIdle,
	}, nil
}

// State returns a deep-copied snapshot of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := make([]*core.Result, len(c.history))
	copy(hist, c.history)
	return State{
		Phase:    c.phase,
		RunID:    c.runID,
		Progress: c.progress,
		Err:      c.runErr,
		Result:   c.acc.Clone(),
		History:  hist,
	}
}

// Run lowers the graph, initializes the backend session, executes the
// setup script and starts streaming steps. It returns once streaming has
// started; completion is observed through events and State.
func (c *Controller) Run(ctx context.Context, g *core.Graph, settings core.SimulationSettings) (string, error) {
	c.mu.Lock()
	if c.phase == PhaseStarting || c.phase == PhaseRunning {
		c.mu.Unlock()
		return "", ErrRunActive
	}
	runID := uuid.NewString()
	c.phase = PhaseStarting
	c.runID = runID
	c.seq = 0
	c.progress = 0
	c.runErr = nil
	c.userStopped = false
	c.pending = nil
	if c.acc != nil && !c.acc.Empty() && c.cfg.HistoryLimit > 0 {
		c.history = append(c.history, c.acc)
		if n := len(c.history) - c.cfg.HistoryLimit; n > 0 {
			c.history = append([]*core.Result(nil), c.history[n:]...)
		}
	}
	c.acc = core.NewResult()
	seedNodeNames(c.acc, g.Blocks)
	c.mu.Unlock()

	c.emit(NewEvent(EventRunStarted, runID))

	res, err := codegen.Generate(g, settings, codegen.Options{
		Registry: c.cfg.Registry,
		Logger:   c.log,
	})
	if err != nil {
		return "", c.failRun(runID, fmt.Errorf("lower graph: %w", err))
	}
	if c.cfg.Queue != nil {
		c.cfg.Queue.SetMaps(res.BlockVars, res.ConnVars)
	}

	b, err := c.cfg.Backends.Get()
	if err != nil {
		return "", c.failRun(runID, fmt.Errorf("acquire backend: %w", err))
	}
	b.SetOutput(
		func(line string) {
			c.emit(NewEvent(EventRunStdout, runID).WithPayload("line", line))
		},
		func(line string) {
			c.emit(NewEvent(EventRunStderr, runID).WithPayload("line", line))
		},
	)
	if err := b.Init(ctx); err != nil {
		return "", c.failRun(runID, fmt.Errorf("init backend: %w", err))
	}
	if err := b.Exec(ctx, res.Script); err != nil {
		return "", c.failRun(runID, fmt.Errorf("exec setup script: %w", err))
	}

	if err := c.beginStream(ctx, b, runID); err != nil {
		return "", c.failRun(runID, fmt.Errorf("start streaming: %w", err))
	}
	return runID, nil
}

// Continue extends a completed or stopped run. Pending mutations are
// flushed into the live session first, then the target time is advanced
// by durationExpr and streaming resumes against the existing result.
func (c *Controller) Continue(ctx context.Context, durationExpr string) error {
	if durationExpr == "" {
		return fmt.Errorf("sim: empty duration")
	}
	c.mu.Lock()
	if c.phase == PhaseStarting || c.phase == PhaseRunning {
		c.mu.Unlock()
		return ErrRunActive
	}
	b, runID := c.b, c.runID
	if b == nil || c.acc == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	c.runErr = nil
	c.userStopped = false
	c.mu.Unlock()

	if c.cfg.Queue != nil && c.cfg.Queue.HasPending() {
		n := c.cfg.Queue.Pending()
		if err := b.Exec(ctx, c.cfg.Queue.Flush()); err != nil {
			return fmt.Errorf("apply mutations: %w", err)
		}
		c.emit(NewEvent(EventRunMutations, runID).WithPayload("count", n))
	}

	retarget := fmt.Sprintf("%s = False\n%s = %s + float(%s)\n",
		codegen.HaltedVar, codegen.TargetVar, codegen.TargetVar, durationExpr)
	if err := b.Exec(ctx, retarget); err != nil {
		return fmt.Errorf("extend run target: %w", err)
	}

	if err := c.beginStream(ctx, b, runID); err != nil {
		return c.failRun(runID, fmt.Errorf("resume streaming: %w", err))
	}
	c.emit(NewEvent(EventRunStarted, runID).WithPayload("continued", true))
	return nil
}

// Stop requests a graceful stop. The halt flag makes the current step the
// last one; stopping the stream drains what the worker already produced.
// Completion is observed through the stream-done callback.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseRunning {
		c.mu.Unlock()
		return nil
	}
	c.userStopped = true
	b := c.b
	c.mu.Unlock()

	if err := b.ExecDuringStreaming(codegen.HaltExpr); err != nil {
		c.log.Warn("halt request failed", "error", err)
	}
	b.StopStreaming()
	return nil
}

// ForceStop kills the session immediately. The worker process (or remote
// session) is terminated; no further results arrive.
func (c *Controller) ForceStop() {
	c.mu.Lock()
	b := c.b
	if c.phase == PhaseRunning || c.phase == PhaseStarting {
		c.userStopped = true
	}
	c.mu.Unlock()
	if b != nil {
		b.Terminate()
	}
}

// ApplyMutations flushes the queued edits into the session: through the
// stream when a run is live, as a direct exec otherwise.
func (c *Controller) ApplyMutations(ctx context.Context) error {
	if c.cfg.Queue == nil || !c.cfg.Queue.HasPending() {
		return nil
	}
	c.mu.Lock()
	b, runID := c.b, c.runID
	running := c.phase == PhaseRunning
	c.mu.Unlock()
	if b == nil {
		return ErrNoSession
	}
	n := c.cfg.Queue.Pending()
	script := c.cfg.Queue.Flush()
	var err error
	if running {
		err = b.ExecDuringStreaming(script)
	} else {
		err = b.Exec(ctx, script)
	}
	if err != nil {
		return fmt.Errorf("apply mutations: %w", err)
	}
	c.emit(NewEvent(EventRunMutations, runID).WithPayload("count", n))
	return nil
}

// beginStream starts the merge loop and the backend stream.
func (c *Controller) beginStream(ctx context.Context, b backend.Backend, runID string) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	c.mu.Lock()
	c.b = b
	c.loopStop = stop
	c.loopDone = done
	c.mu.Unlock()

	go c.mergeLoop(runID, stop, done)

	err := b.StartStreaming(ctx, codegen.StepExpr, backend.StreamCallbacks{
		OnData: func(raw json.RawMessage) {
			rep, derr := decodeStep(raw)
			if derr != nil {
				c.log.Warn("undecodable step report", "error", derr)
				return
			}
			c.mu.Lock()
			if c.runID == runID {
				c.progress = rep.Progress
				if rep.Result != nil {
					c.pending = append(c.pending, rep.Result)
				}
			}
			c.mu.Unlock()
		},
		OnError: func(serr error) {
			c.mu.Lock()
			if c.runID == runID && c.runErr == nil {
				c.runErr = serr
			}
			c.mu.Unlock()
		},
		OnDone: func() {
			c.finishStream(runID, stop, done)
		},
	})
	if err != nil {
		c.mu.Lock()
		claimed := c.loopStop == stop
		if claimed {
			c.loopStop = nil
		}
		c.mu.Unlock()
		if claimed {
			close(stop)
		}
		<-done
		return err
	}
	c.mu.Lock()
	// The stream may already have finished and settled a terminal phase
	// before StartStreaming returned. Leave a settled phase alone.
	if c.loopStop == stop {
		c.phase = PhaseRunning
	}
	c.mu.Unlock()
	return nil
}

// finishStream runs once the backend stream has ended, for any reason. It
// drains the remaining reports and settles the terminal phase.
func (c *Controller) finishStream(runID string, stop, done chan struct{}) {
	c.mu.Lock()
	claimed := c.loopStop == stop
	if claimed {
		c.loopStop = nil
	}
	c.mu.Unlock()
	if !claimed {
		return
	}
	close(stop)
	<-done

	c.mu.Lock()
	if c.runID != runID {
		c.mu.Unlock()
		return
	}
	stopped := c.userStopped
	runErr := c.runErr
	switch {
	case stopped:
		c.phase = PhaseIdle
		c.runErr = nil
	case runErr != nil:
		c.phase = PhaseError
	default:
		c.phase = PhaseComplete
		c.progress = 1
	}
	c.mu.Unlock()

	switch {
	case stopped:
		c.emit(NewEvent(EventRunStopped, runID))
	case runErr != nil:
		c.emit(NewEvent(EventRunFailed, runID).WithPayload("error", runErr.Error()))
	default:
		c.emit(NewEvent(EventRunFinished, runID))
	}
}

// failRun settles the error phase for failures before streaming started.
func (c *Controller) failRun(runID string, err error) error {
	c.mu.Lock()
	c.phase = PhaseError
	c.runErr = err
	c.mu.Unlock()
	c.emit(NewEvent(EventRunFailed, runID).WithPayload("error", err.Error()))
	return err
}

func (c *Controller) mergeLoop(runID string, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.MergeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.drain(runID)
		case <-stop:
			c.drain(runID)
			return
		}
	}
}

// drain exhaustively folds the buffered reports into the accumulated
// result and publishes at most one data event. Draining an empty buffer
// is a no-op, so repeated drains are harmless.
func (c *Controller) drain(runID string) {
	c.mu.Lock()
	if c.runID != runID {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = nil
	changed := false
	for _, snap := range batch {
		if merge(c.acc, snap) {
			changed = true
		}
	}
	progress := c.progress
	c.mu.Unlock()

	if changed {
		c.emit(NewEvent(EventRunData, runID))
		c.emit(NewEvent(EventRunProgress, runID).WithPayload("progress", progress))
	}
}

// emit stamps the run sequence number and hands the event to the
// configured emitter.
func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	c.seq++
	ev.Seq = c.seq
	c.mu.Unlock()
	if c.cfg.Emit != nil {
		c.cfg.Emit(ev)
	}
}

// seedNodeNames records the display name of every block, including blocks
// nested in subsystems, so consumers can label traces without the graph.
func seedNodeNames(r *core.Result, blocks []*core.BlockInstance) {
	for _, b := range blocks {
		r.NodeNames[b.ID] = b.Name
		if b.Graph != nil {
			seedNodeNames(r, b.Graph.Blocks)
		}
	}
}
