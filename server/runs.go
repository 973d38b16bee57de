package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/flowscope/flowscope/backend"
	"github.com/flowscope/flowscope/bus"
	"github.com/flowscope/flowscope/core"
	"github.com/flowscope/flowscope/loader"
	"github.com/flowscope/flowscope/mutation"
	"github.com/flowscope/flowscope/sim"
)

// runService hosts simulation runs on the server itself. Each hosted run
// owns a controller and a local worker; its events flow through the bus
// and event store, where the SSE endpoint picks them up.
type runService struct {
	cfg     ServerConfig
	bus     bus.EventBus
	persist *bus.StoreSubscriber
	logger  *slog.Logger

	// newBackends builds a run's backend registry. Tests substitute
	// fakes here the same way session tests substitute workers.
	newBackends func() *backend.Registry

	mu   sync.Mutex
	runs map[string]*hostedRun
}

type hostedRun struct {
	ctrl      *sim.Controller
	queue     *mutation.Queue
	backends  *backend.Registry
	throttled *bus.ThrottledEmitter

	closeOnce sync.Once
}

func newRunService(cfg ServerConfig) *runService {
	rs := &runService{
		cfg:     cfg,
		bus:     cfg.Bus,
		persist: bus.NewStoreSubscriber(cfg.EventStore, cfg.Logger),
		logger:  cfg.Logger,
		runs:    make(map[string]*hostedRun),
	}
	rs.newBackends = func() *backend.Registry {
		return backend.NewRegistry(backend.RegistryConfig{
			Local: backend.LocalConfig{
				Command:     cfg.WorkerCommand,
				Env:         cfg.WorkerEnv,
				ExecTimeout: cfg.ExecTimeout,
				Logger:      cfg.Logger,
			},
		})
	}
	return rs
}

// handleStartRun accepts a JSON graph document, in either the editor or
// the native shape, and starts it on a server-owned worker.
func (rs *runService) handleStartRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, &httpError{status: http.StatusBadRequest, message: "reading body: " + err.Error()})
		return
	}
	g, settings, err := loader.LoadGraphBytes(body, "request.json")
	if err != nil {
		writeError(w, &httpError{status: http.StatusUnprocessableEntity, message: err.Error()})
		return
	}

	run := &hostedRun{
		queue:    mutation.NewQueue(nil, rs.logger),
		backends: rs.newBackends(),
	}
	run.throttled = bus.NewThrottledEmitter(rs.emitFor(run), bus.ThrottleConfig{})

	ctrl, err := sim.NewController(sim.Config{
		Backends: run.backends,
		Queue:    run.queue,
		Emit:     run.throttled.Emit,
		Logger:   rs.logger,
	})
	if err != nil {
		run.shutdown()
		writeError(w, &httpError{status: http.StatusInternalServerError, message: err.Error()})
		return
	}
	run.ctrl = ctrl

	// The run outlives this request; its lifetime is bounded by the
	// simulation itself and by DELETE.
	runID, err := ctrl.Run(context.Background(), g, settings)
	if err != nil {
		run.shutdown()
		writeError(w, &httpError{status: http.StatusBadGateway, message: err.Error()})
		return
	}

	rs.mu.Lock()
	rs.runs[runID] = run
	rs.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}

// emitFor fans a hosted run's events into the store and the bus, and
// releases the run's worker once a terminal event goes by.
func (rs *runService) emitFor(run *hostedRun) sim.EventEmitter {
	return func(e sim.Event) {
		rs.persist.Handle(e)
		rs.bus.Publish(e)
		if e.Kind.Terminal() {
			// Off the emit path: shutdown closes the throttler that
			// delivered this event.
			go run.shutdown()
		}
	}
}

func (rs *runService) handleRunState(w http.ResponseWriter, r *http.Request) {
	run, ok := rs.lookup(r)
	if !ok {
		writeError(w, &httpError{status: http.StatusNotFound, message: "unknown run"})
		return
	}

	st := run.ctrl.State()
	resp := runStateResponse{
		Phase:    string(st.Phase),
		RunID:    st.RunID,
		Progress: st.Progress,
		Result:   st.Result,
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type runStateResponse struct {
	Phase    string       `json:"phase"`
	RunID    string       `json:"run_id"`
	Progress float64      `json:"progress"`
	Error    string       `json:"error,omitempty"`
	Result   *core.Result `json:"result,omitempty"`
}

func (rs *runService) handleStopRun(w http.ResponseWriter, r *http.Request) {
	run, ok := rs.lookup(r)
	if !ok {
		writeError(w, &httpError{status: http.StatusNotFound, message: "unknown run"})
		return
	}

	if r.URL.Query().Get("force") != "" {
		run.ctrl.ForceStop()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := run.ctrl.Stop(r.Context()); err != nil {
		writeError(w, &httpError{status: http.StatusConflict, message: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mutationOp is one live edit applied to a hosted run.
type mutationOp struct {
	Op         string              `json:"op"`
	Block      *core.BlockInstance `json:"block,omitempty"`
	Connection *core.Connection    `json:"connection,omitempty"`
	ID         string              `json:"id,omitempty"`
	BlockID    string              `json:"blockId,omitempty"`
	Field      string              `json:"field,omitempty"`
	Value      string              `json:"value,omitempty"`
	Name       string              `json:"name,omitempty"`
}

func (rs *runService) handleRunMutations(w http.ResponseWriter, r *http.Request) {
	run, ok := rs.lookup(r)
	if !ok {
		writeError(w, &httpError{status: http.StatusNotFound, message: "unknown run"})
		return
	}

	var ops []mutationOp
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		writeError(w, &httpError{status: http.StatusBadRequest, message: "decoding mutations: " + err.Error()})
		return
	}
	for _, op := range ops {
		if err := queueOp(run.queue, op); err != nil {
			writeError(w, &httpError{status: http.StatusUnprocessableEntity, message: err.Error()})
			return
		}
	}

	if err := run.ctrl.ApplyMutations(r.Context()); err != nil {
		writeError(w, &httpError{status: http.StatusConflict, message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": len(ops)})
}

func queueOp(q *mutation.Queue, op mutationOp) error {
	switch op.Op {
	case "add-block":
		if op.Block == nil {
			return fmt.Errorf("add-block: missing block")
		}
		q.QueueAddBlock(op.Block)
	case "remove-block":
		if op.ID == "" {
			return fmt.Errorf("remove-block: missing id")
		}
		q.QueueRemoveBlock(op.ID)
	case "connect":
		if op.Connection == nil {
			return fmt.Errorf("connect: missing connection")
		}
		q.QueueAddConnection(op.Connection)
	case "disconnect":
		if op.ID == "" {
			return fmt.Errorf("disconnect: missing id")
		}
		q.QueueRemoveConnection(op.ID)
	case "set-param":
		if op.BlockID == "" || op.Field == "" {
			return fmt.Errorf("set-param: missing blockId or field")
		}
		q.QueueUpdateParam(op.BlockID, op.Field, op.Value)
	case "set-setting":
		if op.Name == "" {
			return fmt.Errorf("set-setting: missing name")
		}
		q.QueueUpdateSetting(op.Name, op.Value)
	default:
		return fmt.Errorf("unknown mutation op %q", op.Op)
	}
	return nil
}

func (rs *runService) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	rs.mu.Lock()
	run, ok := rs.runs[runID]
	delete(rs.runs, runID)
	rs.mu.Unlock()

	if !ok {
		writeError(w, &httpError{status: http.StatusNotFound, message: "unknown run"})
		return
	}
	run.ctrl.ForceStop()
	run.shutdown()
	w.WriteHeader(http.StatusNoContent)
}

func (rs *runService) lookup(r *http.Request) (*hostedRun, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	run, ok := rs.runs[r.PathValue("run_id")]
	return run, ok
}

// closeAll force-stops every hosted run. Called on server shutdown.
func (rs *runService) closeAll() {
	rs.mu.Lock()
	runs := rs.runs
	rs.runs = make(map[string]*hostedRun)
	rs.mu.Unlock()

	for _, run := range runs {
		run.ctrl.ForceStop()
		run.shutdown()
	}
}

// shutdown releases the run's worker and flushes its emitter. Safe to
// call more than once and from the emit path via a goroutine.
func (run *hostedRun) shutdown() {
	run.closeOnce.Do(func() {
		run.throttled.Close()
		run.backends.Close()
	})
}
