// Package server hosts simulation worker sessions over HTTP. Each session,
// identified by the X-Session-ID header, owns one worker subprocess; the
// remote backend drives it through the same init/exec/eval/stream message
// vocabulary the local backend speaks over stdio, with long-polling in
// place of the pipe for streamed results. An SSE endpoint streams recorded
// run events when an event bus and store are configured.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowscope/flowscope/backend"
	"github.com/flowscope/flowscope/bus"
	"github.com/flowscope/flowscope/registry"
	"github.com/flowscope/flowscope/sse"
)

// ServerConfig holds the configuration for the HTTP server.
type ServerConfig struct {
	// WorkerCommand launches a session's worker subprocess. Defaults to
	// backend.DefaultWorkerCommand.
	WorkerCommand []string

	// WorkerEnv is merged into each worker's environment.
	WorkerEnv map[string]string

	// SessionTTL is how long an idle session keeps its worker alive
	// before the reaper kills it. Defaults to 1 hour.
	SessionTTL time.Duration

	// ExecTimeout bounds a single init/exec/eval round trip. Defaults
	// to 60 seconds.
	ExecTimeout time.Duration

	// PollWait is how long a stream poll blocks waiting for the first
	// message before returning an empty batch. Defaults to 100ms.
	PollWait time.Duration

	// Bus and EventStore enable the hosted-run API and its SSE endpoint
	// when both are set.
	Bus        bus.EventBus
	EventStore bus.EventStore

	// CORSOrigin sets the Access-Control-Allow-Origin header.
	// Defaults to "*".
	CORSOrigin string

	// MaxBodyBytes limits request body size. Defaults to 1MB.
	MaxBodyBytes int64

	Logger *slog.Logger

	// Clock overrides time.Now for idle-session accounting in tests.
	Clock func() time.Time
}

// Server is the HTTP server hosting worker sessions.
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	sessions *sessionRegistry
	runs     *runService
	cron     *cron.Cron
}

// NewServer creates a Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	if len(cfg.WorkerCommand) == 0 {
		cfg.WorkerCommand = backend.DefaultWorkerCommand
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 60 * time.Second
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 100 * time.Millisecond
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		sessions: newSessionRegistry(registryConfig{
			workerCommand: cfg.WorkerCommand,
			workerEnv:     cfg.WorkerEnv,
			clock:         cfg.Clock,
			logger:        cfg.Logger,
		}),
	}
	if cfg.Bus != nil && cfg.EventStore != nil {
		s.runs = newRunService(cfg)
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every 1m", s.reapIdleSessions); err != nil {
		// "@every 1m" always parses; a failure here is a programming error.
		panic(fmt.Sprintf("server: register session reaper: %v", err))
	}
	s.cron.Start()
	return s
}

// Handler returns the fully configured HTTP handler with middleware
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.corsMiddleware(s.maxBodyMiddleware(mux))
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/block-types", s.handleBlockTypes)

	mux.HandleFunc("POST /api/init", s.handleInit)
	mux.HandleFunc("POST /api/exec", s.handleExec)
	mux.HandleFunc("POST /api/eval", s.handleEval)
	mux.HandleFunc("POST /api/stream/start", s.handleStreamStart)
	mux.HandleFunc("POST /api/stream/poll", s.handleStreamPoll)
	mux.HandleFunc("POST /api/stream/exec", s.handleStreamExec)
	mux.HandleFunc("POST /api/stream/stop", s.handleStreamStop)
	mux.HandleFunc("DELETE /api/session", s.handleDeleteSession)

	if s.runs != nil {
		mux.HandleFunc("POST /api/runs", s.runs.handleStartRun)
		mux.HandleFunc("GET /api/runs/{run_id}", s.runs.handleRunState)
		mux.HandleFunc("POST /api/runs/{run_id}/stop", s.runs.handleStopRun)
		mux.HandleFunc("POST /api/runs/{run_id}/mutations", s.runs.handleRunMutations)
		mux.HandleFunc("DELETE /api/runs/{run_id}", s.runs.handleDeleteRun)
		mux.Handle("GET /api/runs/{run_id}/events", sse.NewSSEHandler(s.cfg.EventStore, s.cfg.Bus))
	}
}

// Close stops the reaper, force-stops hosted runs and terminates every
// session's worker.
func (s *Server) Close() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	if s.runs != nil {
		s.runs.closeAll()
	}
	s.sessions.closeAll()
}

func (s *Server) reapIdleSessions() {
	if n := s.sessions.reapIdle(s.cfg.SessionTTL); n > 0 {
		s.logger.Info("reaped idle sessions", "count", n)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBlockTypes serves the catalog of registered block and event types,
// which editor frontends use to build their palette.
func (s *Server) handleBlockTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"blocks": registry.Global().Blocks(),
		"events": registry.Global().Events(),
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+backend.SessionHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
