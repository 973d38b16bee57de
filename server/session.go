package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowscope/flowscope/backend"
)

// workerConn is the slice of backend.Conn the session server drives.
// Tests substitute an in-memory fake.
type workerConn interface {
	Send(req *backend.Request) error
	Receive(ctx context.Context) (*backend.Response, error)
	Close()
}

type spawnFunc func(ctx context.Context) (workerConn, error)

// session owns one worker subprocess. The mutex serializes the whole
// conversation: a request and every response up to its terminal message,
// or one poll window of a running stream.
type session struct {
	id string

	mu          sync.Mutex
	conn        workerConn
	initialized bool
	streaming   bool
	streamID    string

	// lastUsed is guarded by the registry mutex, not the session one,
	// so the reaper can read it while a conversation is in flight.
	lastUsed time.Time
}

type registryConfig struct {
	workerCommand []string
	workerEnv     map[string]string
	spawn         spawnFunc
	clock         func() time.Time
	logger        *slog.Logger
}

// sessionRegistry maps session IDs to their workers. Sessions are created
// lazily on first use and torn down by the reaper, by DELETE /api/session,
// or when their worker fails.
type sessionRegistry struct {
	cfg   registryConfig
	spawn spawnFunc

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionRegistry(cfg registryConfig) *sessionRegistry {
	g := &sessionRegistry{
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
	g.spawn = cfg.spawn
	if g.spawn == nil {
		g.spawn = g.startWorker
	}
	return g
}

func (g *sessionRegistry) startWorker(ctx context.Context) (workerConn, error) {
	return backend.StartWorker(ctx, backend.WorkerConfig{
		Command: g.cfg.workerCommand,
		Env:     g.cfg.workerEnv,
		OnStderr: func(line string) {
			g.cfg.logger.Debug("worker stderr", "line", line)
		},
	})
}

// get returns the session for id, creating it if needed, and stamps its
// idle clock.
func (g *sessionRegistry) get(id string) *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[id]
	if !ok {
		sess = &session{id: id}
		g.sessions[id] = sess
	}
	sess.lastUsed = g.cfg.clock()
	return sess
}

// detach drops the session from the registry without touching its
// worker. Callers that hold the session mutex close the conn themselves;
// the next request with the same ID starts fresh.
func (g *sessionRegistry) detach(id string) {
	g.mu.Lock()
	delete(g.sessions, id)
	g.mu.Unlock()
}

// reapIdle kills sessions whose last use is older than ttl and reports
// how many were removed.
func (g *sessionRegistry) reapIdle(ttl time.Duration) int {
	now := g.cfg.clock()
	g.mu.Lock()
	var stale []*session
	for id, sess := range g.sessions {
		if now.Sub(sess.lastUsed) > ttl {
			delete(g.sessions, id)
			stale = append(stale, sess)
		}
	}
	g.mu.Unlock()

	for _, sess := range stale {
		closeSessionConn(sess)
	}
	return len(stale)
}

func (g *sessionRegistry) closeAll() {
	g.mu.Lock()
	all := make([]*session, 0, len(g.sessions))
	for id, sess := range g.sessions {
		delete(g.sessions, id)
		all = append(all, sess)
	}
	g.mu.Unlock()

	for _, sess := range all {
		closeSessionConn(sess)
	}
}

// closeSessionConn waits out any in-flight conversation before killing
// the worker, so a handler never sees its conn vanish mid-exchange.
func closeSessionConn(sess *session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.conn != nil {
		sess.conn.Close()
		sess.conn = nil
	}
	sess.initialized = false
	sess.streaming = false
}
