package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/flowscope/flowscope/backend"
)

type execRequest struct {
	Code string `json:"code"`
}

type evalRequest struct {
	Expr string `json:"expr"`
}

// httpError is a failed API call: an HTTP status plus the flat error body
// the remote backend classifies by errorType.
type httpError struct {
	status  int
	errType string
	message string
}

func (e *httpError) Error() string { return e.message }

// handleInit boots the session's worker if needed. Side output produced
// during interpreter startup rides back in the batch; a failed
// initialization is an HTTP-level error because the client treats any 200
// from this endpoint as success.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.acquireSession(w, r)
	if !ok {
		return
	}
	defer sess.mu.Unlock()

	if sess.initialized {
		writeJSON(w, http.StatusOK, backend.StreamBatch{})
		return
	}

	batch, herr := s.initWorker(sess)
	if herr != nil {
		s.failSession(sess)
		writeError(w, herr)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	sess, ok := s.acquireSessionWithBody(w, r, &req)
	if !ok {
		return
	}
	defer sess.mu.Unlock()

	s.roundTrip(w, sess, &backend.Request{
		Type: backend.ReqExec,
		ID:   uuid.NewString(),
		Code: req.Code,
	})
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	var req evalRequest
	sess, ok := s.acquireSessionWithBody(w, r, &req)
	if !ok {
		return
	}
	defer sess.mu.Unlock()

	s.roundTrip(w, sess, &backend.Request{
		Type: backend.ReqEval,
		ID:   uuid.NewString(),
		Expr: req.Expr,
	})
}

// roundTrip runs one exec or eval conversation. Python-level errors come
// back inside a 200 batch as error messages; only infrastructure failures
// (crash, timeout) become HTTP errors.
func (s *Server) roundTrip(w http.ResponseWriter, sess *session, req *backend.Request) {
	if herr := s.ensureReady(sess); herr != nil {
		s.failSession(sess)
		writeError(w, herr)
		return
	}

	msgs, herr := s.converse(sess, req)
	if herr != nil {
		s.failSession(sess)
		writeError(w, herr)
		return
	}
	writeJSON(w, http.StatusOK, backend.StreamBatch{Messages: msgs})
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	var req evalRequest
	sess, ok := s.acquireSessionWithBody(w, r, &req)
	if !ok {
		return
	}
	defer sess.mu.Unlock()

	if herr := s.ensureReady(sess); herr != nil {
		s.failSession(sess)
		writeError(w, herr)
		return
	}
	if sess.streaming {
		writeError(w, &httpError{http.StatusConflict, "", "a stream is already active"})
		return
	}

	id := uuid.NewString()
	if err := sess.conn.Send(&backend.Request{Type: backend.ReqStreamStart, ID: id, Expr: req.Expr}); err != nil {
		s.failSession(sess)
		writeError(w, &httpError{http.StatusInternalServerError, backend.ErrorTypeWorkerCrashed, err.Error()})
		return
	}
	sess.streaming = true
	sess.streamID = id
	w.WriteHeader(http.StatusNoContent)
}

// handleStreamPoll drains queued stream messages, blocking up to PollWait
// for the first one. Done flags the end of the stream; worker errors ride
// inside the batch so the client's stream callbacks see them.
func (s *Server) handleStreamPoll(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.acquireSession(w, r)
	if !ok {
		return
	}
	defer sess.mu.Unlock()

	if sess.conn == nil || !sess.streaming {
		writeJSON(w, http.StatusOK, backend.StreamBatch{Done: true})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PollWait)
	defer cancel()

	var batch backend.StreamBatch
	for {
		resp, err := sess.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				writeJSON(w, http.StatusOK, batch)
				return
			}
			s.failSession(sess)
			writeError(w, &httpError{http.StatusInternalServerError, backend.ErrorTypeWorkerCrashed, err.Error()})
			return
		}
		switch resp.Type {
		case backend.RespStreamDone:
			sess.streaming = false
			batch.Done = true
			writeJSON(w, http.StatusOK, batch)
			return
		case backend.RespError:
			sess.streaming = false
			batch.Messages = append(batch.Messages, *resp)
			batch.Done = true
			writeJSON(w, http.StatusOK, batch)
			return
		default:
			batch.Messages = append(batch.Messages, *resp)
		}
	}
}

func (s *Server) handleStreamExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	sess, ok := s.acquireSessionWithBody(w, r, &req)
	if !ok {
		return
	}
	defer sess.mu.Unlock()

	if sess.conn == nil || !sess.streaming {
		writeError(w, &httpError{http.StatusConflict, "", "no active stream"})
		return
	}
	if err := sess.conn.Send(&backend.Request{Type: backend.ReqStreamExec, Code: req.Code}); err != nil {
		s.failSession(sess)
		writeError(w, &httpError{http.StatusInternalServerError, backend.ErrorTypeWorkerCrashed, err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.acquireSession(w, r)
	if !ok {
		return
	}
	defer sess.mu.Unlock()

	if sess.conn == nil || !sess.streaming {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// The stream stays marked active until poll observes stream-done, so
	// the client's poll loop drains the tail of the stream.
	if err := sess.conn.Send(&backend.Request{Type: backend.ReqStreamStop}); err != nil {
		s.failSession(sess)
		writeError(w, &httpError{http.StatusInternalServerError, backend.ErrorTypeWorkerCrashed, err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(backend.SessionHeader)
	if id == "" {
		writeError(w, &httpError{http.StatusBadRequest, "", "missing " + backend.SessionHeader + " header"})
		return
	}
	sess := s.sessions.get(id)
	sess.mu.Lock()
	s.failSession(sess)
	sess.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// acquireSession resolves the session named by the request header and
// locks it. On success the caller owns sess.mu.
func (s *Server) acquireSession(w http.ResponseWriter, r *http.Request) (*session, bool) {
	id := r.Header.Get(backend.SessionHeader)
	if id == "" {
		writeError(w, &httpError{http.StatusBadRequest, "", "missing " + backend.SessionHeader + " header"})
		return nil, false
	}
	sess := s.sessions.get(id)
	sess.mu.Lock()
	return sess, true
}

func (s *Server) acquireSessionWithBody(w http.ResponseWriter, r *http.Request, body any) (*session, bool) {
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		writeError(w, &httpError{http.StatusBadRequest, "", "invalid request body: " + err.Error()})
		return nil, false
	}
	return s.acquireSession(w, r)
}

// ensureReady spawns and initializes the session's worker if it is not
// already up. Lets a client with a stale session ID recover transparently
// after a server restart or a reaped session.
func (s *Server) ensureReady(sess *session) *httpError {
	if sess.initialized {
		return nil
	}
	_, herr := s.initWorker(sess)
	return herr
}

// initWorker boots the worker and runs the init conversation. The caller
// holds sess.mu.
func (s *Server) initWorker(sess *session) (backend.StreamBatch, *httpError) {
	if sess.conn == nil {
		// The spawn context must outlive the request: the worker lives
		// until the session is torn down.
		conn, err := s.sessions.spawn(context.Background())
		if err != nil {
			return backend.StreamBatch{}, &httpError{
				http.StatusInternalServerError,
				backend.ErrorTypeWorkerCrashed,
				fmt.Sprintf("start worker: %v", err),
			}
		}
		sess.conn = conn
		s.logger.Info("started worker", "session", sess.id)
	}

	msgs, herr := s.converse(sess, &backend.Request{Type: backend.ReqInit, ID: uuid.NewString()})
	if herr != nil {
		return backend.StreamBatch{}, herr
	}
	if n := len(msgs); n > 0 && msgs[n-1].Type == backend.RespError {
		return backend.StreamBatch{}, &httpError{
			http.StatusInternalServerError,
			"",
			"worker initialization failed: " + msgs[n-1].Error,
		}
	}
	sess.initialized = true
	return backend.StreamBatch{Messages: msgs}, nil
}

// converse sends one request and collects responses through its terminal
// message, bounded by ExecTimeout. Side output (stdout, stderr, progress)
// is kept in order ahead of the terminal message. The caller holds
// sess.mu.
func (s *Server) converse(sess *session, req *backend.Request) ([]backend.Response, *httpError) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExecTimeout)
	defer cancel()

	if err := sess.conn.Send(req); err != nil {
		return nil, &httpError{http.StatusInternalServerError, backend.ErrorTypeWorkerCrashed, err.Error()}
	}

	var msgs []backend.Response
	for {
		resp, err := sess.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &httpError{
					http.StatusGatewayTimeout,
					backend.ErrorTypeTimeout,
					req.Type + " timed out",
				}
			}
			return nil, &httpError{http.StatusInternalServerError, backend.ErrorTypeWorkerCrashed, err.Error()}
		}
		switch resp.Type {
		case backend.RespReady:
			if req.Type == backend.ReqInit {
				msgs = append(msgs, *resp)
				return msgs, nil
			}
		case backend.RespOK, backend.RespValue, backend.RespError:
			msgs = append(msgs, *resp)
			return msgs, nil
		case backend.RespStdout, backend.RespStderr, backend.RespProgress:
			msgs = append(msgs, *resp)
		default:
			// Stale stream messages from an earlier stream are dropped.
			s.logger.Debug("discarding stray stream message", "session", sess.id, "type", resp.Type)
		}
	}
}

// failSession tears down the worker and forgets the session. The caller
// holds sess.mu.
func (s *Server) failSession(sess *session) {
	if sess.conn != nil {
		sess.conn.Close()
		sess.conn = nil
	}
	sess.initialized = false
	sess.streaming = false
	s.sessions.detach(sess.id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the flat error body the remote backend parses. An
// empty errType marks an application error; worker-crashed and timeout
// tell the client to drop its cached session.
func writeError(w http.ResponseWriter, herr *httpError) {
	body := map[string]string{"error": herr.message}
	if herr.errType != "" {
		body["errorType"] = herr.errType
	}
	writeJSON(w, herr.status, body)
}
