// Package backend provides the pluggable execution backends that run
// generated simulation scripts: a local worker subprocess speaking a
// JSON-lines protocol over stdio, and a remote session server speaking the
// same message vocabulary over HTTP with long-polling for streams. Both
// implementations present one Backend contract so the rest of the system
// never knows which transport is active.
package backend

import "encoding/json"

// Request types understood by a worker.
const (
	ReqInit        = "init"
	ReqExec        = "exec"
	ReqEval        = "eval"
	ReqStreamStart = "stream-start"
	ReqStreamStop  = "stream-stop"
	ReqStreamExec  = "stream-exec"
)

// Response types emitted by a worker.
const (
	RespReady      = "ready"
	RespProgress   = "progress"
	RespOK         = "ok"
	RespValue      = "value"
	RespError      = "error"
	RespStdout     = "stdout"
	RespStderr     = "stderr"
	RespStreamData = "stream-data"
	RespStreamDone = "stream-done"
)

// Request is one message sent to a worker. ID correlates the eventual
// response for exec/eval/stream-start; stream-stop and stream-exec are
// fire-and-forget and carry no ID.
type Request struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Code string `json:"code,omitempty"`
	Expr string `json:"expr,omitempty"`
}

// Response is one message received from a worker. Value carries the
// JSON-encoded payload for value, progress, stdout, stderr and stream-data
// messages. Error and Traceback are set on error messages; an empty ID on
// an error means it happened outside any correlated request (streaming
// loop or initialization).
type Response struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
}

// Text decodes the Value payload as a string. Non-string payloads are
// returned as their raw JSON text, so progress and output messages never
// lose information.
func (r *Response) Text() string {
	if len(r.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Value, &s); err == nil {
		return s
	}
	return string(r.Value)
}

// StreamBatch is the body returned by the remote stream poll endpoint:
// the messages queued since the last poll and whether the stream has
// ended. The local transport has no equivalent because messages arrive
// individually over the pipe.
type StreamBatch struct {
	Messages []Response `json:"messages"`
	Done     bool       `json:"done"`
}
