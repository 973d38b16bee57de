package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
)

// maxLineBytes bounds a single worker message. Streamed results are
// chunked by the worker, so anything beyond this is a protocol violation.
const maxLineBytes = 16 << 20

// WorkerConfig configures a worker subprocess connection.
type WorkerConfig struct {
	Command []string
	Env     map[string]string

	// OnStderr receives raw worker stderr lines (interpreter noise,
	// crash output). Protocol-level stderr messages arrive on stdout as
	// stderr responses instead.
	OnStderr func(line string)
}

// Conn is a JSON-lines connection to a worker subprocess: one request per
// line on stdin, one response per line on stdout. It is shared by the
// local backend and the session server, which host workers the same way.
type Conn struct {
	mu     sync.Mutex
	cfg    WorkerConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	recvCh chan *Response
	errCh  chan error
	waitCh chan struct{}
	closed bool
}

// StartWorker spawns the worker subprocess and wires its pipes.
func StartWorker(ctx context.Context, cfg WorkerConfig) (*Conn, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("backend: worker command is required")
	}

	c := &Conn{
		cfg:    cfg,
		recvCh: make(chan *Response, 256),
		errCh:  make(chan error, 1),
		waitCh: make(chan struct{}),
	}

	args := slices.Clone(cfg.Command[1:])
	cmd := exec.CommandContext(ctx, cfg.Command[0], args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
			env = append(env, k+"="+cfg.Env[k])
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: open worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("backend: start worker: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	go c.readLoop(stdout)
	go c.waitLoop(stderr)
	return c, nil
}

// newPipeConn builds a Conn over arbitrary pipes with no subprocess.
// Tests drive the worker side through them.
func newPipeConn(stdin io.WriteCloser, stdout io.Reader) *Conn {
	c := &Conn{
		stdin:  stdin,
		recvCh: make(chan *Response, 256),
		errCh:  make(chan error, 1),
		waitCh: make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

func (c *Conn) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.sendErr(fmt.Errorf("backend: decode worker response: %w", err))
			return
		}
		c.recvCh <- &resp
	}
	if err := scanner.Err(); err != nil {
		c.sendErr(fmt.Errorf("backend: read worker stdout: %w", err))
		return
	}
	c.sendErr(io.EOF)
}

func (c *Conn) waitLoop(stderr io.Reader) {
	defer close(c.waitCh)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if c.cfg.OnStderr != nil {
			c.cfg.OnStderr(scanner.Text())
		}
	}

	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil {
		return
	}
	err := cmd.Wait()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		if err == nil {
			err = errors.New("worker exited")
		}
		c.sendErr(fmt.Errorf("%w: %v", ErrWorkerCrashed, err))
	}
}

// Send writes one request line to the worker.
func (c *Conn) Send(req *Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTerminated
	}
	if c.stdin == nil {
		return errors.New("backend: worker stdin is not available")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("backend: encode request: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("backend: write request: %w", err)
	}
	return nil
}

// Receive returns the next worker response. A connection-level failure
// (decode error, process exit) is returned as an error and ends the
// conversation.
func (c *Conn) Receive(ctx context.Context) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-c.errCh:
		return nil, err
	case resp := <-c.recvCh:
		return resp, nil
	}
}

// Close kills the worker and releases the pipes. Safe to call twice.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stdin := c.stdin
	cmd := c.cmd
	c.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (c *Conn) sendErr(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}
