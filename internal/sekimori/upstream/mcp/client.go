package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/bdobrica/Sekimori/internal/sekimori/upstream/jsonrpc"
)

// ErrClosed is returned for calls issued against a client whose process has
// exited.  The manager treats it as a signal to relaunch on the next request.
var ErrClosed = errors.New("mcp: connector process closed")

// client talks to a single connector subprocess over stdin/stdout using
// newline-delimited JSON-RPC 2.0.  Correlation ids are gateway-local int64s;
// the caller's original id never crosses the pipe.
type client struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	nextID atomic.Int64

	pending map[int64]chan *response
	pendMu  sync.Mutex

	// initRaw holds the raw initialize result from the handshake.  Written
	// once before the client is published; read-only afterwards.
	initRaw json.RawMessage

	exited chan struct{}
}

// response is the connector-side reply shape.  The id is always one of our
// own int64s, so it is decoded directly rather than kept raw.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

// start launches the connector process and begins reading its stdout.  No
// handshake is performed here; the manager drives initialize.
func start(id, command string, args, env []string) (*client, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start connector process: %w", err)
	}

	c := &client{
		id:      id,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *response),
		exited:  make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c, nil
}

// alive reports whether the process is still serving.
func (c *client) alive() bool {
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

// call sends one request and waits for the matching response or ctx
// cancellation.  An error response from the connector is returned as a
// *jsonrpc.Error so the proxy can map its code.
func (c *client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: jsonrpc.Version, ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan *response, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()

	c.mu.Lock()
	_, err = fmt.Fprintf(c.stdin, "%s\n", data)
	c.mu.Unlock()
	if err != nil {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		if resp == nil {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// notify sends a request without an id; no response is expected.
func (c *client) notify(method string, params any) error {
	req := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: jsonrpc.Version, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	c.mu.Lock()
	_, err = fmt.Fprintf(c.stdin, "%s\n", data)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// close shuts the process down by closing its stdin and reaping it.
func (c *client) close() error {
	c.stdin.Close()
	return c.cmd.Wait()
}

func (c *client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<20) // 1MB per line
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Warn("mcp: unparseable line from connector", "connector", c.id, "err", err)
			continue
		}
		c.pendMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendMu.Unlock()
		if ok {
			ch <- &resp
		}
		// Server-initiated notifications have no pending entry and are
		// dropped: the gateway relays request/response pairs only.
	}
	close(c.exited)
	c.pendMu.Lock()
	for _, ch := range c.pending {
		ch <- nil
	}
	c.pending = make(map[int64]chan *response)
	c.pendMu.Unlock()
}
