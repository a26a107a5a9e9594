package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/common/logger"
)

// rpcMessage is a JSON-RPC 2.0 envelope covering requests, responses, and
// notifications. Newline-delimited on the wire.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// serverRequestHandler answers agent-initiated requests (permission asks).
type serverRequestHandler func(method string, params json.RawMessage) (any, error)

// rpcConn is a JSON-RPC 2.0 connection over a subprocess's stdio.
type rpcConn struct {
	log *logger.Logger

	writeMu sync.Mutex
	w       io.Writer

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan *rpcMessage
	closed   bool
	closeErr error

	notify  func(method string, params json.RawMessage)
	request serverRequestHandler
}

func newRPCConn(w io.Writer, log *logger.Logger) *rpcConn {
	return &rpcConn{
		log:     log,
		w:       w,
		pending: make(map[int64]chan *rpcMessage),
	}
}

func (c *rpcConn) setNotificationHandler(fn func(method string, params json.RawMessage)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

func (c *rpcConn) setRequestHandler(fn serverRequestHandler) {
	c.mu.Lock()
	c.request = fn
	c.mu.Unlock()
}

// readLoop consumes newline-delimited messages until r is exhausted, then
// fails all pending calls.
func (c *rpcConn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("dropping malformed rpc line", zap.Error(err))
			continue
		}
		c.dispatch(&msg)
	}
	c.fail(ErrAdapterDead)
}

func (c *rpcConn) dispatch(msg *rpcMessage) {
	switch {
	case msg.Method != "" && msg.ID != nil:
		// Agent-initiated request.
		c.handleServerRequest(msg)
	case msg.Method != "":
		c.mu.Lock()
		notify := c.notify
		c.mu.Unlock()
		if notify != nil {
			notify(msg.Method, msg.Params)
		}
	case msg.ID != nil:
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *rpcConn) handleServerRequest(msg *rpcMessage) {
	c.mu.Lock()
	handler := c.request
	c.mu.Unlock()

	reply := rpcMessage{JSONRPC: "2.0", ID: msg.ID}
	if handler == nil {
		reply.Error = &rpcError{Code: -32601, Message: "method not found"}
	} else {
		result, err := handler(msg.Method, msg.Params)
		if err != nil {
			reply.Error = &rpcError{Code: -32000, Message: err.Error()}
		} else {
			data, merr := json.Marshal(result)
			if merr != nil {
				reply.Error = &rpcError{Code: -32603, Message: merr.Error()}
			} else {
				reply.Result = data
			}
		}
	}
	if err := c.write(&reply); err != nil {
		c.log.Warn("failed to answer agent request", zap.Error(err))
	}
}

// call performs a request and decodes the result into out (if non-nil).
func (c *rpcConn) call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	msg := rpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}
	if err := c.write(&msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return ErrAdapterDead
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// notifySend sends a notification (no response expected).
func (c *rpcConn) notifySend(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	return c.write(&rpcMessage{JSONRPC: "2.0", Method: method, Params: raw})
}

func (c *rpcConn) write(msg *rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// fail closes every pending call with err.
func (c *rpcConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
