package sandboxrpc

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/goridge/v3/pkg/relay"
)

// Client is the controller-side handle to one worker's RPC relay. It
// supports synchronous request/reply (OpenModule ack, CreateExecutionState)
// and fire-and-forget sends (CloseModule, OpenMemory, CloseMemory,
// StartExecution, Terminate), and routes the worker's unsolicited
// ExecutionFinished pushes to a caller-supplied handler.
//
// A single reader goroutine owns the relay; callers never read it directly.
type Client struct {
	rl relay.Relay

	nextID uint64

	mu      sync.Mutex
	pending map[uint64]chan envelope
	closed  bool

	// writeMu serializes frames onto the relay, mirroring Server.writeEnvelope:
	// the pipe relay's Send is not concurrency-safe, and concurrent Process
	// calls against the same worker share this one client.
	writeMu sync.Mutex

	onExecutionFinished func(ExecutionFinished)
}

// NewClient starts the reader goroutine over rl. onExecutionFinished is
// invoked, off the reader goroutine's own call stack being blocked, for
// every unsolicited ExecutionFinished frame the worker pushes.
func NewClient(rl relay.Relay, onExecutionFinished func(ExecutionFinished)) *Client {
	c := &Client{
		rl:                  rl,
		pending:             make(map[uint64]chan envelope),
		onExecutionFinished: onExecutionFinished,
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		data, _, err := c.rl.Receive()
		if err != nil {
			c.shutdown(err)
			return
		}
		var env envelope
		if derr := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); derr != nil {
			continue
		}

		if env.Kind == KindExecutionFinished {
			var msg ExecutionFinished
			if derr := decodePayload(env.Payload, &msg); derr == nil && c.onExecutionFinished != nil {
				go c.onExecutionFinished(msg)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	_ = cause
}

func (c *Client) send(id uint64, kind Kind, body interface{}) error {
	const op = errors.Op("sandboxrpc_client_send")
	payload, err := encodePayload(body)
	if err != nil {
		return errors.E(op, err)
	}
	env := envelope{ID: id, Kind: kind, Payload: payload}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return errors.E(op, err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.E(op, errors.Str("relay closed"))
	}

	c.writeMu.Lock()
	err = c.rl.Send(buf.Bytes(), 0)
	c.writeMu.Unlock()
	if err != nil {
		return errors.E(op, errors.Network, err)
	}
	return nil
}

// Send dispatches a fire-and-forget RPC; correctness of ordering relative to
// other fire-and-forget sends and to Call relies on the single relay stream.
func (c *Client) Send(kind Kind, body interface{}) error {
	return c.send(0, kind, body)
}

// Call sends a request and blocks for the matching reply, decoding it into
// replyPtr.
func (c *Client) Call(kind Kind, body interface{}, replyPtr interface{}) error {
	const op = errors.Op("sandboxrpc_client_call")
	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.E(op, errors.Str("relay closed"))
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(id, kind, body); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return errors.E(op, err)
	}

	env, ok := <-ch
	if !ok {
		return errors.E(op, errors.Network, errors.Str("relay closed while waiting for reply"))
	}
	if err := decodePayload(env.Payload, replyPtr); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Close releases the underlying relay. Safe to call once.
func (c *Client) Close() error {
	c.shutdown(fmt.Errorf("closed"))
	return c.rl.Close()
}
