package procwire

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
)

// Conn represents a single WebSocket connection. Calls on a connection run
// concurrently; each is identified by the client's request ID until it
// settles.
type Conn struct {
	id        string
	server    *Server
	transport *wsTransport
	request   *http.Request
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.Mutex
	active map[int64]context.CancelFunc
	values map[any]any
	closed bool
}

func newConn(t *wsTransport, server *Server, r *http.Request, ctx context.Context) *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		server:    server,
		transport: t,
		request:   r,
		active:    make(map[int64]context.CancelFunc),
		values:    make(map[any]any),
	}
	c.ctx, c.cancel = context.WithCancel(withConnection(ctx, c))
	return c
}

// ID returns the unique connection ID.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the client's network address.
func (c *Conn) RemoteAddr() string { return c.request.RemoteAddr }

// Request returns the HTTP upgrade request.
func (c *Conn) Request() *http.Request { return c.request }

// Set stores a connection-scoped value.
func (c *Conn) Set(key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Load returns a connection-scoped value stored with Set.
func (c *Conn) Load(key any) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// ActiveCalls returns the number of calls in flight on c.
func (c *Conn) ActiveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Close closes the connection and cancels every call in flight.
func (c *Conn) Close() { c.closeGracefully() }

func (c *Conn) send(v any) {
	data, err := c.server.options.Encoder.Encode(v)
	if err != nil {
		c.server.options.Logger.Error("encode message", "conn", c.id, "err", err)
		return
	}
	c.transport.Send(c.ctx, data)
}

func (c *Conn) sendReconnect() {
	c.send(ResponseMessage{Method: MethodReconnect})
}

func (c *Conn) sendError(call Call, err error) {
	c.send(errorMessage(call.ID, c.server.errorShape(c.ctx, call, nil, err)))
}

// handleIncoming decodes one frame, which holds one message or an array
// of messages.
func (c *Conn) handleIncoming(data []byte) {
	var raw jsontext.Value
	if err := c.server.options.Encoder.Decode(data, &raw); err != nil {
		c.sendError(Call{}, WrapError(CodeParseError, "invalid message", err))
		return
	}
	if isBatch(raw) {
		var msgs []RequestMessage
		if err := c.server.options.Encoder.Decode(data, &msgs); err != nil {
			c.sendError(Call{}, WrapError(CodeParseError, "invalid message", err))
			return
		}
		for _, msg := range msgs {
			c.handleMessage(msg)
		}
		return
	}
	var msg RequestMessage
	if err := c.server.options.Encoder.Decode(data, &msg); err != nil {
		c.sendError(Call{}, WrapError(CodeParseError, "invalid message", err))
		return
	}
	c.handleMessage(msg)
}

func (c *Conn) handleMessage(msg RequestMessage) {
	if msg.Method == MethodSubscriptionStop {
		c.stop(msg.ID)
		return
	}
	call, err := callFromMessage(msg)
	if err != nil {
		c.sendError(call, err)
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	if !c.register(call.ID, cancel) {
		cancel()
		c.sendError(call, ErrBadRequest(fmt.Sprintf("duplicate id %d", call.ID)))
		return
	}
	c.server.tasks.Go(func() error {
		defer c.unregister(call.ID)
		defer cancel()
		c.serveCall(ctx, call)
		return nil
	})
}

func (c *Conn) serveCall(ctx context.Context, call Call) {
	resp := c.server.Dispatch(ctx, call)
	c.send(resp.Message)
	if resp.Stream == nil {
		return
	}
	for msg := range resp.Stream {
		c.send(msg)
	}
}

// register records a call in flight. It reports false if the ID is
// already in use or the connection is closed.
func (c *Conn) register(id int64, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.active[id]; dup || c.closed {
		return false
	}
	c.active[id] = cancel
	return true
}

func (c *Conn) unregister(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
}

// stop cancels the call with the given ID; a subscription then sends its
// final "stopped" message.
func (c *Conn) stop(id int64) {
	c.mu.Lock()
	cancel, ok := c.active[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Conn) closeGracefully() {
	c.transport.CloseGracefully()
}

// close cancels all pending calls. It is called once the read side ends.
func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}
