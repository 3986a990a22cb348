package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"
	"github.com/marrasen/procwire"
	"github.com/marrasen/procwire/observable"
)

// WSOptions configures a WSClient.
type WSOptions struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Dialer opens connections. Default: websocket.DefaultDialer
	Dialer *websocket.Dialer
	// Header is sent with every handshake.
	Header http.Header
	// Encoder must match the server's. Default: procwire.JSONEncoder
	Encoder procwire.Encoder
	// Backoff spaces reconnect attempts. Default: 1s doubling to 30s
	Backoff Backoff
	// Logger receives connection events. Default: slog.Default()
	Logger *slog.Logger
	// OnOpen and OnClose, if set, are called as the connection comes and
	// goes.
	OnOpen  func()
	OnClose func(err error)
}

// ErrClientClosed fails operations issued on or pending in a closed
// WSClient.
var ErrClientClosed = errors.New("client: websocket client closed")

// WSClient keeps one WebSocket connection open, reconnecting when it
// drops. Operations issued while disconnected are queued. On reconnect,
// active subscriptions are sent again with the ID of their last tracked
// event; queries and mutations that were in flight when the connection
// dropped fail, since the server may or may not have run them.
type WSClient struct {
	opts   WSOptions
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu       sync.Mutex
	ws       *websocket.Conn
	requests map[int64]*wsRequest
	closed   bool
}

type wsRequest struct {
	id          int64 // wire ID, unique per WSClient
	op          *Operation
	obs         observable.Observer[*Result]
	lastEventID string
	sent        bool
	started     bool
}

// NewWSClient creates a client and starts connecting in the background.
func NewWSClient(opts WSOptions) *WSClient {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Encoder == nil {
		opts.Encoder = procwire.JSONEncoder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		requests: make(map[int64]*wsRequest),
	}
	go c.loop()
	return c
}

// Close closes the connection, fails pending operations with
// ErrClientClosed and stops reconnecting.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	pending := c.requests
	c.requests = make(map[int64]*wsRequest)
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		c.writeMu.Lock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
		c.writeMu.Unlock()
		ws.Close()
	}
	<-c.done
	for _, req := range pending {
		req.obs.Error(transportError("websocket", ErrClientClosed))
	}
	return nil
}

// Connected reports whether the connection is currently open.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

func (c *WSClient) loop() {
	defer close(c.done)
	failures := 0
	for {
		ws, _, err := c.opts.Dialer.DialContext(c.ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.opts.Logger.Debug("websocket dial", "url", c.opts.URL, "err", err)
			if sleep(c.ctx, c.opts.Backoff.Delay(failures)) != nil {
				return
			}
			failures++
			continue
		}
		failures = 0
		if !c.open(ws) {
			ws.Close()
			return
		}
		reconnect, err := c.read(ws)
		c.lost(ws, err)
		if c.ctx.Err() != nil {
			return
		}
		if !reconnect {
			if sleep(c.ctx, c.opts.Backoff.Delay(0)) != nil {
				return
			}
		}
	}
}

// open installs ws and sends every operation that is not on the wire.
func (c *WSClient) open(ws *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.ws = ws
	var msgs []procwire.RequestMessage
	for _, req := range c.requests {
		if !req.sent {
			req.sent = true
			msgs = append(msgs, req.message())
		}
	}
	c.mu.Unlock()

	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}
	for _, msg := range msgs {
		c.write(ws, msg)
	}
	return true
}

// lost handles a dropped connection. Subscriptions are queued to be sent
// again; queries and mutations on the wire fail.
func (c *WSClient) lost(ws *websocket.Conn, err error) {
	ws.Close()
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	var failed []*wsRequest
	for id, req := range c.requests {
		if !req.sent {
			continue
		}
		if req.op.Type == procwire.TypeSubscription {
			req.sent = false
			continue
		}
		delete(c.requests, id)
		failed = append(failed, req)
	}
	c.mu.Unlock()

	if c.opts.OnClose != nil {
		c.opts.OnClose(err)
	}
	for _, req := range failed {
		req.obs.Error(transportError("websocket connection lost", err))
	}
}

// read handles frames until ws fails. It reports true if the server asked
// the client to reconnect.
func (c *WSClient) read(ws *websocket.Conn) (reconnect bool, err error) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return false, err
		}
		var raw jsontext.Value
		if err := c.opts.Encoder.Decode(data, &raw); err != nil {
			c.opts.Logger.Warn("websocket decode", "err", err)
			continue
		}
		var msgs []procwire.ResponseMessage
		if raw.Kind() == '[' {
			err = c.opts.Encoder.Decode(data, &msgs)
		} else {
			msgs = make([]procwire.ResponseMessage, 1)
			err = c.opts.Encoder.Decode(data, &msgs[0])
		}
		if err != nil {
			c.opts.Logger.Warn("websocket decode", "err", err)
			continue
		}
		for _, msg := range msgs {
			if msg.Method == procwire.MethodReconnect {
				return true, errors.New("server requested reconnect")
			}
			c.handle(msg)
		}
	}
}

func (c *WSClient) handle(msg procwire.ResponseMessage) {
	c.mu.Lock()
	req, ok := c.requests[msg.ID]
	if !ok {
		c.mu.Unlock()
		return
	}
	res, err := fromMessage(msg, 0)
	final := err != nil || res.Type == procwire.ResultStopped || req.op.Type != procwire.TypeSubscription
	if final {
		delete(c.requests, msg.ID)
	}
	skip := false
	if err == nil {
		if res.EventID != "" {
			req.lastEventID = res.EventID
		}
		if res.Type == procwire.ResultStarted {
			skip = req.started
			req.started = true
		}
	}
	c.mu.Unlock()

	switch {
	case err != nil:
		req.obs.Error(err)
	case res.Type == procwire.ResultStopped:
		req.obs.Complete()
	case skip:
	default:
		req.obs.Next(res)
		if final {
			req.obs.Complete()
		}
	}
}

// request registers op and sends it if connected. The returned function
// stops the operation.
func (c *WSClient) request(op *Operation, obs observable.Observer[*Result]) (stop func()) {
	req := &wsRequest{id: c.nextID.Add(1), op: op, obs: obs, lastEventID: op.LastEventID}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		obs.Error(transportError("websocket", ErrClientClosed))
		return func() {}
	}
	c.requests[req.id] = req
	ws := c.ws
	if ws != nil {
		req.sent = true
	}
	c.mu.Unlock()

	if ws != nil {
		c.write(ws, req.message())
	}
	return func() { c.stop(req.id, req) }
}

func (c *WSClient) stop(id int64, req *wsRequest) {
	c.mu.Lock()
	if c.requests[id] != req {
		c.mu.Unlock()
		return
	}
	delete(c.requests, id)
	ws := c.ws
	sent := req.sent
	c.mu.Unlock()
	if ws != nil && sent {
		c.write(ws, procwire.RequestMessage{ID: id, JSONRPC: "2.0", Method: procwire.MethodSubscriptionStop})
	}
}

func (c *WSClient) write(ws *websocket.Conn, msg procwire.RequestMessage) {
	data, err := c.opts.Encoder.Encode(msg)
	if err != nil {
		c.opts.Logger.Error("websocket encode", "err", err)
		return
	}
	typ := websocket.TextMessage
	if c.opts.Encoder.Binary() {
		typ = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(typ, data); err != nil {
		// The read side notices the broken connection and resends.
		c.opts.Logger.Debug("websocket write", "err", err)
	}
}

func deadline() time.Time { return time.Now().Add(time.Second) }

func (r *wsRequest) message() procwire.RequestMessage {
	msg := requestMessage(r.op)
	msg.ID = r.id
	msg.Params.LastEventID = r.lastEventID
	return msg
}

// WSLink returns a terminating link that runs every operation over c.
func WSLink(c *WSClient) Link {
	return func(op *Operation, _ Next) *observable.Observable[*Result] {
		return observable.New(func(obs observable.Observer[*Result]) func() {
			stop := c.request(op, obs)
			after := context.AfterFunc(op.Context(), func() {
				stop()
				obs.Error(canceledError(op.Path, op.Context().Err()))
			})
			return func() {
				after()
				stop()
			}
		})
	}
}
