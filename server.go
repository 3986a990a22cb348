package procwire

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// ConnectHook is called when a new WebSocket connection is established.
// Return an error to reject the connection.
type ConnectHook func(ctx context.Context, conn *Conn) error

// DisconnectHook is called when a WebSocket connection is closed.
type DisconnectHook func(ctx context.Context, conn *Conn)

// ServerOptions configures the server behavior. Zero fields take their
// defaults.
type ServerOptions struct {
	// Transformer serializes results. Default: DefaultTransformer
	Transformer Transformer
	// Encoder encodes WebSocket frames. Default: JSONEncoder
	Encoder Encoder
	// Logger receives server-side errors. Default: slog.Default()
	Logger *slog.Logger
	// Metrics, if set, records call and connection metrics.
	Metrics *Metrics
	// OnError is called for every error returned by a call.
	OnError func(ctx context.Context, ev ErrorEvent)
	// ErrorFormatter reshapes wire errors.
	ErrorFormatter ErrorFormatter
	// Interceptors hook into every call.
	Interceptors []CallInterceptor
	// CreateContext derives the call context from an HTTP request (or the
	// WebSocket upgrade request). An error fails the calls it would serve.
	CreateContext func(r *http.Request) (context.Context, error)

	// DisableBatching rejects HTTP batch requests as a whole.
	DisableBatching bool
	// MaxBatchSize is the largest accepted HTTP batch. Default: 100
	MaxBatchSize int
	// MaxBodyBytes limits HTTP request bodies. Default: 1 MiB
	MaxBodyBytes int64
	// PingInterval is the SSE keep-alive interval. Default: 15s
	PingInterval time.Duration
	// HeartbeatInterval is the WebSocket ping interval. Default: 30s
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a WebSocket may stay silent after a ping
	// before it is closed. Default: 10s
	HeartbeatTimeout time.Duration
	// CheckOrigin validates WebSocket upgrade origins. Default: allow all
	CheckOrigin func(r *http.Request) bool
	// SubscriptionStopTimeout is how long a stopped subscription waits for
	// its resolver to return before the transport moves on. A resolver
	// still running after it is logged. Default: 5s
	SubscriptionStopTimeout time.Duration
}

func defaultServerOptions() ServerOptions {
	return ServerOptions{
		Transformer:       DefaultTransformer,
		Encoder:           JSONEncoder{},
		Logger:            slog.Default(),
		MaxBatchSize:      100,
		MaxBodyBytes:      1 << 20,
		PingInterval:      15 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		CheckOrigin:       func(r *http.Request) bool { return true },

		SubscriptionStopTimeout: 5 * time.Second,
	}
}

// mergeServerOptions merges the first of opts over the defaults.
func mergeServerOptions(opts ...ServerOptions) ServerOptions {
	options := defaultServerOptions()
	if len(opts) == 0 {
		return options
	}
	opt := opts[0]
	if opt.Transformer != nil {
		options.Transformer = opt.Transformer
	}
	if opt.Encoder != nil {
		options.Encoder = opt.Encoder
	}
	if opt.Logger != nil {
		options.Logger = opt.Logger
	}
	if opt.MaxBatchSize > 0 {
		options.MaxBatchSize = opt.MaxBatchSize
	}
	if opt.MaxBodyBytes > 0 {
		options.MaxBodyBytes = opt.MaxBodyBytes
	}
	if opt.PingInterval > 0 {
		options.PingInterval = opt.PingInterval
	}
	if opt.HeartbeatInterval > 0 {
		options.HeartbeatInterval = opt.HeartbeatInterval
	}
	if opt.HeartbeatTimeout > 0 {
		options.HeartbeatTimeout = opt.HeartbeatTimeout
	}
	if opt.CheckOrigin != nil {
		options.CheckOrigin = opt.CheckOrigin
	}
	if opt.SubscriptionStopTimeout > 0 {
		options.SubscriptionStopTimeout = opt.SubscriptionStopTimeout
	}
	options.Metrics = opt.Metrics
	options.OnError = opt.OnError
	options.ErrorFormatter = opt.ErrorFormatter
	options.Interceptors = opt.Interceptors
	options.CreateContext = opt.CreateContext
	options.DisableBatching = opt.DisableBatching
	return options
}

// Server serves a router over HTTP (single and batched calls), Server-Sent
// Events (subscriptions) and WebSocket (all call types) on one handler.
type Server struct {
	*Dispatcher
	options  ServerOptions
	upgrader websocket.Upgrader

	mu              sync.RWMutex
	conns           map[*Conn]struct{}
	tasks           *taskgroup.Group
	stopping        atomic.Bool
	connectHooks    []ConnectHook
	disconnectHooks []DisconnectHook
}

// NewServer creates a server for router.
// An optional ServerOptions can be passed to configure server behavior.
func NewServer(router *Router, opts ...ServerOptions) *Server {
	options := mergeServerOptions(opts...)
	return &Server{
		Dispatcher: NewDispatcher(router, options),
		options:    options,
		upgrader: websocket.Upgrader{
			CheckOrigin: options.CheckOrigin,
		},
		conns: make(map[*Conn]struct{}),
		tasks: taskgroup.New(nil),
	}
}

// OnConnect registers a hook to be called when a new WebSocket connection
// is established. Hooks are called in the order they are registered. If a
// hook returns an error, the connection is rejected and subsequent hooks
// are not called.
func (s *Server) OnConnect(hook ConnectHook) {
	s.connectHooks = append(s.connectHooks, hook)
}

// OnDisconnect registers a hook to be called when a WebSocket connection
// is closed.
func (s *Server) OnDisconnect(hook DisconnectHook) {
	s.disconnectHooks = append(s.disconnectHooks, hook)
}

func (s *Server) runConnectHooks(ctx context.Context, conn *Conn) error {
	for _, hook := range s.connectHooks {
		if err := hook(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) runDisconnectHooks(conn *Conn) {
	for _, hook := range s.disconnectHooks {
		hook(conn.ctx, conn)
	}
}

// ServeHTTP implements http.Handler. WebSocket upgrade requests open a
// connection; other requests are handled as HTTP calls.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWS(w, r)
		return
	}
	s.serveHTTP(w, r)
}

// requestContext builds the call context for an HTTP request.
func (s *Server) requestContext(r *http.Request) (context.Context, error) {
	ctx := withHTTPRequest(r.Context(), r)
	if s.options.CreateContext == nil {
		return ctx, nil
	}
	cctx, err := s.options.CreateContext(r.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return cctx, nil
}

func (s *Server) addConn(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.options.Metrics.connOpened()
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	_, existed := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if existed {
		s.options.Metrics.connClosed()
		s.runDisconnectHooks(c)
	}
}

// ConnectionCount returns the number of open WebSocket connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Shutdown stops accepting new requests, asks WebSocket clients to
// reconnect elsewhere, closes their connections and waits for in-flight
// WebSocket calls to return or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopping.Store(true)

	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.sendReconnect()
		c.closeGracefully()
	}

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
