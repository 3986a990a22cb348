package procwire

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport owns the WebSocket. All frame writes happen in writePump.
type wsTransport struct {
	ws       *websocket.Conn
	binary   bool
	send     chan []byte
	shutdown chan struct{}
	once     sync.Once
}

func newWSTransport(ws *websocket.Conn, binary bool) *wsTransport {
	return &wsTransport{
		ws:       ws,
		binary:   binary,
		send:     make(chan []byte, 256),
		shutdown: make(chan struct{}),
	}
}

// Send queues a frame. It blocks while the queue is full, until ctx ends.
func (t *wsTransport) Send(ctx context.Context, data []byte) {
	select {
	case t.send <- data:
	case <-ctx.Done():
	case <-t.shutdown:
	}
}

// CloseGracefully flushes queued frames, then sends a close frame.
func (t *wsTransport) CloseGracefully() {
	t.once.Do(func() { close(t.shutdown) })
}

func (t *wsTransport) messageType() int {
	if t.binary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// readPump reads frames until the socket fails or closes. A peer that
// answers no ping within the heartbeat timeout is dropped.
func (t *wsTransport) readPump(conn *Conn, interval, timeout time.Duration) {
	defer t.ws.Close()

	t.ws.SetReadDeadline(time.Now().Add(interval + timeout))
	t.ws.SetPongHandler(func(string) error {
		return t.ws.SetReadDeadline(time.Now().Add(interval + timeout))
	})
	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.server.options.Logger.Debug("websocket read", "conn", conn.id, "err", err)
			}
			return
		}
		t.ws.SetReadDeadline(time.Now().Add(interval + timeout))
		conn.handleIncoming(data)
	}
}

// writePump writes queued frames and heartbeat pings until ctx ends or a
// graceful close is requested.
func (t *wsTransport) writePump(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer t.ws.Close()

	for {
		select {
		case data := <-t.send:
			if err := t.ws.WriteMessage(t.messageType(), data); err != nil {
				return
			}
		case <-ticker.C:
			if err := t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				return
			}
		case <-t.shutdown:
		drain:
			for {
				select {
				case data := <-t.send:
					if err := t.ws.WriteMessage(t.messageType(), data); err != nil {
						return
					}
				default:
					break drain
				}
			}
			t.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(5*time.Second),
			)
			return
		case <-ctx.Done():
			return
		}
	}
}

// serveWS upgrades the request and runs the connection until it closes.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.options.Logger.Debug("websocket upgrade", "err", err)
		return
	}
	t := newWSTransport(ws, s.options.Encoder.Binary())

	ctx, err := s.requestContext(r)
	if err != nil {
		s.rejectWS(t, err)
		return
	}
	conn := newConn(t, s, r, ctx)
	if err := s.runConnectHooks(conn.ctx, conn); err != nil {
		conn.cancel()
		s.rejectWS(t, err)
		return
	}

	s.addConn(conn)
	s.tasks.Go(func() error {
		t.writePump(conn.ctx, s.options.HeartbeatInterval)
		return nil
	})
	t.readPump(conn, s.options.HeartbeatInterval, s.options.HeartbeatTimeout)
	conn.close()
	s.removeConn(conn)
}

// rejectWS sends a connection-level error envelope and closes the socket.
func (s *Server) rejectWS(t *wsTransport, err error) {
	defer t.ws.Close()
	msg := errorMessage(0, s.errorShape(context.Background(), Call{}, nil, err))
	data, encErr := s.options.Encoder.Encode(msg)
	if encErr == nil {
		t.ws.WriteMessage(t.messageType(), data)
	}
	t.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, FromError(err).Message),
		time.Now().Add(time.Second),
	)
}
