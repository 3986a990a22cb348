package procwire

import (
	"net/http"
	"time"

	"github.com/go-json-experiment/json"
)

// SSE event names. Each event's data is a ResponseMessage; data events
// also carry the tracked token in the SSE id field so that EventSource
// clients resume with Last-Event-ID automatically.
const (
	sseEventStarted = "started"
	sseEventData    = "data"
	sseEventStopped = "stopped"
	sseEventError   = "error"
)

// serveSSE streams a subscription as Server-Sent Events.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, call Call) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	t := newSSETransport(w, flusher)
	defer t.Close()

	ctx, err := s.requestContext(r)
	var resp Response
	if err != nil {
		resp.Message = errorMessage(call.ID, s.errorShape(r.Context(), call, nil, err))
	} else if call.Type != TypeSubscription {
		resp.Message = errorMessage(call.ID, s.errorShape(ctx, call, nil,
			NewError(CodeMethodNotSupported, "only subscriptions can be streamed")))
	} else {
		resp = s.Dispatch(ctx, call)
	}
	if !s.writeSSE(t, resp.Message) || resp.Stream == nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		keepAlive := time.NewTicker(s.options.PingInterval)
		defer keepAlive.Stop()
		for {
			select {
			case <-done:
				return
			case <-keepAlive.C:
				t.sendComment("ping")
			}
		}
	}()

	for msg := range resp.Stream {
		if !s.writeSSE(t, msg) {
			return
		}
	}
}

// writeSSE writes msg and reports whether the stream should continue.
func (s *Server) writeSSE(t *sseTransport, msg ResponseMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.options.Logger.Error("marshal SSE message", "id", msg.ID, "err", err)
		return false
	}
	event, id := sseEventError, ""
	if msg.Result != nil {
		switch msg.Result.Type {
		case ResultStarted:
			event = sseEventStarted
		case ResultStopped:
			event = sseEventStopped
		default:
			event, id = sseEventData, msg.Result.ID
		}
	}
	if err := t.sendEvent(event, id, data); err != nil {
		return false
	}
	return event == sseEventStarted || event == sseEventData
}
