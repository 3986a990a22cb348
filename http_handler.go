package procwire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/creachadair/taskgroup"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// serveHTTP handles plain HTTP requests.
//
//	GET  ?path=p&input=json          query (or SSE subscription with Accept: text/event-stream)
//	POST {"id":1,"method":..,"params":{..}}    single call
//	POST [{..},{..}]                 batch of queries and mutations
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		call, err := callFromQuery(r)
		if err != nil {
			s.writeCallError(w, r, call, err)
			return
		}
		if wantsEventStream(r) {
			s.serveSSE(w, r, call)
			return
		}
		s.serveSingle(w, r, call)
	case http.MethodPost:
		s.servePost(w, r)
	default:
		s.writeCallError(w, r, Call{}, NewError(CodeMethodNotSupported, "unsupported HTTP method "+r.Method))
	}
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// callFromQuery builds a call from GET query parameters. The path may also
// be the last element of the URL path.
func callFromQuery(r *http.Request) (Call, error) {
	q := r.URL.Query()
	call := Call{Path: q.Get("path"), Type: TypeQuery}
	if call.Path == "" {
		call.Path = strings.Trim(r.URL.Path, "/")
		if i := strings.LastIndex(call.Path, "/"); i >= 0 {
			call.Path = call.Path[i+1:]
		}
	}
	if wantsEventStream(r) {
		call.Type = TypeSubscription
	}
	if id := q.Get("id"); id != "" {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return call, WrapError(CodeBadRequest, "invalid id", err)
		}
		call.ID = n
	}
	if in := q.Get("input"); in != "" {
		v := jsontext.Value(in)
		if !v.IsValid() {
			return call, NewError(CodeParseError, "input is not valid JSON")
		}
		call.Input = v
	}
	call.LastEventID = r.Header.Get("Last-Event-ID")
	if call.LastEventID == "" {
		call.LastEventID = q.Get("lastEventId")
	}
	return call, nil
}

// callFromMessage validates a request envelope.
func callFromMessage(msg RequestMessage) (Call, error) {
	call := Call{
		ID:          msg.ID,
		Path:        msg.Params.Path,
		Type:        ProcedureType(msg.Method),
		LastEventID: msg.Params.LastEventID,
	}
	if len(msg.Params.Input) > 0 {
		call.Input = msg.Params.Input
	}
	if !call.Type.Valid() {
		return call, ErrBadRequest(fmt.Sprintf("unknown method %q", msg.Method))
	}
	return call, nil
}

func (s *Server) servePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.writeCallError(w, r, Call{}, NewError(CodePayloadTooLarge, "request body too large"))
			return
		}
		s.writeCallError(w, r, Call{}, WrapError(CodeBadRequest, "read request body", err))
		return
	}

	if isBatch(body) {
		s.serveBatch(w, r, body)
		return
	}

	var msg RequestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.writeCallError(w, r, Call{}, WrapError(CodeParseError, "invalid JSON", err))
		return
	}
	call, err := callFromMessage(msg)
	if err != nil {
		s.writeCallError(w, r, call, err)
		return
	}
	if call.Type == TypeSubscription {
		if wantsEventStream(r) {
			s.serveSSE(w, r, call)
			return
		}
		s.writeCallError(w, r, call, NewError(CodeMethodNotSupported, "subscriptions require an event stream or WebSocket"))
		return
	}
	s.serveSingle(w, r, call)
}

func (s *Server) serveSingle(w http.ResponseWriter, r *http.Request, call Call) {
	ctx, err := s.requestContext(r)
	if err != nil {
		s.writeCallError(w, r, call, err)
		return
	}
	if call.Type == TypeSubscription {
		s.writeCallError(w, r, call, NewError(CodeMethodNotSupported, "subscriptions require an event stream or WebSocket"))
		return
	}
	resp := s.Dispatch(ctx, call)
	writeJSON(w, statusOf(resp.Message), resp.Message)
}

// serveBatch runs the calls of a batch concurrently. The response array is
// in request order and every entry keeps its request ID, so one failing
// entry never affects its siblings. A batch that cannot be accepted as a
// whole fails with a single error envelope.
func (s *Server) serveBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	if s.options.DisableBatching {
		s.writeCallError(w, r, Call{}, ErrBadRequest("batching is not enabled on this server"))
		return
	}
	var msgs []RequestMessage
	if err := json.Unmarshal(body, &msgs); err != nil {
		s.writeCallError(w, r, Call{}, WrapError(CodeParseError, "invalid JSON", err))
		return
	}
	if len(msgs) == 0 {
		s.writeCallError(w, r, Call{}, ErrBadRequest("empty batch"))
		return
	}
	if len(msgs) > s.options.MaxBatchSize {
		s.writeCallError(w, r, Call{}, ErrBadRequest(fmt.Sprintf("batch of %d exceeds the limit of %d", len(msgs), s.options.MaxBatchSize)))
		return
	}
	ctx, err := s.requestContext(r)
	if err != nil {
		s.writeCallError(w, r, Call{}, err)
		return
	}
	s.options.Metrics.observeBatch(len(msgs))

	results := make([]ResponseMessage, len(msgs))
	g := taskgroup.New(nil)
	for i, msg := range msgs {
		g.Go(func() error {
			results[i] = s.batchEntry(ctx, msg)
			return nil
		})
	}
	g.Wait()

	status := http.StatusOK
	for _, res := range results {
		if res.Error != nil {
			status = http.StatusMultiStatus
			break
		}
	}
	writeJSON(w, status, results)
}

func (s *Server) batchEntry(ctx context.Context, msg RequestMessage) ResponseMessage {
	call, err := callFromMessage(msg)
	if err == nil && call.Type == TypeSubscription {
		err = NewError(CodeMethodNotSupported, "subscriptions cannot be batched")
	}
	if err != nil {
		return errorMessage(call.ID, s.errorShape(ctx, call, nil, err))
	}
	return s.Dispatch(ctx, call).Message
}

// writeCallError writes the error envelope for a request that failed
// before dispatch.
func (s *Server) writeCallError(w http.ResponseWriter, r *http.Request, call Call, err error) {
	msg := errorMessage(call.ID, s.errorShape(r.Context(), call, nil, err))
	writeJSON(w, statusOf(msg), msg)
}

func statusOf(msg ResponseMessage) int {
	if msg.Error == nil {
		return http.StatusOK
	}
	if msg.Error.Data != nil && msg.Error.Data.HTTPStatus != 0 {
		return msg.Error.Data.HTTPStatus
	}
	if code, ok := CodeFromNumber(msg.Error.Code); ok {
		return code.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.MarshalWrite(w, v)
}

// isBatch reports whether a request body holds a JSON array.
func isBatch(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
