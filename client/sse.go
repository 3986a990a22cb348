package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/marrasen/procwire"
	"github.com/marrasen/procwire/observable"
)

// HTTPSubscriptionOptions configures HTTPSubscriptionLink.
type HTTPSubscriptionOptions struct {
	HTTPOptions
	// Backoff spaces reconnect attempts. Default: 1s doubling to 30s
	Backoff Backoff
	// MaxAttempts is the number of consecutive failed connection attempts
	// after which the subscription fails. Zero means unlimited.
	MaxAttempts int
}

// HTTPSubscriptionLink returns a terminating link that consumes
// subscriptions as Server-Sent Events. When the stream breaks before the
// server stops it, the link reconnects and resumes after the last tracked
// event it received.
func HTTPSubscriptionLink(opts HTTPSubscriptionOptions) Link {
	return func(op *Operation, _ Next) *observable.Observable[*Result] {
		if op.Type != procwire.TypeSubscription {
			return observable.Throw[*Result](&Error{
				Code:    procwire.CodeMethodNotSupported,
				Message: fmt.Sprintf("the subscription link cannot run a %s", op.Type),
				Path:    op.Path,
			})
		}
		return observable.New(func(obs observable.Observer[*Result]) func() {
			ctx, cancel := context.WithCancel(op.Context())
			go opts.run(ctx, op, obs)
			return cancel
		})
	}
}

// errStreamEnded reports a stream that broke without a final event.
var errStreamEnded = errors.New("event stream ended unexpectedly")

func (o HTTPSubscriptionOptions) run(ctx context.Context, op *Operation, obs observable.Observer[*Result]) {
	lastEventID := op.LastEventID
	started := false
	failures := 0
	for {
		done, err := o.stream(ctx, op, lastEventID, func(res *Result) {
			// Only delivered data counts as progress; a server that
			// accepts the stream and drops it still uses up attempts.
			if res.Type == procwire.ResultData {
				failures = 0
			}
			if res.EventID != "" {
				lastEventID = res.EventID
			}
			if res.Type == procwire.ResultStarted {
				if started {
					return
				}
				started = true
			}
			obs.Next(res)
		})
		if ctx.Err() != nil {
			return
		}
		if done {
			if err != nil {
				obs.Error(err)
			} else {
				obs.Complete()
			}
			return
		}
		failures++
		if o.MaxAttempts > 0 && failures >= o.MaxAttempts {
			obs.Error(&Error{Message: fmt.Sprintf("subscription %s: giving up after %d attempts", op.Path, failures), Path: op.Path, Cause: err})
			return
		}
		if sleep(ctx, o.Backoff.Delay(failures-1)) != nil {
			return
		}
	}
}

// stream runs one connection. It reports done when the subscription ended
// for good, with a nil error if the server stopped it.
func (o HTTPSubscriptionOptions) stream(ctx context.Context, op *Operation, lastEventID string, emit func(*Result)) (done bool, err error) {
	attempt := op.Clone()
	attempt.LastEventID = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL(o.URL, attempt), nil)
	if err != nil {
		return true, transportError("build request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	o.header(req, op)

	resp, err := o.client().Do(req)
	if err != nil {
		return false, requestError(ctx, err)
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		var msg procwire.ResponseMessage
		if err := json.UnmarshalRead(resp.Body, &msg); err != nil || msg.Error == nil {
			return resp.StatusCode < 500, &Error{Message: fmt.Sprintf("unexpected response (HTTP %d)", resp.StatusCode), HTTPStatus: resp.StatusCode, Cause: err}
		}
		_, err := fromMessage(msg, resp.StatusCode)
		return resp.StatusCode < 500, err
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		if line != "" {
			ev.parseLine(line)
			continue
		}
		if ev.data.Len() == 0 {
			ev = sseEvent{}
			continue
		}
		var msg procwire.ResponseMessage
		if err := json.Unmarshal([]byte(ev.data.String()), &msg); err != nil {
			return true, &Error{Message: "decode event", Path: op.Path, Cause: err}
		}
		ev = sseEvent{}
		res, err := fromMessage(msg, 0)
		if err != nil {
			return true, err
		}
		if res.Type == procwire.ResultStopped {
			return true, nil
		}
		emit(res)
	}
	if err := sc.Err(); err != nil {
		return false, requestError(ctx, err)
	}
	return false, errStreamEnded
}

// sseEvent accumulates the fields of one event.
type sseEvent struct {
	event string
	id    string
	data  strings.Builder
}

func (e *sseEvent) parseLine(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "event":
		e.event = value
	case "id":
		e.id = value
	case "data":
		if e.data.Len() > 0 {
			e.data.WriteByte('\n')
		}
		e.data.WriteString(value)
	}
}
