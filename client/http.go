package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/marrasen/procwire"
	"github.com/marrasen/procwire/observable"
)

// HTTPOptions configures the HTTP links.
type HTTPOptions struct {
	// URL is the server endpoint.
	URL string
	// Client sends the requests. Default: http.DefaultClient
	Client *http.Client
	// Header, if set, returns extra headers for a request.
	Header func(ops []*Operation) http.Header
}

func (o HTTPOptions) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return http.DefaultClient
}

func (o HTTPOptions) header(req *http.Request, ops ...*Operation) {
	if o.Header == nil {
		return
	}
	for k, vs := range o.Header(ops) {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// HTTPLink returns a terminating link that sends each query as a GET and
// each mutation as a POST. Subscriptions fail; route them to
// HTTPSubscriptionLink or a WebSocket link with SplitLink.
func HTTPLink(opts HTTPOptions) Link {
	return func(op *Operation, _ Next) *observable.Observable[*Result] {
		if op.Type == procwire.TypeSubscription {
			return observable.Throw[*Result](&Error{
				Code:    procwire.CodeMethodNotSupported,
				Message: "subscriptions are not supported by the HTTP link",
				Path:    op.Path,
			})
		}
		return single(op, func(ctx context.Context) (*Result, error) {
			return opts.do(ctx, op)
		})
	}
}

func (o HTTPOptions) do(ctx context.Context, op *Operation) (*Result, error) {
	var req *http.Request
	var err error
	if op.Type == procwire.TypeQuery {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, queryURL(o.URL, op), nil)
	} else {
		var body []byte
		body, err = json.Marshal(requestMessage(op))
		if err != nil {
			return nil, transportError("encode request", err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, o.URL, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, transportError("build request", err)
	}
	o.header(req, op)

	resp, err := o.client().Do(req)
	if err != nil {
		return nil, requestError(ctx, err)
	}
	defer resp.Body.Close()

	var msg procwire.ResponseMessage
	if err := json.UnmarshalRead(resp.Body, &msg); err != nil {
		return nil, &Error{
			Message:    fmt.Sprintf("decode response (HTTP %d)", resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Cause:      err,
		}
	}
	return fromMessage(msg, resp.StatusCode)
}

// queryURL encodes op as GET query parameters.
func queryURL(base string, op *Operation) string {
	q := url.Values{}
	q.Set("path", op.Path)
	q.Set("id", strconv.FormatInt(op.ID, 10))
	if len(op.Input) > 0 {
		q.Set("input", string(op.Input))
	}
	if op.LastEventID != "" {
		q.Set("lastEventId", op.LastEventID)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

// requestError reports a failed round trip. A canceled operation reports
// CANCELLED or TIMEOUT, wrapping the context's error.
func requestError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return canceledError("", ctx.Err())
	}
	return transportError("send request", err)
}
