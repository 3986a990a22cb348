package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/marrasen/procwire"
	"github.com/marrasen/procwire/observable"
)

// batchItem is one operation waiting in, or sent with, a batch.
type batchItem struct {
	op      *Operation
	deliver func(*Result, error)

	mu      sync.Mutex
	aborted bool
	batch   *batchRun
}

// batchRun is one batch in flight.
type batchRun struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	pending int
}

// batchLoader coalesces the operations issued within one window into
// batches of at most maxItems.
type batchLoader struct {
	window   time.Duration
	maxItems int
	fetch    func(ctx context.Context, items []*batchItem)

	mu      sync.Mutex
	pending []*batchItem
	timer   *time.Timer
}

// load queues item and returns the function that aborts it. Aborting the
// last live item of a batch in flight cancels the request.
func (l *batchLoader) load(item *batchItem) (abort func()) {
	l.mu.Lock()
	l.pending = append(l.pending, item)
	switch {
	case l.maxItems > 0 && len(l.pending) >= l.maxItems:
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		items := l.pending
		l.pending = nil
		l.mu.Unlock()
		l.dispatch(items)
	case l.timer == nil:
		l.timer = time.AfterFunc(l.window, l.flush)
		l.mu.Unlock()
	default:
		l.mu.Unlock()
	}
	return item.abort
}

func (l *batchLoader) flush() {
	l.mu.Lock()
	items := l.pending
	l.pending = nil
	l.timer = nil
	l.mu.Unlock()
	l.dispatch(items)
}

// dispatch sends the live items in chunks of at most maxItems.
func (l *batchLoader) dispatch(items []*batchItem) {
	live := items[:0:0]
	for _, it := range items {
		if !it.isAborted() {
			live = append(live, it)
		}
	}
	for len(live) > 0 {
		n := len(live)
		if l.maxItems > 0 && n > l.maxItems {
			n = l.maxItems
		}
		chunk := live[:n]
		live = live[n:]

		ctx, cancel := context.WithCancel(context.Background())
		run := &batchRun{cancel: cancel, pending: len(chunk)}
		for _, it := range chunk {
			it.attach(run)
		}
		go func() {
			defer cancel()
			l.fetch(ctx, chunk)
		}()
	}
}

func (it *batchItem) isAborted() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.aborted
}

func (it *batchItem) attach(run *batchRun) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.batch = run
}

func (it *batchItem) abort() {
	it.mu.Lock()
	if it.aborted {
		it.mu.Unlock()
		return
	}
	it.aborted = true
	run := it.batch
	it.mu.Unlock()
	if run == nil {
		return
	}
	run.mu.Lock()
	run.pending--
	last := run.pending == 0
	run.mu.Unlock()
	if last {
		run.cancel()
	}
}

// HTTPBatchOptions configures HTTPBatchLink.
type HTTPBatchOptions struct {
	HTTPOptions
	// Window is how long the link waits for more operations before it
	// sends a batch. Default: 1ms
	Window time.Duration
	// MaxItems is the largest batch sent. Default: 10
	MaxItems int
}

// HTTPBatchLink returns a terminating link that sends the queries and
// mutations issued within one window as a single POST of an envelope
// array. Results are matched to operations by ID, so the server may answer
// in any order; a failed entry fails only its own operation.
func HTTPBatchLink(opts HTTPBatchOptions) Link {
	if opts.Window <= 0 {
		opts.Window = time.Millisecond
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 10
	}
	l := &batchLoader{
		window:   opts.Window,
		maxItems: opts.MaxItems,
		fetch:    opts.fetch,
	}
	return func(op *Operation, _ Next) *observable.Observable[*Result] {
		if op.Type == procwire.TypeSubscription {
			return observable.Throw[*Result](&Error{
				Code:    procwire.CodeMethodNotSupported,
				Message: "subscriptions cannot be batched",
				Path:    op.Path,
			})
		}
		return observable.New(func(obs observable.Observer[*Result]) func() {
			item := &batchItem{
				op: op,
				deliver: func(res *Result, err error) {
					if err != nil {
						obs.Error(err)
						return
					}
					obs.Next(res)
					obs.Complete()
				},
			}
			abort := l.load(item)
			stop := context.AfterFunc(op.Context(), func() {
				abort()
				obs.Error(canceledError(op.Path, op.Context().Err()))
			})
			return func() {
				stop()
				abort()
			}
		})
	}
}

func (o HTTPBatchOptions) fetch(ctx context.Context, items []*batchItem) {
	ops := make([]*Operation, len(items))
	msgs := make([]procwire.RequestMessage, len(items))
	// Entries are numbered within the batch; operations from different
	// clients may share an ID.
	for i, it := range items {
		ops[i] = it.op
		msgs[i] = requestMessage(it.op)
		msgs[i].ID = int64(i + 1)
	}
	fail := func(err error) {
		for _, it := range items {
			it.deliver(nil, err)
		}
	}

	body, err := json.Marshal(msgs)
	if err != nil {
		fail(transportError("encode batch", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.URL, bytes.NewReader(body))
	if err != nil {
		fail(transportError("build request", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	o.header(req, ops...)

	resp, err := o.client().Do(req)
	if err != nil {
		fail(requestError(ctx, err))
		return
	}
	defer resp.Body.Close()

	var raw jsontext.Value
	if err := json.UnmarshalRead(resp.Body, &raw); err != nil {
		fail(&Error{Message: fmt.Sprintf("decode batch response (HTTP %d)", resp.StatusCode), HTTPStatus: resp.StatusCode, Cause: err})
		return
	}
	if raw.Kind() != '[' {
		// The batch was rejected as a whole.
		var msg procwire.ResponseMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			fail(&Error{Message: "decode batch response", HTTPStatus: resp.StatusCode, Cause: err})
			return
		}
		_, err := fromMessage(msg, resp.StatusCode)
		if err == nil {
			err = &Error{Message: "batch response is not an array", HTTPStatus: resp.StatusCode}
		}
		fail(err)
		return
	}
	var results []procwire.ResponseMessage
	if err := json.Unmarshal(raw, &results); err != nil {
		fail(&Error{Message: "decode batch response", HTTPStatus: resp.StatusCode, Cause: err})
		return
	}
	for i, it := range items {
		msg, ok := correlate(results, msgs[i].ID, i)
		if !ok {
			it.deliver(nil, &Error{Message: fmt.Sprintf("missing result for operation %d", it.op.ID), Path: it.op.Path})
			continue
		}
		status := 0
		if msg.Error != nil {
			status = resp.StatusCode
		}
		it.deliver(fromMessage(msg, status))
	}
}

// correlate finds the result for id. A result without IDs falls back to
// its position.
func correlate(results []procwire.ResponseMessage, id int64, pos int) (procwire.ResponseMessage, bool) {
	for _, r := range results {
		if r.ID == id {
			return r, true
		}
	}
	if pos < len(results) && results[pos].ID == 0 {
		return results[pos], true
	}
	return procwire.ResponseMessage{}, false
}
