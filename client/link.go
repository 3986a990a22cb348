package client

import (
	"context"
	"errors"
	"maps"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/marrasen/procwire"
	"github.com/marrasen/procwire/observable"
)

// Operation describes one call as it travels through the link chain.
type Operation struct {
	ID   int64
	Type procwire.ProcedureType
	Path string
	// Input is the serialized input, or nil if the call has none.
	Input jsontext.Value
	// LastEventID resumes a subscription after the event with this ID.
	LastEventID string
	// Values carries link-to-link metadata.
	Values map[string]any

	ctx context.Context
}

// Context returns the operation's context. Canceling it aborts the call.
func (op *Operation) Context() context.Context {
	if op.ctx == nil {
		return context.Background()
	}
	return op.ctx
}

// WithContext returns a shallow copy of op with its context replaced.
func (op *Operation) WithContext(ctx context.Context) *Operation {
	cp := op.Clone()
	cp.ctx = ctx
	return cp
}

// Clone returns a copy of op whose Values may be modified independently.
func (op *Operation) Clone() *Operation {
	cp := *op
	cp.Values = maps.Clone(op.Values)
	return &cp
}

// Result is one result of an operation. Queries and mutations produce a
// single data result; subscriptions produce a started result, data results
// and possibly a stopped result.
type Result struct {
	Type procwire.ResultType
	Data jsontext.Value
	// EventID is the resumption token of a tracked subscription event.
	EventID string
	// Meta holds transport details such as the HTTP status.
	Meta map[string]any

	transformer procwire.Transformer
}

// Decode deserializes the result data into v.
func (r *Result) Decode(v any) error {
	t := r.transformer
	if t == nil {
		t = procwire.DefaultTransformer
	}
	return t.Deserialize(r.Data, v)
}

// Next invokes the rest of the link chain.
type Next func(op *Operation) *observable.Observable[*Result]

// Link is one stage of the client pipeline. A link may inspect or modify
// the operation before calling next, and observe or transform the results
// that flow back. A terminating link performs the call and ignores next.
type Link func(op *Operation, next Next) *observable.Observable[*Result]

// ErrNoTerminatingLink fails operations that run off the end of the chain.
var ErrNoTerminatingLink = errors.New("client: no link terminated the operation")

// chain composes links; the first link is outermost.
func chain(links []Link) Next {
	next := func(*Operation) *observable.Observable[*Result] {
		return observable.Throw[*Result](ErrNoTerminatingLink)
	}
	for i := len(links) - 1; i >= 0; i-- {
		link, inner := links[i], next
		next = func(op *Operation) *observable.Observable[*Result] {
			return link(op, inner)
		}
	}
	return next
}

// fromMessage converts a response envelope into a result or an error.
func fromMessage(msg procwire.ResponseMessage, status int) (*Result, error) {
	if msg.Error != nil {
		return nil, errorFromShape(msg.Error, status)
	}
	if msg.Result == nil {
		return nil, &Error{Message: "response has neither result nor error", HTTPStatus: status}
	}
	res := &Result{
		Type:    msg.Result.Type,
		Data:    msg.Result.Data,
		EventID: msg.Result.ID,
	}
	if res.Type == "" {
		res.Type = procwire.ResultData
	}
	if status != 0 {
		res.Meta = map[string]any{"status": status}
	}
	return res, nil
}

// requestMessage builds the envelope for op.
func requestMessage(op *Operation) procwire.RequestMessage {
	return procwire.RequestMessage{
		ID:      op.ID,
		JSONRPC: "2.0",
		Method:  string(op.Type),
		Params: procwire.RequestParams{
			Path:        op.Path,
			Input:       op.Input,
			LastEventID: op.LastEventID,
		},
	}
}

// single runs fn in a goroutine and emits its one result. Unsubscribing
// cancels the context passed to fn.
func single(op *Operation, fn func(ctx context.Context) (*Result, error)) *observable.Observable[*Result] {
	return observable.New(func(obs observable.Observer[*Result]) func() {
		ctx, cancel := context.WithCancel(op.Context())
		go func() {
			defer cancel()
			res, err := fn(ctx)
			if err != nil {
				obs.Error(err)
				return
			}
			obs.Next(res)
			obs.Complete()
		}()
		return cancel
	})
}
