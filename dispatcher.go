package procwire

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"
)

// Call describes one procedure invocation, independent of the transport.
type Call struct {
	ID   int64
	Path string
	Type ProcedureType
	// Input is a jsontext.Value when the call came over the wire, or any Go
	// value for in-process calls.
	Input       any
	LastEventID string
}

// Response is the outcome of Dispatch.
//
// For queries and mutations Message is the data or error envelope and
// Stream is nil. For a subscription that started, Message is a "started"
// envelope and Stream yields one envelope per event followed by a final
// "stopped" or error envelope. The subscription runs until Stream is
// drained, the consumer stops ranging over it, or the dispatch context
// ends; a caller that never ranges over Stream must cancel that context.
type Response struct {
	Message ResponseMessage
	Stream  iter.Seq[ResponseMessage]
}

// ErrorEvent describes an error returned by a call.
type ErrorEvent struct {
	Error *Error
	Path  string
	Type  ProcedureType
	Input any
}

// ErrorFormatter may reshape the wire form of an error.
type ErrorFormatter func(shape ErrorShape, err *Error) ErrorShape

// Dispatcher resolves calls against a router and runs the middleware
// chain. It is the single code path shared by every transport and by
// in-process callers.
type Dispatcher struct {
	router       *Router
	middleware   []Middleware
	transformer  Transformer
	logger       *slog.Logger
	onError      func(ctx context.Context, ev ErrorEvent)
	formatError  ErrorFormatter
	interceptors []CallInterceptor
	metrics      *Metrics
	stopTimeout  time.Duration
}

// NewDispatcher creates a dispatcher for router. Only the dispatch-related
// fields of the options are used.
func NewDispatcher(router *Router, opts ...ServerOptions) *Dispatcher {
	options := mergeServerOptions(opts...)
	return &Dispatcher{
		router:       router,
		transformer:  options.Transformer,
		logger:       options.Logger,
		onError:      options.OnError,
		formatError:  options.ErrorFormatter,
		interceptors: options.Interceptors,
		metrics:      options.Metrics,
		stopTimeout:  options.SubscriptionStopTimeout,
	}
}

// Use adds dispatcher-wide middleware, run before any procedure middleware.
// It must be called before the dispatcher handles calls.
func (d *Dispatcher) Use(mw ...Middleware) {
	d.middleware = append(d.middleware, mw...)
}

// Router returns the router the dispatcher serves.
func (d *Dispatcher) Router() *Router { return d.router }

// Transformer returns the transformer applied to results.
func (d *Dispatcher) Transformer() Transformer { return d.transformer }

// invoke runs the call and returns the resolver's raw result. It never
// panics; a panic in middleware or a resolver becomes an internal error.
func (d *Dispatcher) invoke(ctx context.Context, call Call) (out any, proc *Procedure, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			out, err = nil, ErrInternal(fmt.Errorf("panic: %v", rv))
		}
		d.afterCall(ctx, call, err)
	}()
	for _, ic := range d.interceptors {
		ctx = ic.BeforeCall(ctx, call)
	}

	proc, ok := d.router.Lookup(call.Path)
	if !ok {
		return nil, nil, ErrNotFound(fmt.Sprintf("no procedure found on path %q", call.Path))
	}
	if call.Type != proc.typ {
		return nil, proc, ErrBadRequest(fmt.Sprintf("procedure %q is a %s, not a %s", call.Path, proc.typ, call.Type))
	}
	if err := ctx.Err(); err != nil {
		return nil, proc, FromError(err)
	}

	req := proc.newRequest(call)
	ctx = withRequest(ctx, req)
	h := proc.handler
	if len(d.middleware) > 0 {
		h = chain(h, d.middleware)
	}
	out, err = h(ctx, req)
	if err == nil && errors.Is(ctx.Err(), context.Canceled) && call.Type != TypeSubscription {
		err = ErrCanceled()
	}
	return out, proc, err
}

// Dispatch handles one call and returns its envelope. Dispatch never
// panics and never returns a Go error: every failure is an error envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Response {
	start := time.Now()
	if call.Type != TypeSubscription {
		out, proc, err := d.invoke(ctx, call)
		if err == nil {
			var data []byte
			data, err = d.transformer.Serialize(out)
			if err == nil {
				d.observe(call, "", start)
				return Response{Message: dataMessage(call.ID, data)}
			}
			err = ErrInternal(fmt.Errorf("serialize result: %w", err))
		}
		shape := d.errorShape(ctx, call, proc, err)
		d.observe(call, shape.Data.Code, start)
		return Response{Message: errorMessage(call.ID, shape)}
	}

	subCtx, cancel := context.WithCancel(ctx)
	out, proc, err := d.invoke(subCtx, call)
	if err == nil {
		if s, ok := out.(Stream); ok {
			d.observe(call, "", start)
			return Response{
				Message: controlMessage(call.ID, ResultStarted),
				Stream:  d.stream(subCtx, cancel, call, proc, s),
			}
		}
		err = ErrInternal(fmt.Errorf("subscription middleware returned %T, want a stream", out))
	}
	cancel()
	shape := d.errorShape(ctx, call, proc, err)
	d.observe(call, shape.Data.Code, start)
	return Response{Message: errorMessage(call.ID, shape)}
}

// observe records call metrics. Unknown paths share one label so that
// arbitrary client input cannot grow the label set.
func (d *Dispatcher) observe(call Call, code ErrorCode, start time.Time) {
	if d.metrics == nil {
		return
	}
	if _, ok := d.router.Lookup(call.Path); !ok {
		call.Path = "<unknown>"
	}
	d.metrics.observeCall(call, code, time.Since(start))
}

type streamItem struct {
	value any
	err   error
}

// stream drives a subscription's event sequence in its own goroutine and
// converts events to envelopes. When the consumer stops, the producer's
// next yield returns false and the subscription context is canceled; the
// returned sequence does not finish until the producer has returned, so
// deferred cleanup in the resolver has run by then. A producer that has not
// returned within the stop timeout is logged and left to finish on its own.
func (d *Dispatcher) stream(ctx context.Context, cancel context.CancelFunc, call Call, proc *Procedure, s Stream) iter.Seq[ResponseMessage] {
	return func(yield func(ResponseMessage) bool) {
		items := make(chan streamItem)
		done := make(chan struct{})
		finished := make(chan struct{})
		d.metrics.subscriptionStarted(call.Path)
		defer func() {
			cancel()
			close(done)
			d.awaitProducer(call, finished)
		}()

		go func() {
			defer close(finished)
			defer d.metrics.subscriptionEnded(call.Path)
			defer close(items)
			defer func() {
				if rv := recover(); rv != nil {
					select {
					case items <- streamItem{err: ErrInternal(fmt.Errorf("panic: %v", rv))}:
					case <-done:
					}
				}
			}()
			s(func(v any, err error) bool {
				select {
				case items <- streamItem{value: v, err: err}:
					return true
				case <-done:
					return false
				case <-ctx.Done():
					return false
				}
			})
		}()

		for {
			select {
			case <-ctx.Done():
				yield(controlMessage(call.ID, ResultStopped))
				return
			case it, ok := <-items:
				if !ok {
					yield(controlMessage(call.ID, ResultStopped))
					return
				}
				if it.err != nil {
					yield(errorMessage(call.ID, d.errorShape(ctx, call, proc, it.err)))
					return
				}
				msg, err := d.eventMessage(call.ID, it.value)
				if err != nil {
					yield(errorMessage(call.ID, d.errorShape(ctx, call, proc, err)))
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// awaitProducer waits for a canceled subscription's producer to return.
func (d *Dispatcher) awaitProducer(call Call, finished <-chan struct{}) {
	t := time.NewTimer(d.stopTimeout)
	defer t.Stop()
	select {
	case <-finished:
	case <-t.C:
		d.logger.Warn("subscription producer ignored cancellation",
			"path", call.Path, "id", call.ID, "timeout", d.stopTimeout)
	}
}

// eventMessage serializes one subscription event.
func (d *Dispatcher) eventMessage(id int64, v any) (ResponseMessage, error) {
	var token string
	if t, ok := v.(tracked); ok {
		token = t.trackedID()
		if token == "" {
			return ResponseMessage{}, ErrInternal(errors.New("tracked event with empty id"))
		}
		v = t.trackedData()
	}
	data, err := d.transformer.Serialize(v)
	if err != nil {
		return ResponseMessage{}, ErrInternal(fmt.Errorf("serialize event: %w", err))
	}
	msg := dataMessage(id, data)
	msg.Result.ID = token
	return msg, nil
}

// errorShape converts err to its wire form, logging unexpected failures.
func (d *Dispatcher) errorShape(ctx context.Context, call Call, proc *Procedure, err error) ErrorShape {
	perr := FromError(err)
	if perr.Code == CodeInternalServerError {
		d.logger.Error("procedure failed", "path", call.Path, "type", call.Type, "id", call.ID, "err", err)
	} else {
		d.logger.Debug("procedure returned error", "path", call.Path, "type", call.Type, "code", perr.Code, "err", err)
	}
	if d.onError != nil {
		d.reportError(ctx, call, perr)
	}

	shape := ErrorShape{
		Code:    perr.Code.Number(),
		Message: perr.Message,
		Data: &ErrorData{
			Code:       perr.Code,
			HTTPStatus: perr.Code.HTTPStatus(),
			Path:       call.Path,
		},
	}
	if perr.Data != nil && proc != nil && proc.declares(perr.Code) {
		if details, err := d.transformer.Serialize(perr.Data); err == nil {
			shape.Data.Details = details
		} else {
			d.logger.Error("serialize error data", "path", call.Path, "err", err)
		}
	}
	if d.formatError != nil {
		shape = d.format(call, shape, perr)
	}
	return shape
}

func (d *Dispatcher) afterCall(ctx context.Context, call Call, err error) {
	defer d.recoverHook("AfterCall", call)
	for _, ic := range d.interceptors {
		ic.AfterCall(ctx, call, err)
	}
}

func (d *Dispatcher) reportError(ctx context.Context, call Call, perr *Error) {
	defer d.recoverHook("OnError", call)
	d.onError(ctx, ErrorEvent{Error: perr, Path: call.Path, Type: call.Type, Input: call.Input})
}

// format applies the error formatter. A formatter that panics leaves the
// shape as it was.
func (d *Dispatcher) format(call Call, shape ErrorShape, perr *Error) (out ErrorShape) {
	out = shape
	defer d.recoverHook("ErrorFormatter", call)
	formatted := d.formatError(shape, perr)
	if formatted.Data == nil {
		formatted.Data = &ErrorData{Code: perr.Code}
	}
	return formatted
}

// recoverHook logs a panic in a user hook so that the call can go on.
func (d *Dispatcher) recoverHook(hook string, call Call) {
	if rv := recover(); rv != nil {
		d.logger.Error("hook panicked", "hook", hook, "path", call.Path, "panic", rv)
	}
}
