package procwire

import (
	"context"
	"sync"
	"sync/atomic"
)

// Request contains information about the call flowing through a
// middleware chain. A Request belongs to exactly one call.
type Request struct {
	ID          int64         // Request ID for correlation
	Path        string        // Dot-separated procedure path
	Type        ProcedureType // Declared type of the call
	LastEventID string        // Resumption token for subscriptions

	proc  *Procedure
	input *lazyInput
}

// Handler represents the next step in the middleware chain.
type Handler func(ctx context.Context, req *Request) (any, error)

// Middleware wraps a Handler to add cross-cutting behavior. To extend the
// call context, pass a derived context to next; the caller's context is
// never modified.
type Middleware func(next Handler) Handler

// RawInput returns the input as received, before any parsing. Over a wire
// transport this is a jsontext.Value.
func (r *Request) RawInput() any { return r.input.raw }

// Input returns the parsed input. The raw input is parsed on the first call
// only; parse failures are reported as BAD_REQUEST and stop the rest of the
// chain.
func (r *Request) Input() (any, error) { return r.input.get() }

// Meta returns the metadata attached to the procedure with [Builder.Meta].
func (r *Request) Meta() any {
	if r.proc == nil {
		return nil
	}
	return r.proc.meta
}

type lazyInput struct {
	once   sync.Once
	parsed atomic.Bool
	parse  func(any) (any, error)
	raw    any
	value  any
	err    error
}

func (l *lazyInput) get() (any, error) {
	l.once.Do(func() {
		l.value, l.err = l.parse(l.raw)
		l.parsed.Store(true)
	})
	return l.value, l.err
}

// failed returns the parse error if parsing has happened and failed.
func (l *lazyInput) failed() error {
	if !l.parsed.Load() {
		return nil
	}
	return l.err
}

// guard runs before every step of the chain after the first. It stops the
// chain when the input has already failed to parse or the call is canceled.
func guard(next Handler) Handler {
	return func(ctx context.Context, req *Request) (any, error) {
		if err := req.input.failed(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, FromError(err)
		}
		return next(ctx, req)
	}
}

// chain composes middleware around h. The first middleware is outermost.
func chain(h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](guard(h))
	}
	return h
}
