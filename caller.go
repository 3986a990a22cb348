package procwire

import (
	"context"
	"fmt"
)

// Caller invokes procedures in-process with a fixed context, bypassing
// the wire. Calls run through the same dispatcher path, and therefore the
// same middleware, as calls from a transport. Results are the resolvers'
// values, not serialized.
type Caller struct {
	d   *Dispatcher
	ctx context.Context
}

// CreateCaller returns a Caller for r using default options.
func (r *Router) CreateCaller(ctx context.Context) *Caller {
	return NewDispatcher(r).CreateCaller(ctx)
}

// CreateCaller returns a Caller that runs calls with ctx.
func (d *Dispatcher) CreateCaller(ctx context.Context) *Caller {
	return &Caller{d: d, ctx: ctx}
}

// Query invokes the query at path.
func (c *Caller) Query(path string, input any) (any, error) {
	return c.call(TypeQuery, path, input)
}

// Mutate invokes the mutation at path.
func (c *Caller) Mutate(path string, input any) (any, error) {
	return c.call(TypeMutation, path, input)
}

// Subscribe starts the subscription at path. Iterating the returned stream
// pulls events; breaking out of the loop stops the subscription.
func (c *Caller) Subscribe(path string, input any, lastEventID string) (Stream, error) {
	out, _, err := c.d.invoke(c.ctx, Call{Path: path, Type: TypeSubscription, Input: input, LastEventID: lastEventID})
	if err != nil {
		return nil, FromError(err)
	}
	s, ok := out.(Stream)
	if !ok {
		return nil, ErrInternal(fmt.Errorf("subscription middleware returned %T, want a stream", out))
	}
	return s, nil
}

func (c *Caller) call(typ ProcedureType, path string, input any) (any, error) {
	out, _, err := c.d.invoke(c.ctx, Call{Path: path, Type: typ, Input: input})
	if err != nil {
		return nil, FromError(err)
	}
	return out, nil
}

// Invoke calls a query or mutation through c and asserts the result type.
func Invoke[Out any](c *Caller, typ ProcedureType, path string, input any) (Out, error) {
	var zero Out
	out, err := c.call(typ, path, input)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	v, ok := out.(Out)
	if !ok {
		return zero, ErrInternal(fmt.Errorf("procedure %q returned %T, want %T", path, out, zero))
	}
	return v, nil
}
