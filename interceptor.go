package procwire

import "context"

// CallInterceptor allows external packages to hook into the call
// lifecycle. BeforeCall runs before the procedure is resolved and may
// enrich the context. AfterCall runs when the chain returns; for a
// subscription that is when its stream has been created, not when it ends.
type CallInterceptor interface {
	BeforeCall(ctx context.Context, call Call) context.Context
	AfterCall(ctx context.Context, call Call, err error)
}
