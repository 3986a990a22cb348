package procwire

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Parser validates or transforms a value. A schema library is adapted to
// procwire by wrapping its validation entry point in a Parser.
type Parser interface {
	Parse(v any) (any, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(v any) (any, error)

func (f ParserFunc) Parse(v any) (any, error) { return f(v) }

// Validator is implemented by input types that can check themselves after
// decoding.
type Validator interface {
	Validate() error
}

// Builder accumulates the parts shared by procedures. Every method returns
// a new Builder; the receiver is left unchanged, so a Builder can be used as
// the base of any number of procedures.
//
//	authed := procwire.NewBuilder().Use(auth)
//	getUser := procwire.Query(authed.Input(validID), getUserFn)
type Builder struct {
	middlewares []Middleware
	inputs      []Parser
	outputs     []Parser
	meta        any
	errors      []ErrorCode
}

// NewBuilder returns an empty procedure builder.
func NewBuilder() Builder { return Builder{} }

// Use appends middleware to the chain. Middleware runs in the order added.
func (b Builder) Use(mw ...Middleware) Builder {
	b.middlewares = append(slices.Clip(b.middlewares), mw...)
	return b
}

// Input appends an input parser. Parsers run in order after the wire input
// is decoded, each receiving the output of the previous one.
func (b Builder) Input(p Parser) Builder {
	b.inputs = append(slices.Clip(b.inputs), p)
	return b
}

// Output appends an output parser, run on the resolver's result.
func (b Builder) Output(p Parser) Builder {
	b.outputs = append(slices.Clip(b.outputs), p)
	return b
}

// Meta attaches arbitrary metadata, visible to middleware via [Request.Meta].
func (b Builder) Meta(meta any) Builder {
	b.meta = meta
	return b
}

// Errors declares the error kinds the procedure is expected to return.
// Only errors of declared kinds carry their Data to the client.
func (b Builder) Errors(codes ...ErrorCode) Builder {
	b.errors = append(slices.Clip(b.errors), codes...)
	return b
}

// Procedure is an immutable, built procedure.
type Procedure struct {
	typ     ProcedureType
	meta    any
	errors  []ErrorCode
	handler Handler
	parse   func(any) (any, error)
}

// Type returns the declared type of p.
func (p *Procedure) Type() ProcedureType { return p.typ }

// Meta returns the metadata attached to p.
func (p *Procedure) Meta() any { return p.meta }

// declares reports whether code is one of p's expected error kinds.
func (p *Procedure) declares(code ErrorCode) bool { return slices.Contains(p.errors, code) }

// newRequest prepares the per-call request state for p.
func (p *Procedure) newRequest(call Call) *Request {
	return &Request{
		ID:          call.ID,
		Path:        call.Path,
		Type:        call.Type,
		LastEventID: call.LastEventID,
		proc:        p,
		input:       &lazyInput{parse: p.parse, raw: call.Input},
	}
}

// Stream is the type-erased event sequence produced by a subscription.
type Stream = iter.Seq2[any, error]

// Query builds a query procedure.
func Query[In, Out any](b Builder, fn func(ctx context.Context, in In) (Out, error)) *Procedure {
	return build(TypeQuery, b, func(ctx context.Context, in In) (any, error) {
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return parseOutput(b.outputs, out)
	})
}

// Mutation builds a mutation procedure.
func Mutation[In, Out any](b Builder, fn func(ctx context.Context, in In) (Out, error)) *Procedure {
	return build(TypeMutation, b, func(ctx context.Context, in In) (any, error) {
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return parseOutput(b.outputs, out)
	})
}

// Subscription builds a subscription procedure. The resolver returns a
// sequence of events; use [Tracked] values to let clients resume after a
// reconnect. The sequence must stop when ctx is done, and any cleanup
// belongs in a defer inside the sequence function, which runs as soon as
// the consumer stops pulling.
func Subscription[In, Out any](b Builder, fn func(ctx context.Context, in In) (iter.Seq2[Out, error], error)) *Procedure {
	return build(TypeSubscription, b, func(ctx context.Context, in In) (any, error) {
		seq, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		if seq == nil {
			return nil, ErrInternal(fmt.Errorf("subscription resolver returned a nil sequence"))
		}
		outputs := b.outputs
		return Stream(func(yield func(any, error) bool) {
			for v, err := range seq {
				if err != nil {
					yield(nil, err)
					return
				}
				out, err := parseOutput(outputs, v)
				if !yield(out, err) || err != nil {
					return
				}
			}
		}), nil
	})
}

func build[In any](typ ProcedureType, b Builder, resolve func(context.Context, In) (any, error)) *Procedure {
	inputs := b.inputs
	p := &Procedure{
		typ:    typ,
		meta:   b.meta,
		errors: b.errors,
		parse: func(raw any) (any, error) {
			return parseInput[In](inputs, raw)
		},
	}
	final := func(ctx context.Context, req *Request) (any, error) {
		v, err := req.Input()
		if err != nil {
			return nil, err
		}
		in, _ := v.(In)
		return resolve(ctx, in)
	}
	p.handler = chain(final, b.middlewares)
	return p
}

// parseInput decodes raw into In and runs the input parsers.
func parseInput[In any](parsers []Parser, raw any) (any, error) {
	var in In
	switch v := raw.(type) {
	case nil:
	case jsontext.Value:
		if len(v) > 0 {
			if err := json.Unmarshal(v, &in); err != nil {
				return nil, WrapError(CodeBadRequest, "invalid input", err)
			}
		}
	case In:
		in = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, WrapError(CodeBadRequest, "invalid input", err)
		}
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, WrapError(CodeBadRequest, "invalid input", err)
		}
	}

	var val any = in
	for _, p := range parsers {
		next, err := p.Parse(val)
		if err != nil {
			return nil, inputError(err)
		}
		val = next
	}
	typed, ok := val.(In)
	if !ok && val != nil {
		return nil, WrapError(CodeBadRequest, "invalid input",
			fmt.Errorf("parser produced %T, want %T", val, in))
	}
	if v, ok := any(typed).(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, inputError(err)
		}
	}
	return typed, nil
}

// inputError reports a validation failure as BAD_REQUEST unless the parser
// already chose a protocol error.
func inputError(err error) error {
	if perr, ok := err.(*Error); ok {
		return perr
	}
	return WrapError(CodeBadRequest, "input validation failed: "+err.Error(), err)
}

// parseOutput runs the output parsers. A failure is the server's fault.
func parseOutput(parsers []Parser, out any) (any, error) {
	for _, p := range parsers {
		next, err := p.Parse(out)
		if err != nil {
			return nil, WrapError(CodeInternalServerError, "output validation failed", err)
		}
		out = next
	}
	return out, nil
}
