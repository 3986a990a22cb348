// Package client calls procwire procedures through a chain of links. The
// last link of the chain performs the call over HTTP, WebSocket, or
// in-process; links before it can log, retry, split or batch operations.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marrasen/procwire"
	"github.com/marrasen/procwire/observable"
)

// Config configures a Client.
type Config struct {
	// Links is the link chain. The last link must terminate operations.
	Links []Link
	// Transformer serializes inputs and deserializes results.
	// Default: procwire.DefaultTransformer
	Transformer procwire.Transformer
}

// operationIDs numbers operations across every Client in the process, so
// clients sharing a link never issue the same ID.
var operationIDs atomic.Int64

// Client issues calls through its link chain. It is safe for concurrent
// use.
type Client struct {
	run         Next
	transformer procwire.Transformer

	mu sync.Mutex
	// subs holds the multiplexer of each active path+input. An entry is
	// removed only by the teardown of the multiplexer it holds.
	subs map[string]*observable.RefCounted[*Result]
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if len(cfg.Links) == 0 {
		return nil, errors.New("client: at least one link is required")
	}
	t := cfg.Transformer
	if t == nil {
		t = procwire.DefaultTransformer
	}
	return &Client{
		run:         chain(cfg.Links),
		transformer: t,
		subs:        make(map[string]*observable.RefCounted[*Result]),
	}, nil
}

// Request returns the raw result stream of a call. Each subscription to the
// returned observable issues a new operation.
func (c *Client) Request(ctx context.Context, typ procwire.ProcedureType, path string, input any) *observable.Observable[*Result] {
	return observable.New(func(obs observable.Observer[*Result]) func() {
		op, err := c.operation(ctx, typ, path, input)
		if err != nil {
			obs.Error(err)
			return nil
		}
		sub := c.results(c.run(op)).Subscribe(obs)
		return sub.Unsubscribe
	})
}

func (c *Client) operation(ctx context.Context, typ procwire.ProcedureType, path string, input any) (*Operation, error) {
	op := &Operation{
		ID:   operationIDs.Add(1),
		Type: typ,
		Path: path,
		ctx:  ctx,
	}
	if input != nil {
		data, err := c.transformer.Serialize(input)
		if err != nil {
			return nil, fmt.Errorf("client: serialize input for %s: %w", path, err)
		}
		op.Input = data
	}
	return op, nil
}

// results attaches the client's transformer to every result.
func (c *Client) results(o *observable.Observable[*Result]) *observable.Observable[*Result] {
	return observable.Map(o, func(r *Result) (*Result, error) {
		r.transformer = c.transformer
		return r, nil
	})
}

// Query calls a query procedure and decodes its result into out, which may
// be nil to discard it.
func (c *Client) Query(ctx context.Context, path string, input, out any) error {
	return c.call(ctx, procwire.TypeQuery, path, input, out)
}

// Mutate calls a mutation procedure and decodes its result into out, which
// may be nil to discard it.
func (c *Client) Mutate(ctx context.Context, path string, input, out any) error {
	return c.call(ctx, procwire.TypeMutation, path, input, out)
}

func (c *Client) call(ctx context.Context, typ procwire.ProcedureType, path string, input, out any) error {
	res, err := observable.First(ctx, c.Request(ctx, typ, path, input))
	if err != nil {
		var perr *Error
		if !errors.As(err, &perr) && ctx.Err() != nil {
			return canceledError(path, err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("client: decode result of %s: %w", path, err)
	}
	return nil
}

// Subscribe starts a subscription and delivers its results to obs. The
// subscription ends when the returned handle is unsubscribed, when ctx
// ends, or when the server stops it.
//
// Subscribers to the same path and input share one underlying operation,
// which is torn down when the last of them leaves. A subscriber that joins
// an active operation does not see the events delivered before it joined.
func (c *Client) Subscribe(ctx context.Context, path string, input any, obs observable.Observer[*Result]) *observable.Subscription {
	key, err := c.subscriptionKey(path, input)
	if err != nil {
		return observable.Throw[*Result](err).Subscribe(obs)
	}
	return observable.New(func(o observable.Observer[*Result]) func() {
		remove := c.join(ctx, key, path, input, o)
		stop := context.AfterFunc(ctx, remove)
		return func() {
			stop()
			remove()
		}
	}).Subscribe(obs)
}

func (c *Client) subscriptionKey(path string, input any) (string, error) {
	var key string
	if input != nil {
		data, err := c.transformer.Serialize(input)
		if err != nil {
			return "", fmt.Errorf("client: serialize input for %s: %w", path, err)
		}
		key = string(data)
	}
	return path + "\x00" + key, nil
}

// join attaches obs to the multiplexer for key, starting one if none is
// active, and returns the function that detaches it.
func (c *Client) join(ctx context.Context, key, path string, input any, obs observable.Observer[*Result]) func() {
	for {
		rc := c.multiplexer(ctx, key, path, input)
		remove, err := rc.Add(obs)
		if err == nil {
			return remove
		}
		// rc drained between lookup and Add.
		c.release(key, rc)
	}
}

// multiplexer returns the active multiplexer for key. One that is draining
// is replaced, never reused: its teardown may still be running.
func (c *Client) multiplexer(ctx context.Context, key, path string, input any) *observable.RefCounted[*Result] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc, ok := c.subs[key]; ok && rc.State() < observable.Draining {
		return rc
	}
	// The shared operation outlives any one subscriber's context; its
	// lifetime follows the subscriber count.
	upstream := c.Request(context.WithoutCancel(ctx), procwire.TypeSubscription, path, input)
	var rc *observable.RefCounted[*Result]
	rc = observable.NewRefCounted(observable.Finally(upstream, func() { c.release(key, rc) }))
	c.subs[key] = rc
	return rc
}

// release drops the entry for key if it still holds rc.
func (c *Client) release(key string, rc *observable.RefCounted[*Result]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[key] == rc {
		delete(c.subs, key)
	}
}

// ActiveSubscriptions returns the number of distinct shared subscriptions
// with at least one subscriber.
func (c *Client) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
