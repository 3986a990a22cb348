package procwire

import (
	"context"
	"net/http"
)

type contextKey int

const (
	connectionKey contextKey = iota
	requestKey
	httpRequestKey
)

// Connection returns the WebSocket connection the call arrived on.
// Returns nil if not present.
func Connection(ctx context.Context) *Conn {
	if c, ok := ctx.Value(connectionKey).(*Conn); ok {
		return c
	}
	return nil
}

// withConnection returns a context with the given connection.
func withConnection(ctx context.Context, c *Conn) context.Context {
	return context.WithValue(ctx, connectionKey, c)
}

// RequestFromContext returns the Request of the call in progress.
// Returns nil if not present.
func RequestFromContext(ctx context.Context) *Request {
	if req, ok := ctx.Value(requestKey).(*Request); ok {
		return req
	}
	return nil
}

// withRequest returns a context with the given request.
func withRequest(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, requestKey, req)
}

// HTTPRequest returns the HTTP request that carried the call, or the
// upgrade request of its WebSocket connection. Returns nil for in-process
// calls.
func HTTPRequest(ctx context.Context) *http.Request {
	if r, ok := ctx.Value(httpRequestKey).(*http.Request); ok {
		return r
	}
	return nil
}

// withHTTPRequest returns a context with the given HTTP request.
func withHTTPRequest(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, httpRequestKey, r)
}
