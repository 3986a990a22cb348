package procwire

import (
	"context"
	"net/http/httptest"
)

// WithTestConnection returns a context carrying a minimal [Conn] with the
// given ID, as seen by procedures through [Connection]. The connection has
// no functioning transport and is intended exclusively for use in tests.
func WithTestConnection(ctx context.Context, id string) context.Context {
	c := &Conn{
		id:      id,
		request: httptest.NewRequest("GET", "/", nil),
		active:  make(map[int64]context.CancelFunc),
		values:  make(map[any]any),
	}
	return withConnection(ctx, c)
}
