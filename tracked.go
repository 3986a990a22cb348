package procwire

import "context"

// TrackedEvent is a subscription event carrying a resumption token.
// Tokens must be strictly ordered within one subscription; the client keeps
// only the last one it saw and sends it back as LastEventID on reconnect.
type TrackedEvent[T any] struct {
	ID   string
	Data T
}

// Tracked wraps data with its resumption token.
func Tracked[T any](id string, data T) TrackedEvent[T] {
	return TrackedEvent[T]{ID: id, Data: data}
}

func (e TrackedEvent[T]) trackedID() string { return e.ID }
func (e TrackedEvent[T]) trackedData() any  { return e.Data }

type tracked interface {
	trackedID() string
	trackedData() any
}

// LastEventID returns the resumption token the client sent with this
// subscription, or "" on a first connect. Resolvers resume emission with
// the event after it.
func LastEventID(ctx context.Context) string {
	if req := RequestFromContext(ctx); req != nil {
		return req.LastEventID
	}
	return ""
}
