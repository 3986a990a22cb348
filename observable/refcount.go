package observable

import (
	"errors"
	"sync"
)

// ErrDrained is returned by RefCounted.Add once the upstream subscription
// has been torn down.
var ErrDrained = errors.New("observable: ref-counted subscription already drained")

// State is the lifecycle state of a RefCounted.
type State int

const (
	// Idle: no subscribers yet, upstream not subscribed.
	Idle State = iota
	// Active: at least one subscriber, upstream subscribed.
	Active
	// Draining: the upstream is being torn down.
	Draining
	// Drained: the upstream is gone. Add fails from here on.
	Drained
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Drained:
		return "drained"
	}
	return "unknown"
}

// RefCounted multiplexes one upstream subscription across a set of
// observers. The upstream is subscribed when the first observer is added
// and torn down exactly once, when the last observer is removed or when
// the upstream terminates. A drained RefCounted never restarts.
type RefCounted[T any] struct {
	source *Observable[T]

	mu        sync.Mutex
	state     State
	observers map[uint64]Observer[T]
	nextID    uint64
	upstream  *Subscription
}

// NewRefCounted creates an idle multiplexer over source.
func NewRefCounted[T any](source *Observable[T]) *RefCounted[T] {
	return &RefCounted[T]{
		source:    source,
		observers: make(map[uint64]Observer[T]),
	}
}

// State returns the current state.
func (r *RefCounted[T]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Count returns the number of attached observers.
func (r *RefCounted[T]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// Add attaches obs and returns the function that detaches it. Detaching
// the last observer tears down the upstream. Add fails with ErrDrained
// once the upstream is gone.
func (r *RefCounted[T]) Add(obs Observer[T]) (remove func(), err error) {
	r.mu.Lock()
	if r.state >= Draining {
		r.mu.Unlock()
		return nil, ErrDrained
	}
	id := r.nextID
	r.nextID++
	r.observers[id] = obs
	start := r.state == Idle
	if start {
		r.state = Active
	}
	r.mu.Unlock()

	var once sync.Once
	remove = func() { once.Do(func() { r.remove(id) }) }

	if start {
		sub := r.source.Subscribe(Observer[T]{
			Next:     r.next,
			Error:    r.error,
			Complete: r.complete,
		})
		r.mu.Lock()
		r.upstream = sub
		drop := r.state >= Draining
		r.mu.Unlock()
		if drop {
			sub.Unsubscribe()
			r.setState(Drained)
		}
	}
	return remove, nil
}

func (r *RefCounted[T]) remove(id uint64) {
	r.mu.Lock()
	if _, ok := r.observers[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.observers, id)
	if len(r.observers) > 0 || r.state != Active {
		r.mu.Unlock()
		return
	}
	r.state = Draining
	sub := r.upstream
	r.mu.Unlock()

	// A nil upstream means Add is still subscribing; it tears down once the
	// handle is available.
	if sub != nil {
		sub.Unsubscribe()
		r.setState(Drained)
	}
}

func (r *RefCounted[T]) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *RefCounted[T]) snapshot() []Observer[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Observer[T], 0, len(r.observers))
	for _, obs := range r.observers {
		out = append(out, obs)
	}
	return out
}

// finish moves to Drained on upstream termination and returns the
// observers that must receive the terminal event.
func (r *RefCounted[T]) finish() []Observer[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Observer[T], 0, len(r.observers))
	for _, obs := range r.observers {
		out = append(out, obs)
	}
	clear(r.observers)
	r.state = Drained
	return out
}

func (r *RefCounted[T]) next(v T) {
	for _, obs := range r.snapshot() {
		if obs.Next != nil {
			obs.Next(v)
		}
	}
}

func (r *RefCounted[T]) error(err error) {
	for _, obs := range r.finish() {
		if obs.Error != nil {
			obs.Error(err)
		}
	}
}

func (r *RefCounted[T]) complete() {
	for _, obs := range r.finish() {
		if obs.Complete != nil {
			obs.Complete()
		}
	}
}
