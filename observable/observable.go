// Package observable implements a minimal push-based stream: an Observable
// delivers zero or more values followed by at most one terminal event, and
// subscribing returns a handle whose Unsubscribe runs the source's teardown.
//
// Observables are cold: every Subscribe runs the source function again.
// Use Share to multiplex one upstream subscription across many subscribers.
package observable

import "sync"

// Observer receives the events of a subscription. Nil callbacks are
// ignored. After Error or Complete no further events are delivered.
type Observer[T any] struct {
	Next     func(T)
	Error    func(error)
	Complete func()
}

// Observable is a cold stream of T.
type Observable[T any] struct {
	subscribe func(Observer[T]) func()
}

// New creates an observable from a source function. The source receives an
// observer and returns a teardown function, which may be nil. The source
// may emit synchronously or from other goroutines; emissions must not
// overlap.
func New[T any](fn func(Observer[T]) func()) *Observable[T] {
	return &Observable[T]{subscribe: fn}
}

// Subscribe runs the source with obs and returns the subscription handle.
func (o *Observable[T]) Subscribe(obs Observer[T]) *Subscription {
	sub := &Subscription{}
	safe := &safeObserver[T]{obs: obs, sub: sub}
	teardown := o.subscribe(Observer[T]{
		Next:     safe.next,
		Error:    safe.error,
		Complete: safe.complete,
	})
	sub.setTeardown(teardown)
	return sub
}

// Subscription is the handle of one subscription.
type Subscription struct {
	mu       sync.Mutex
	closed   bool
	ready    bool
	tornDown bool
	teardown func()
}

// Unsubscribe stops delivery and runs the teardown. It is safe to call
// more than once and from any goroutine; the teardown runs exactly once.
// If the source is still being subscribed, the teardown runs as soon as
// the source returns it.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	s.closed = true
	run := s.ready && !s.tornDown
	if run {
		s.tornDown = true
	}
	td := s.teardown
	s.mu.Unlock()
	if run && td != nil {
		td()
	}
}

// Closed reports whether the subscription has ended, either by Unsubscribe
// or by a terminal event.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) setTeardown(td func()) {
	s.mu.Lock()
	s.teardown = td
	s.ready = true
	run := s.closed && !s.tornDown
	if run {
		s.tornDown = true
	}
	s.mu.Unlock()
	if run && td != nil {
		td()
	}
}

// terminate marks the subscription closed. It reports false if it already
// was.
func (s *Subscription) terminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

type safeObserver[T any] struct {
	obs Observer[T]
	sub *Subscription
}

func (s *safeObserver[T]) next(v T) {
	if s.sub.Closed() || s.obs.Next == nil {
		return
	}
	s.obs.Next(v)
}

func (s *safeObserver[T]) error(err error) {
	if !s.sub.terminate() {
		return
	}
	if s.obs.Error != nil {
		s.obs.Error(err)
	}
	s.sub.Unsubscribe()
}

func (s *safeObserver[T]) complete() {
	if !s.sub.terminate() {
		return
	}
	if s.obs.Complete != nil {
		s.obs.Complete()
	}
	s.sub.Unsubscribe()
}
