package observable

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// ErrEmpty is returned by First when the observable completes without a
// value.
var ErrEmpty = errors.New("observable: completed without a value")

// Of emits vs in order, then completes.
func Of[T any](vs ...T) *Observable[T] {
	return New(func(obs Observer[T]) func() {
		for _, v := range vs {
			obs.Next(v)
		}
		obs.Complete()
		return nil
	})
}

// Throw fails every subscription with err.
func Throw[T any](err error) *Observable[T] {
	return New(func(obs Observer[T]) func() {
		obs.Error(err)
		return nil
	})
}

// FromSeq emits the values of the sequence fn returns, pulled from a new
// goroutine. A non-nil error from the sequence fails the subscription. fn
// receives a context derived from parent that Unsubscribe cancels; a
// sequence that blocks must return once it is done. After Unsubscribe the
// next yield returns false.
func FromSeq[T any](parent context.Context, fn func(ctx context.Context) iter.Seq2[T, error]) *Observable[T] {
	return New(func(obs Observer[T]) func() {
		ctx, cancel := context.WithCancel(parent)
		stop := make(chan struct{})
		go func() {
			defer cancel()
			for v, err := range fn(ctx) {
				select {
				case <-stop:
					return
				default:
				}
				if err != nil {
					obs.Error(err)
					return
				}
				obs.Next(v)
			}
			obs.Complete()
		}()
		return func() {
			close(stop)
			cancel()
		}
	})
}

// Map applies fn to each value. An error from fn fails the subscription.
func Map[T, U any](o *Observable[T], fn func(T) (U, error)) *Observable[U] {
	return New(func(obs Observer[U]) func() {
		// A failure from fn ends the outer subscription, whose teardown
		// unsubscribes from o.
		sub := o.Subscribe(Observer[T]{
			Next: func(v T) {
				u, err := fn(v)
				if err != nil {
					obs.Error(err)
					return
				}
				obs.Next(u)
			},
			Error:    obs.Error,
			Complete: obs.Complete,
		})
		return sub.Unsubscribe
	})
}

// Tap calls the callbacks of side for every event before passing it on.
func Tap[T any](o *Observable[T], side Observer[T]) *Observable[T] {
	return New(func(obs Observer[T]) func() {
		sub := o.Subscribe(Observer[T]{
			Next: func(v T) {
				if side.Next != nil {
					side.Next(v)
				}
				obs.Next(v)
			},
			Error: func(err error) {
				if side.Error != nil {
					side.Error(err)
				}
				obs.Error(err)
			},
			Complete: func() {
				if side.Complete != nil {
					side.Complete()
				}
				obs.Complete()
			},
		})
		return sub.Unsubscribe
	})
}

// Finally calls fn once the subscription is torn down, however it ended.
func Finally[T any](o *Observable[T], fn func()) *Observable[T] {
	return New(func(obs Observer[T]) func() {
		sub := o.Subscribe(obs)
		return func() {
			sub.Unsubscribe()
			fn()
		}
	})
}

// Share returns an observable that multiplexes one subscription to o
// across all of its subscribers. The upstream subscription starts with the
// first subscriber and is torn down when the last one leaves; a later
// subscriber starts a fresh upstream subscription.
func Share[T any](o *Observable[T]) *Observable[T] {
	var mu sync.Mutex
	var rc *RefCounted[T]
	return New(func(obs Observer[T]) func() {
		for {
			mu.Lock()
			if rc == nil || rc.State() >= Draining {
				rc = NewRefCounted(o)
			}
			cur := rc
			mu.Unlock()

			remove, err := cur.Add(obs)
			if err == nil {
				return remove
			}
			mu.Lock()
			if rc == cur {
				rc = nil
			}
			mu.Unlock()
		}
	})
}

// First subscribes to o and returns its first value. It returns the error
// that fails o, ErrEmpty if o completes first, or ctx's error.
func First[T any](ctx context.Context, o *Observable[T]) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	var once sync.Once
	settle := func(r result) {
		once.Do(func() { ch <- r })
	}
	sub := o.Subscribe(Observer[T]{
		Next:     func(v T) { settle(result{v: v}) },
		Error:    func(err error) { settle(result{err: err}) },
		Complete: func() { settle(result{err: ErrEmpty}) },
	})
	defer sub.Unsubscribe()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
