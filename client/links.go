package client

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/marrasen/procwire"
	"github.com/marrasen/procwire/observable"
)

// Dispatcher is the server side of LocalLink. *procwire.Dispatcher and
// *procwire.Server implement it.
type Dispatcher interface {
	Dispatch(ctx context.Context, call procwire.Call) procwire.Response
}

// LocalLink returns a terminating link that dispatches operations to d in
// the same process.
func LocalLink(d Dispatcher) Link {
	return func(op *Operation, _ Next) *observable.Observable[*Result] {
		call := procwire.Call{
			ID:          op.ID,
			Path:        op.Path,
			Type:        op.Type,
			LastEventID: op.LastEventID,
		}
		if len(op.Input) > 0 {
			call.Input = op.Input
		}
		return observable.FromSeq(op.Context(), func(ctx context.Context) iter.Seq2[*Result, error] {
			return func(yield func(*Result, error) bool) {
				resp := d.Dispatch(ctx, call)
				res, err := fromMessage(resp.Message, 0)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(res, nil) || resp.Stream == nil {
					return
				}
				for msg := range resp.Stream {
					res, err := fromMessage(msg, 0)
					if err != nil {
						yield(nil, err)
						return
					}
					if res.Type == procwire.ResultStopped || !yield(res, nil) {
						return
					}
				}
			}
		})
	}
}

// SplitLink routes operations for which cond holds to the yes chain and
// the rest to the no chain. Each chain must terminate its operations.
func SplitLink(cond func(op *Operation) bool, yes, no []Link) Link {
	onYes, onNo := chain(yes), chain(no)
	return func(op *Operation, _ Next) *observable.Observable[*Result] {
		if cond(op) {
			return onYes(op)
		}
		return onNo(op)
	}
}

// IsSubscription is a SplitLink condition.
func IsSubscription(op *Operation) bool { return op.Type == procwire.TypeSubscription }

// RetryOptions configures RetryLink.
type RetryOptions struct {
	// Attempts is the number of retries after the first attempt.
	// Default: 3
	Attempts int
	// Backoff spaces the retries. Default: 1s doubling to 30s, with jitter
	Backoff Backoff
	// Retry decides whether to retry after err. Default: retry transport
	// failures of queries and subscriptions, never mutations.
	Retry func(op *Operation, err error, attempt int) bool
}

func defaultRetry(op *Operation, err error, _ int) bool {
	return op.Type != procwire.TypeMutation && IsTransport(err)
}

// RetryLink returns a link that runs the rest of the chain again when it
// fails. A retried subscription resumes after the last tracked event it
// delivered and does not repeat its started result.
func RetryLink(opts RetryOptions) Link {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Retry == nil {
		opts.Retry = defaultRetry
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = Backoff{Jitter: true}
	}
	return func(op *Operation, next Next) *observable.Observable[*Result] {
		return observable.New(func(obs observable.Observer[*Result]) func() {
			r := &retrier{opts: opts, op: op, next: next, obs: obs, lastEventID: op.LastEventID}
			r.ctx, r.cancel = context.WithCancel(op.Context())
			r.attempt(0)
			return r.stop
		})
	}
}

type retrier struct {
	opts   RetryOptions
	op     *Operation
	next   Next
	obs    observable.Observer[*Result]
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	cur         *observable.Subscription
	stopped     bool
	started     bool
	lastEventID string
}

func (r *retrier) attempt(n int) {
	op := r.op
	r.mu.Lock()
	if r.lastEventID != op.LastEventID {
		op = op.Clone()
		op.LastEventID = r.lastEventID
	}
	r.mu.Unlock()

	sub := r.next(op).Subscribe(observable.Observer[*Result]{
		Next: func(res *Result) {
			r.mu.Lock()
			if res.EventID != "" {
				r.lastEventID = res.EventID
			}
			dup := res.Type == procwire.ResultStarted && r.started
			if res.Type == procwire.ResultStarted {
				r.started = true
			}
			r.mu.Unlock()
			if !dup {
				r.obs.Next(res)
			}
		},
		Error: func(err error) {
			if n >= r.opts.Attempts || r.ctx.Err() != nil || !r.opts.Retry(r.op, err, n+1) {
				r.obs.Error(err)
				return
			}
			go func() {
				if err := sleep(r.ctx, r.opts.Backoff.Delay(n)); err != nil {
					r.obs.Error(canceledError(r.op.Path, err))
					return
				}
				r.attempt(n + 1)
			}()
		},
		Complete: r.obs.Complete,
	})

	r.mu.Lock()
	stopped := r.stopped
	if !stopped {
		r.cur = sub
	}
	r.mu.Unlock()
	if stopped {
		sub.Unsubscribe()
	}
}

func (r *retrier) stop() {
	r.mu.Lock()
	r.stopped = true
	sub := r.cur
	r.mu.Unlock()
	r.cancel()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// LoggerLink returns a link that logs every operation and its outcome.
func LoggerLink(logger *slog.Logger) Link {
	if logger == nil {
		logger = slog.Default()
	}
	return func(op *Operation, next Next) *observable.Observable[*Result] {
		start := time.Now()
		attrs := []any{"id", op.ID, "type", op.Type, "path", op.Path}
		logger.Debug("operation started", attrs...)
		return observable.Tap(next(op), observable.Observer[*Result]{
			Next: func(res *Result) {
				logger.Debug("operation result", append(attrs, "result", res.Type, "event", res.EventID)...)
			},
			Error: func(err error) {
				logger.Info("operation failed", append(attrs, "code", Code(err), "err", err, "duration", time.Since(start))...)
			},
			Complete: func() {
				logger.Debug("operation completed", append(attrs, "duration", time.Since(start))...)
			},
		})
	}
}
