package procwire

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit returns middleware that rejects calls with TOO_MANY_REQUESTS
// when limiter has no token available. The limiter is shared by every call
// the middleware wraps.
func RateLimit(limiter *rate.Limiter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if !limiter.Allow() {
				return nil, NewError(CodeTooManyRequests, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}

// RateLimitBy returns middleware that applies a separate limiter per key,
// as computed by keyFn (for example, a user or connection ID). Limiters
// are created on first use with newLimiter. A limiter unused for
// limiterIdle is dropped, so a returning key starts with a fresh limiter.
func RateLimitBy(keyFn func(ctx context.Context, req *Request) string, newLimiter func() *rate.Limiter) Middleware {
	limiters := newLimiterSet(newLimiter, limiterIdle, time.Now)
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if !limiters.get(keyFn(ctx, req)).Allow() {
				return nil, NewError(CodeTooManyRequests, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}

const limiterIdle = 10 * time.Minute

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

type limiterSet struct {
	mu        sync.Mutex
	limiters  map[string]*keyedLimiter
	create    func() *rate.Limiter
	idle      time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newLimiterSet(create func() *rate.Limiter, idle time.Duration, now func() time.Time) *limiterSet {
	return &limiterSet{
		limiters:  make(map[string]*keyedLimiter),
		create:    create,
		idle:      idle,
		now:       now,
		lastSweep: now(),
	}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) >= s.idle {
		s.sweep(now)
	}
	l, ok := s.limiters[key]
	if !ok {
		l = &keyedLimiter{limiter: s.create()}
		s.limiters[key] = l
	}
	l.lastUsed = now
	return l.limiter
}

// sweep drops the limiters idle since before now-idle. The caller holds mu.
func (s *limiterSet) sweep(now time.Time) {
	for key, l := range s.limiters {
		if now.Sub(l.lastUsed) >= s.idle {
			delete(s.limiters, key)
		}
	}
	s.lastSweep = now
}

func (s *limiterSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}
