package client

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential reconnect and retry delays.
type Backoff struct {
	Initial    time.Duration // Default: 1s
	Max        time.Duration // Default: 30s
	Multiplier float64       // Default: 2
	// Jitter adds up to 25% of random delay.
	Jitter bool
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	return b
}

// Delay returns the delay before retry attempt n, counting from 0.
func (b Backoff) Delay(n int) time.Duration {
	b = b.withDefaults()
	d := float64(b.Initial)
	for range n {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	delay := time.Duration(d)
	if b.Jitter && delay >= 4 {
		delay += rand.N(delay / 4)
	}
	return delay
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
