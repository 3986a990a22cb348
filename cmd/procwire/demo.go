package main

import (
	"context"
	"errors"
	"iter"
	"strconv"
	"sync"
	"time"

	"github.com/marrasen/procwire"
)

type helloInput struct {
	Name string `json:"name"`
}

func (in helloInput) Validate() error {
	if in.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type helloOutput struct {
	Message string `json:"message"`
}

type addInput struct {
	Delta int `json:"delta"`
}

type counterValue struct {
	Value int `json:"value"`
}

type ticksInput struct {
	Interval string `json:"interval,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type tick struct {
	Seq  int       `json:"seq"`
	Time time.Time `json:"time"`
}

// counter is the demo's only mutable state.
type counter struct {
	mu    sync.Mutex
	value int
}

func (c *counter) add(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
	return c.value
}

// demoRouter serves a small set of procedures for trying out clients.
func demoRouter(limit procwire.Middleware) (*procwire.Router, error) {
	var c counter
	base := procwire.NewBuilder()
	if limit != nil {
		base = base.Use(limit)
	}

	return procwire.NewRouter(procwire.Record{
		"greeting": procwire.Record{
			"hello": procwire.Query(base, func(_ context.Context, in helloInput) (helloOutput, error) {
				return helloOutput{Message: "hello, " + in.Name}, nil
			}),
		},
		"counter": procwire.Record{
			"get": procwire.Query(base, func(context.Context, struct{}) (counterValue, error) {
				return counterValue{Value: c.add(0)}, nil
			}),
			"add": procwire.Mutation(base, func(_ context.Context, in addInput) (counterValue, error) {
				return counterValue{Value: c.add(in.Delta)}, nil
			}),
		},
		"clock": procwire.Record{
			"ticks": procwire.Subscription(base, ticks),
		},
	})
}

// ticks emits tracked ticks whose IDs are their sequence numbers, so a
// reconnecting client resumes with the tick after the last one it saw.
func ticks(ctx context.Context, in ticksInput) (iter.Seq2[procwire.TrackedEvent[tick], error], error) {
	interval := time.Second
	if in.Interval != "" {
		d, err := time.ParseDuration(in.Interval)
		if err != nil || d <= 0 {
			return nil, procwire.ErrBadRequest("invalid interval")
		}
		interval = d
	}
	seq := 1
	if last := procwire.LastEventID(ctx); last != "" {
		n, err := strconv.Atoi(last)
		if err != nil {
			return nil, procwire.ErrBadRequest("invalid last event id")
		}
		seq = n + 1
	}
	return func(yield func(procwire.TrackedEvent[tick], error) bool) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for ; in.Limit == 0 || seq <= in.Limit; seq++ {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				if !yield(procwire.Tracked(strconv.Itoa(seq), tick{Seq: seq, Time: now}), nil) {
					return
				}
			}
		}
	}, nil
}
