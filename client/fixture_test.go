package client

import (
	"context"
	"fmt"
	"iter"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marrasen/procwire"
	"github.com/marrasen/procwire/observable"
)

type greetInput struct {
	Name string `json:"name"`
}

type greetOutput struct {
	Message string `json:"message"`
}

type tickInput struct {
	Limit   int `json:"limit,omitzero"`
	EveryMS int `json:"everyMs,omitzero"`
}

type conflictDetails struct {
	Field string `json:"field"`
}

// fixture is a procwire server with procedures the client tests call.
type fixture struct {
	router  *procwire.Router
	entered chan string  // receives the path of every blocking call
	stopped atomic.Int32 // subscriptions whose producer returned
	totals  atomic.Int64 // running total of add
	ticks   atomic.Int32 // tick subscriptions started
}

func newFixture() *fixture {
	f := &fixture{entered: make(chan string, 16)}
	f.router = procwire.MustRouter(procwire.Record{
		"greet": procwire.Query(procwire.NewBuilder(), func(ctx context.Context, in greetInput) (greetOutput, error) {
			if in.Name == "" {
				return greetOutput{}, procwire.ErrBadRequest("name is required")
			}
			return greetOutput{Message: "hello, " + in.Name}, nil
		}),
		"add": procwire.Mutation(procwire.NewBuilder(), func(ctx context.Context, n int) (int64, error) {
			return f.totals.Add(int64(n)), nil
		}),
		"conflict": procwire.Mutation(procwire.NewBuilder().Errors(procwire.CodeConflict), func(ctx context.Context, _ struct{}) (int, error) {
			return 0, procwire.ErrConflict("name taken").WithData(conflictDetails{Field: "name"})
		}),
		"block": procwire.Query(procwire.NewBuilder(), func(ctx context.Context, _ struct{}) (int, error) {
			f.entered <- "block"
			<-ctx.Done()
			return 0, ctx.Err()
		}),
		"ticks": procwire.Subscription(procwire.NewBuilder(), f.tickStream),
	})
	return f
}

// tickStream emits tracked ticks numbered from 1, resuming after the last
// event ID.
func (f *fixture) tickStream(ctx context.Context, in tickInput) (iter.Seq2[procwire.TrackedEvent[int], error], error) {
	start := 1
	if last := procwire.LastEventID(ctx); last != "" {
		n, err := strconv.Atoi(last)
		if err != nil {
			return nil, procwire.ErrBadRequest("bad last event id")
		}
		start = n + 1
	}
	f.ticks.Add(1)
	every := time.Duration(in.EveryMS) * time.Millisecond
	return func(yield func(procwire.TrackedEvent[int], error) bool) {
		defer f.stopped.Add(1)
		for i := start; in.Limit == 0 || i <= in.Limit; i++ {
			if every > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(every):
				}
			}
			if !yield(procwire.Tracked(strconv.Itoa(i), i), nil) {
				return
			}
		}
	}, nil
}

func (f *fixture) serve(t *testing.T, opts ...procwire.ServerOptions) (*httptest.Server, *procwire.Server) {
	t.Helper()
	srv := procwire.NewServer(f.router, opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, srv
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newClient(t *testing.T, links ...Link) *Client {
	t.Helper()
	c, err := New(Config{Links: links})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// recorder collects the results of a subscription.
type recorder struct {
	results chan *Result
	done    chan error
}

func newRecorder() *recorder {
	return &recorder{results: make(chan *Result, 256), done: make(chan error, 1)}
}

func (r *recorder) observer() observable.Observer[*Result] {
	return observable.Observer[*Result]{
		Next:     func(res *Result) { r.results <- res },
		Error:    func(err error) { r.done <- err },
		Complete: func() { r.done <- nil },
	}
}

// next returns the next result, failing the test after a timeout.
func (r *recorder) next(t *testing.T) *Result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case err := <-r.done:
		t.Fatalf("subscription ended early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a result")
	}
	return nil
}

// wait returns the terminal event: nil for completion, else the error.
func (r *recorder) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the subscription to end")
	}
	return nil
}

// drain returns the event IDs of the data results received before the
// terminal event, and counts started results.
func (r *recorder) drain(t *testing.T) (ids []string, started int, err error) {
	t.Helper()
	err = r.wait(t)
	close(r.results)
	for res := range r.results {
		switch res.Type {
		case procwire.ResultStarted:
			started++
		case procwire.ResultData:
			ids = append(ids, res.EventID)
		}
	}
	return ids, started, err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// settleObserver passes the result of a single-result operation to onNext
// and sends its error, if any, to done.
func settleObserver(onNext func(*Result), done chan error) observable.Observer[*Result] {
	return observable.Observer[*Result]{
		Next:  onNext,
		Error: func(err error) { done <- err },
	}
}

// runGreet runs a greet query with the given operation ID straight through
// link, bypassing any Client, and reports a wrong greeting as an error.
func runGreet(link Link, id int64, name string) chan error {
	done := make(chan error, 1)
	op := &Operation{ID: id, Type: procwire.TypeQuery, Path: "greet", Input: []byte(`{"name":"` + name + `"}`)}
	link(op, nil).Subscribe(settleObserver(func(r *Result) {
		var res greetOutput
		if err := r.Decode(&res); err != nil {
			done <- err
			return
		}
		if want := "hello, " + name; res.Message != want {
			done <- fmt.Errorf("got %q, want %q", res.Message, want)
			return
		}
		done <- nil
	}, done))
	return done
}
