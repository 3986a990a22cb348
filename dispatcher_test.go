package procwire

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/go-cmp/cmp"
)

type countInput struct {
	Limit int `json:"limit"`
}

// countTo emits tracked events 1..limit, resuming after LastEventID.
func countTo(ctx context.Context, in countInput) (iter.Seq2[TrackedEvent[int], error], error) {
	start := 1
	if last := LastEventID(ctx); last != "" {
		n, err := strconv.Atoi(last)
		if err != nil {
			return nil, ErrBadRequest("bad last event id")
		}
		start = n + 1
	}
	return func(yield func(TrackedEvent[int], error) bool) {
		for i := start; in.Limit == 0 || i <= in.Limit; i++ {
			if !yield(Tracked(strconv.Itoa(i), i), nil) {
				return
			}
		}
	}, nil
}

type conflictDetails struct {
	Field string `json:"field"`
}

func testDispatcher(t *testing.T, opts ...ServerOptions) *Dispatcher {
	t.Helper()
	router := MustRouter(Record{
		"echo":    Query(NewBuilder(), echo),
		"create":  Mutation(NewBuilder(), echo),
		"count":   Subscription(NewBuilder(), countTo),
		"panic":   Query(NewBuilder(), func(context.Context, struct{}) (int, error) { panic("boom") }),
		"secret":  Query(NewBuilder(), func(context.Context, struct{}) (int, error) { return 0, errors.New("db password is hunter2") }),
		"typed":   Mutation(NewBuilder().Errors(CodeConflict), conflicting),
		"untyped": Mutation(NewBuilder(), conflicting),
		"failing": Subscription(NewBuilder(), func(context.Context, struct{}) (iter.Seq2[int, error], error) {
			return func(yield func(int, error) bool) {
				if yield(1, nil) {
					yield(0, ErrConflict("gone"))
				}
			}, nil
		}),
	})
	return NewDispatcher(router, opts...)
}

func conflicting(context.Context, struct{}) (int, error) {
	return 0, ErrConflict("name taken").WithData(conflictDetails{Field: "name"})
}

func dispatch(t *testing.T, d *Dispatcher, call Call) ResponseMessage {
	t.Helper()
	resp := d.Dispatch(context.Background(), call)
	if resp.Stream != nil {
		t.Fatalf("unexpected stream for %s", call.Path)
	}
	return resp.Message
}

func errorCode(msg ResponseMessage) ErrorCode {
	if msg.Error == nil || msg.Error.Data == nil {
		return ""
	}
	return msg.Error.Data.Code
}

func TestDispatchQuery(t *testing.T) {
	d := testDispatcher(t)
	msg := dispatch(t, d, Call{ID: 7, Path: "echo", Type: TypeQuery, Input: jsontext.Value(`{"message":"hi"}`)})
	if msg.Error != nil {
		t.Fatalf("unexpected error: %+v", msg.Error)
	}
	if msg.ID != 7 || msg.Result.Type != ResultData {
		t.Errorf("envelope = %+v", msg)
	}
	if got := string(msg.Result.Data); got != `{"message":"hi"}` {
		t.Errorf("data = %s", got)
	}
}

func TestDispatchUnknownPath(t *testing.T) {
	d := testDispatcher(t)
	msg := dispatch(t, d, Call{ID: 1, Path: "nope", Type: TypeQuery})
	if errorCode(msg) != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %+v", msg.Error)
	}
	if msg.Error.Code != -32601 || msg.Error.Data.HTTPStatus != 404 || msg.Error.Data.Path != "nope" {
		t.Errorf("error shape = %+v / %+v", msg.Error, msg.Error.Data)
	}
}

func TestDispatchTypeMismatch(t *testing.T) {
	d := testDispatcher(t)
	tests := []Call{
		{Path: "echo", Type: TypeMutation},
		{Path: "create", Type: TypeQuery},
		{Path: "echo", Type: TypeSubscription},
	}
	for _, call := range tests {
		msg := d.Dispatch(context.Background(), call).Message
		if errorCode(msg) != CodeBadRequest {
			t.Errorf("%s as %s: expected BAD_REQUEST, got %+v", call.Path, call.Type, msg)
		}
	}
}

func TestDispatchCanceled(t *testing.T) {
	var ran atomic.Bool
	router := MustRouter(Record{"q": Query(NewBuilder(), func(context.Context, struct{}) (int, error) {
		ran.Store(true)
		return 1, nil
	})})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg := NewDispatcher(router).Dispatch(ctx, Call{Path: "q", Type: TypeQuery}).Message
	if errorCode(msg) != CodeCanceled {
		t.Fatalf("expected CANCELLED, got %+v", msg.Error)
	}
	if ran.Load() {
		t.Error("resolver ran on a canceled call")
	}
}

func TestDispatchCancelStopsMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var second atomic.Bool
	first := func(next Handler) Handler {
		return func(c context.Context, req *Request) (any, error) {
			cancel()
			return next(c, req)
		}
	}
	after := func(next Handler) Handler {
		return func(c context.Context, req *Request) (any, error) {
			second.Store(true)
			return next(c, req)
		}
	}
	router := MustRouter(Record{"q": Query(NewBuilder().Use(first).Use(after), noop)})
	msg := NewDispatcher(router).Dispatch(ctx, Call{Path: "q", Type: TypeQuery}).Message
	if errorCode(msg) != CodeCanceled {
		t.Fatalf("expected CANCELLED, got %+v", msg.Error)
	}
	if second.Load() {
		t.Error("middleware ran after cancellation")
	}
}

func TestDispatchPanicIsInternal(t *testing.T) {
	var logs bytes.Buffer
	d := testDispatcher(t, ServerOptions{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	msg := dispatch(t, d, Call{Path: "panic", Type: TypeQuery})
	if errorCode(msg) != CodeInternalServerError {
		t.Fatalf("expected INTERNAL_SERVER_ERROR, got %+v", msg.Error)
	}
	if !strings.Contains(logs.String(), "boom") {
		t.Errorf("panic was not logged: %q", logs.String())
	}
}

func TestDispatchHidesInternalDetails(t *testing.T) {
	var logs bytes.Buffer
	d := testDispatcher(t, ServerOptions{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	msg := dispatch(t, d, Call{Path: "secret", Type: TypeQuery})
	if errorCode(msg) != CodeInternalServerError {
		t.Fatalf("expected INTERNAL_SERVER_ERROR, got %+v", msg.Error)
	}
	if strings.Contains(msg.Error.Message, "hunter2") {
		t.Errorf("internal detail leaked to the client: %q", msg.Error.Message)
	}
	if !strings.Contains(logs.String(), "hunter2") {
		t.Error("internal error was not logged on the server")
	}
}

func TestDispatchDeclaredErrorDetails(t *testing.T) {
	d := testDispatcher(t)

	msg := dispatch(t, d, Call{Path: "typed", Type: TypeMutation})
	if errorCode(msg) != CodeConflict {
		t.Fatalf("expected CONFLICT, got %+v", msg.Error)
	}
	if got := string(msg.Error.Data.Details); got != `{"field":"name"}` {
		t.Errorf("details = %s", got)
	}

	msg = dispatch(t, d, Call{Path: "untyped", Type: TypeMutation})
	if errorCode(msg) != CodeConflict {
		t.Fatalf("expected CONFLICT, got %+v", msg.Error)
	}
	if len(msg.Error.Data.Details) != 0 {
		t.Errorf("undeclared error carried details: %s", msg.Error.Data.Details)
	}
}

func TestDispatchErrorHooks(t *testing.T) {
	var events []ErrorEvent
	d := testDispatcher(t, ServerOptions{
		OnError: func(ctx context.Context, ev ErrorEvent) { events = append(events, ev) },
		ErrorFormatter: func(shape ErrorShape, err *Error) ErrorShape {
			shape.Message = "formatted: " + shape.Message
			return shape
		},
	})
	msg := dispatch(t, d, Call{Path: "nope", Type: TypeQuery})
	if !strings.HasPrefix(msg.Error.Message, "formatted: ") {
		t.Errorf("formatter not applied: %q", msg.Error.Message)
	}
	if len(events) != 1 || events[0].Path != "nope" || events[0].Error.Code != CodeNotFound {
		t.Errorf("events = %+v", events)
	}
}

type recordingInterceptor struct {
	before, after []string
}

func (r *recordingInterceptor) BeforeCall(ctx context.Context, call Call) context.Context {
	r.before = append(r.before, call.Path)
	return context.WithValue(ctx, roleKey, "intercepted")
}

func (r *recordingInterceptor) AfterCall(ctx context.Context, call Call, err error) {
	r.after = append(r.after, call.Path+":"+string(ErrorCodeOf(err)))
}

func TestDispatchInterceptors(t *testing.T) {
	ic := &recordingInterceptor{}
	d := testDispatcher(t, ServerOptions{Interceptors: []CallInterceptor{ic}})
	msg := dispatch(t, d, Call{Path: "echo", Type: TypeQuery, Input: jsontext.Value(`{"message":"m"}`)})
	if got := string(msg.Result.Data); got != `{"message":"m","role":"intercepted"}` {
		t.Errorf("data = %s", got)
	}
	dispatch(t, d, Call{Path: "panic", Type: TypeQuery})

	if diff := cmp.Diff([]string{"echo", "panic"}, ic.before); diff != "" {
		t.Errorf("before (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"echo:", "panic:INTERNAL_SERVER_ERROR"}, ic.after); diff != "" {
		t.Errorf("after (-want +got):\n%s", diff)
	}
}

type panickingInterceptor struct{ before, after bool }

func (p panickingInterceptor) BeforeCall(ctx context.Context, call Call) context.Context {
	if p.before {
		panic("before hook")
	}
	return ctx
}

func (p panickingInterceptor) AfterCall(ctx context.Context, call Call, err error) {
	if p.after {
		panic("after hook")
	}
}

func TestDispatchSurvivesPanickingHooks(t *testing.T) {
	tests := []struct {
		name string
		opts ServerOptions
		call Call
		want ErrorCode
	}{
		{
			name: "BeforeCall",
			opts: ServerOptions{Interceptors: []CallInterceptor{panickingInterceptor{before: true}}},
			call: Call{Path: "echo", Type: TypeQuery, Input: jsontext.Value(`{"message":"m"}`)},
			want: CodeInternalServerError,
		},
		{
			name: "AfterCall",
			opts: ServerOptions{Interceptors: []CallInterceptor{panickingInterceptor{after: true}}},
			call: Call{Path: "nope", Type: TypeQuery},
			want: CodeNotFound,
		},
		{
			name: "OnError",
			opts: ServerOptions{OnError: func(context.Context, ErrorEvent) { panic("on error") }},
			call: Call{Path: "nope", Type: TypeQuery},
			want: CodeNotFound,
		},
		{
			name: "ErrorFormatter",
			opts: ServerOptions{ErrorFormatter: func(ErrorShape, *Error) ErrorShape { panic("formatter") }},
			call: Call{Path: "nope", Type: TypeQuery},
			want: CodeNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			tt.opts.Logger = slog.New(slog.NewTextHandler(&logs, nil))
			msg := dispatch(t, testDispatcher(t, tt.opts), tt.call)
			if got := errorCode(msg); got != tt.want {
				t.Errorf("code = %q, want %q", got, tt.want)
			}
			if !strings.Contains(logs.String(), "hook") {
				t.Errorf("panic was not logged: %q", logs.String())
			}
		})
	}
}

func TestDispatchAfterCallPanicKeepsResult(t *testing.T) {
	d := testDispatcher(t, ServerOptions{
		Interceptors: []CallInterceptor{panickingInterceptor{after: true}},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	msg := dispatch(t, d, Call{Path: "echo", Type: TypeQuery, Input: jsontext.Value(`{"message":"m"}`)})
	if msg.Error != nil || string(msg.Result.Data) != `{"message":"m"}` {
		t.Errorf("envelope = %+v", msg)
	}
}

func TestDispatcherMiddlewareRunsFirst(t *testing.T) {
	var rec recorder
	router := MustRouter(Record{"q": Query(NewBuilder().Use(rec.mw("proc")), noop)})
	d := NewDispatcher(router)
	d.Use(rec.mw("global"))
	dispatch(t, d, Call{Path: "q", Type: TypeQuery})
	want := []string{"global-before", "proc-before", "proc-after", "global-after"}
	if diff := cmp.Diff(want, rec.log); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

// drain collects a subscription's envelopes.
func drain(t *testing.T, resp Response) []ResponseMessage {
	t.Helper()
	if resp.Stream == nil {
		t.Fatalf("expected a stream, got %+v", resp.Message)
	}
	var msgs []ResponseMessage
	for msg := range resp.Stream {
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestDispatchSubscription(t *testing.T) {
	defer leaktest.Check(t)()

	d := testDispatcher(t)
	resp := d.Dispatch(context.Background(), Call{ID: 3, Path: "count", Type: TypeSubscription, Input: jsontext.Value(`{"limit":3}`)})
	if resp.Message.Result == nil || resp.Message.Result.Type != ResultStarted {
		t.Fatalf("first message = %+v, want started", resp.Message)
	}

	var ids, data []string
	msgs := drain(t, resp)
	for _, msg := range msgs[:len(msgs)-1] {
		ids = append(ids, msg.Result.ID)
		data = append(data, string(msg.Result.Data))
	}
	if diff := cmp.Diff([]string{"1", "2", "3"}, ids); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"1", "2", "3"}, data); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}
	if last := msgs[len(msgs)-1]; last.Result == nil || last.Result.Type != ResultStopped || last.ID != 3 {
		t.Errorf("last message = %+v, want stopped", last)
	}
}

func TestDispatchSubscriptionResume(t *testing.T) {
	defer leaktest.Check(t)()

	d := testDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	resp := d.Dispatch(ctx, Call{Path: "count", Type: TypeSubscription})
	var seen []string
	for msg := range resp.Stream {
		seen = append(seen, msg.Result.ID)
		if msg.Result.ID == "3" {
			break
		}
	}
	cancel()
	if diff := cmp.Diff([]string{"1", "2", "3"}, seen); diff != "" {
		t.Fatalf("first connection (-want +got):\n%s", diff)
	}

	resp = d.Dispatch(context.Background(), Call{Path: "count", Type: TypeSubscription, LastEventID: "3"})
	for msg := range resp.Stream {
		if got := msg.Result.ID; got != "4" {
			t.Errorf("resumed at %q, want 4", got)
		}
		break
	}
}

func TestDispatchSubscriptionTeardown(t *testing.T) {
	defer leaktest.Check(t)()

	var cleanups atomic.Int32
	router := MustRouter(Record{"ticks": Subscription(NewBuilder(), func(ctx context.Context, _ struct{}) (iter.Seq2[int, error], error) {
		return func(yield func(int, error) bool) {
			defer cleanups.Add(1)
			for i := 0; ; i++ {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Millisecond):
				}
				if !yield(i, nil) {
					return
				}
			}
		}, nil
	})})
	d := NewDispatcher(router)

	// Consumer stops ranging.
	resp := d.Dispatch(context.Background(), Call{Path: "ticks", Type: TypeSubscription})
	n := 0
	for range resp.Stream {
		if n++; n == 2 {
			break
		}
	}
	if got := cleanups.Load(); got != 1 {
		t.Errorf("after break: %d cleanups, want 1", got)
	}

	// Context canceled while ranging.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp = d.Dispatch(ctx, Call{Path: "ticks", Type: TypeSubscription})
	var last ResponseMessage
	for msg := range resp.Stream {
		last = msg
		if msg.Result.Type == ResultData {
			cancel()
		}
	}
	if last.Result == nil || last.Result.Type != ResultStopped {
		t.Errorf("last message = %+v, want stopped", last)
	}
	if got := cleanups.Load(); got != 2 {
		t.Errorf("after cancel: %d cleanups, want 2", got)
	}
}

func TestDispatchSubscriptionStuckProducer(t *testing.T) {
	unblock := make(chan struct{})
	returned := make(chan struct{})
	router := MustRouter(Record{"stuck": Subscription(NewBuilder(), func(ctx context.Context, _ struct{}) (iter.Seq2[int, error], error) {
		return func(yield func(int, error) bool) {
			defer close(returned)
			if !yield(1, nil) {
				return
			}
			<-unblock // ignores ctx
		}, nil
	})})
	var logs bytes.Buffer
	d := NewDispatcher(router, ServerOptions{
		Logger:                  slog.New(slog.NewTextHandler(&logs, nil)),
		SubscriptionStopTimeout: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	resp := d.Dispatch(ctx, Call{Path: "stuck", Type: TypeSubscription})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for msg := range resp.Stream {
			if msg.Result != nil && msg.Result.Type == ResultData {
				cancel()
			}
		}
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer still blocked on a producer that ignores cancellation")
	}
	if !strings.Contains(logs.String(), "subscription producer ignored cancellation") {
		t.Errorf("no warning logged; logs:\n%s", logs.String())
	}

	close(unblock)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("producer did not return once unblocked")
	}
}

func TestDispatchSubscriptionError(t *testing.T) {
	d := testDispatcher(t)
	msgs := drain(t, d.Dispatch(context.Background(), Call{Path: "failing", Type: TypeSubscription}))
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want data then error", len(msgs))
	}
	if errorCode(msgs[1]) != CodeConflict {
		t.Errorf("final message = %+v, want CONFLICT", msgs[1])
	}
}

func TestDispatchSubscriptionStartError(t *testing.T) {
	d := testDispatcher(t)
	resp := d.Dispatch(context.Background(), Call{Path: "count", Type: TypeSubscription, LastEventID: "x"})
	if resp.Stream != nil || errorCode(resp.Message) != CodeBadRequest {
		t.Errorf("expected a BAD_REQUEST envelope and no stream, got %+v", resp.Message)
	}
}

func TestCallerSharesDispatchPath(t *testing.T) {
	var rec recorder
	router := MustRouter(Record{"q": Query(NewBuilder().Use(rec.mw("m")), echo)})
	ctx := context.WithValue(context.Background(), roleKey, "server")
	out, err := Invoke[echoOutput](router.CreateCaller(ctx), TypeQuery, "q", echoInput{Message: "direct"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Message != "direct" || out.Role != "server" {
		t.Errorf("out = %+v", out)
	}
	if diff := cmp.Diff([]string{"m-before", "m-after"}, rec.log); diff != "" {
		t.Errorf("middleware (-want +got):\n%s", diff)
	}

	if _, err := router.CreateCaller(ctx).Query("missing", nil); ErrorCodeOf(err) != CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestCallerSubscribe(t *testing.T) {
	d := testDispatcher(t)
	stream, err := d.CreateCaller(context.Background()).Subscribe("count", countInput{Limit: 2}, "")
	if err != nil {
		t.Fatal(err)
	}
	var got []int
	for v, err := range stream {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v.(TrackedEvent[int]).Data)
	}
	if diff := cmp.Diff([]int{1, 2}, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}
