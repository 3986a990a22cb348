package procwire

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// sseEvent represents a parsed SSE event.
type sseEvent struct {
	Event string
	ID    string
	Data  string
}

// sseReader reads SSE events from an HTTP response body.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(resp *http.Response) *sseReader {
	return &sseReader{scanner: bufio.NewScanner(resp.Body)}
}

// readEvent reads the next SSE event, skipping comments and blank lines.
func (r *sseReader) readEvent() (*sseEvent, error) {
	var event sseEvent
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// SSE comment, skip
		case strings.HasPrefix(line, "event: "):
			event.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			event.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			event.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && event.Data != "":
			return &event, nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("SSE stream ended")
}

func openSSE(t *testing.T, ctx context.Context, target, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", target, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	return resp
}

// readAll reads events until the stream ends and renders them as
// "event:id" strings.
func readAll(t *testing.T, r *sseReader) []string {
	t.Helper()
	var got []string
	for {
		ev, err := r.readEvent()
		if err != nil {
			return got
		}
		got = append(got, ev.Event+":"+ev.ID)
	}
}

func TestSSESubscription(t *testing.T) {
	ts, _ := setupTestServer(t)
	q := url.Values{"path": {"count"}, "input": {`{"limit":3}`}}
	resp := openSSE(t, context.Background(), ts.URL+"/?"+q.Encode(), "")

	want := []string{"started:", "data:1", "data:2", "data:3", "stopped:"}
	if diff := cmp.Diff(want, readAll(t, newSSEReader(resp))); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestSSEResumeFromLastEventID(t *testing.T) {
	ts, _ := setupTestServer(t)
	q := url.Values{"path": {"count"}, "input": {`{"limit":5}`}}
	resp := openSSE(t, context.Background(), ts.URL+"/?"+q.Encode(), "3")

	want := []string{"started:", "data:4", "data:5", "stopped:"}
	if diff := cmp.Diff(want, readAll(t, newSSEReader(resp))); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestSSEDataCarriesEnvelope(t *testing.T) {
	ts, _ := setupTestServer(t)
	q := url.Values{"path": {"count"}, "input": {`{"limit":1}`}, "id": {"12"}}
	r := newSSEReader(openSSE(t, context.Background(), ts.URL+"/?"+q.Encode(), ""))
	r.readEvent() // started
	ev, err := r.readEvent()
	if err != nil {
		t.Fatal(err)
	}
	msg := decodeMessage(t, []byte(ev.Data))
	if msg.ID != 12 || msg.Result.ID != "1" || string(msg.Result.Data) != "1" {
		t.Errorf("data event = %s", ev.Data)
	}
}

func TestSSEErrorEvent(t *testing.T) {
	ts, _ := setupTestServer(t)
	r := newSSEReader(openSSE(t, context.Background(), ts.URL+"/?path=echo", ""))
	ev, err := r.readEvent()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Event != "error" {
		t.Fatalf("event = %q, want error", ev.Event)
	}
	if code := errorCode(decodeMessage(t, []byte(ev.Data))); code != CodeBadRequest {
		t.Errorf("code = %q, want BAD_REQUEST", code)
	}
	if _, err := r.readEvent(); err == nil {
		t.Error("stream should end after an error event")
	}
}

func TestSSEKeepAlive(t *testing.T) {
	ts, _ := setupTestServer(t, ServerOptions{PingInterval: 5 * time.Millisecond})
	resp := openSSE(t, context.Background(), ts.URL+"/?path=wait", "")
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if scanner.Text() == ": ping" {
			return
		}
	}
	t.Fatal("no keep-alive comment before the stream ended")
}

func TestSSEClientDisconnectStopsSubscription(t *testing.T) {
	stopped := make(chan struct{})
	router := MustRouter(Record{"live": Subscription(NewBuilder(), func(ctx context.Context, _ struct{}) (iter.Seq2[int, error], error) {
		return func(yield func(int, error) bool) {
			defer close(stopped)
			if !yield(1, nil) {
				return
			}
			<-ctx.Done()
		}, nil
	})})
	ts := httptest.NewServer(NewServer(router))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := newSSEReader(openSSE(t, ctx, ts.URL+"/?path=live", ""))
	for range 2 {
		if _, err := r.readEvent(); err != nil {
			t.Fatal(err)
		}
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop after the client went away")
	}
}
