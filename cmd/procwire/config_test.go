package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/marrasen/procwire"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procwire.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if diff := cmp.Diff(defaultConfig(), cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
	if cfg.rateLimiter() != nil {
		t.Error("rate limiting should be off by default")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
addr: ":9090"
encoding: zstd
batching:
  disabled: true
  maxSize: 5
rateLimit:
  perSecond: 2
heartbeat:
  interval: 5s
  timeout: 2s
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	want := defaultConfig()
	want.Addr = ":9090"
	want.Encoding = "zstd"
	want.Batching.Disabled = true
	want.Batching.MaxSize = 5
	want.RateLimit.PerSecond = 2
	want.Heartbeat.Interval = 5 * time.Second
	want.Heartbeat.Timeout = 2 * time.Second
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}

	opts := cfg.serverOptions(nil, nil)
	if _, ok := opts.Encoder.(*procwire.ZstdEncoder); !ok {
		t.Errorf("encoder = %T, want *ZstdEncoder", opts.Encoder)
	}
	if !opts.DisableBatching || opts.MaxBatchSize != 5 {
		t.Errorf("batching options = %v/%d", opts.DisableBatching, opts.MaxBatchSize)
	}
	l := cfg.rateLimiter()
	if l == nil || l.Burst() != 2 {
		t.Fatalf("limiter = %v, want burst 2", l)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"encoding": "encoding: xml\n",
		"rate":     "rateLimit: {perSecond: -1}\n",
		"yaml":     "addr: [\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := loadConfig(writeConfig(t, body)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestDemoRouter(t *testing.T) {
	router, err := demoRouter(nil)
	if err != nil {
		t.Fatalf("demoRouter: %v", err)
	}
	want := []string{"clock.ticks", "counter.add", "counter.get", "greeting.hello"}
	if diff := cmp.Diff(want, router.Paths()); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}

	caller := router.CreateCaller(context.Background())
	out, err := procwire.Invoke[helloOutput](caller, procwire.TypeQuery, "greeting.hello", helloInput{Name: "ada"})
	if err != nil || out.Message != "hello, ada" {
		t.Errorf("greeting.hello = %+v, %v", out, err)
	}
	if _, err := caller.Query("greeting.hello", helloInput{}); procwire.ErrorCodeOf(err) != procwire.CodeBadRequest {
		t.Errorf("empty name: got %v, want BAD_REQUEST", err)
	}

	v, err := procwire.Invoke[counterValue](caller, procwire.TypeMutation, "counter.add", addInput{Delta: 3})
	if err != nil || v.Value != 3 {
		t.Errorf("counter.add = %+v, %v", v, err)
	}
}

func TestTicksResume(t *testing.T) {
	router, err := demoRouter(nil)
	if err != nil {
		t.Fatal(err)
	}
	caller := router.CreateCaller(context.Background())
	stream, err := caller.Subscribe("clock.ticks", ticksInput{Interval: "1ms", Limit: 5}, "3")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	var got []string
	for v, err := range stream {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		got = append(got, v.(procwire.TrackedEvent[tick]).ID)
	}
	if diff := cmp.Diff([]string{"4", "5"}, got); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
}
