// Program procwire serves a demo router and calls procedures on a running
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/creachadair/command"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/marrasen/procwire"
	"github.com/marrasen/procwire/client"
	"github.com/marrasen/procwire/observable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var serveFlags struct {
	config string
	addr   string
}

var callFlags struct {
	url     string
	typ     string
	verbose bool
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Serve and call procwire procedures.",
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[--config file.yaml] [--addr host:port]",
				Help: `Serve the demo router over HTTP, SSE and WebSocket.

The configuration file is YAML; every field is optional:

  addr: ":8080"
  metricsPath: /metrics
  logLevel: info
  encoding: json        # or zstd
  maxBodyBytes: 1048576
  batching: {disabled: false, maxSize: 100}
  rateLimit: {perSecond: 50, burst: 100}
  heartbeat: {interval: 30s, timeout: 10s}
  shutdownTimeout: 10s
`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					fs.StringVar(&serveFlags.config, "config", "", "Configuration file")
					fs.StringVar(&serveFlags.addr, "addr", "", "Listen address (overrides the configuration)")
				},
				Run: runServe,
			},
			{
				Name:  "call",
				Usage: "[--url U] [--type query|mutation|subscription] <path> [input-json]",
				Help: `Call a procedure and print its result.

Subscriptions print one line per event until interrupted.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					fs.StringVar(&callFlags.url, "url", "http://localhost:8080", "Server URL")
					fs.StringVar(&callFlags.typ, "type", "query", "Procedure type")
					fs.BoolVar(&callFlags.verbose, "v", false, "Log operations to stderr")
				},
				Run: runCall,
			},
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	cfg, err := loadConfig(serveFlags.config)
	if err != nil {
		return err
	}
	if serveFlags.addr != "" {
		cfg.Addr = serveFlags.addr
	}
	logger := cfg.logger()

	metrics := procwire.NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return err
	}

	var limit procwire.Middleware
	if l := cfg.rateLimiter(); l != nil {
		limit = procwire.RateLimit(l)
	}
	router, err := demoRouter(limit)
	if err != nil {
		return err
	}
	srv := procwire.NewServer(router, cfg.serverOptions(logger, metrics))

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", srv)
	hs := &http.Server{Addr: cfg.Addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	logger.Info("serving", "addr", cfg.Addr, "procedures", len(router.Paths()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("websocket shutdown", "err", err)
	}
	if err := hs.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 || len(env.Args) > 2 {
		return env.Usagef("expected a path and an optional input")
	}
	typ := procwire.ProcedureType(callFlags.typ)
	if !typ.Valid() {
		return env.Usagef("unknown procedure type %q", callFlags.typ)
	}
	path := env.Args[0]
	var input any
	if len(env.Args) == 2 {
		v := jsontext.Value(env.Args[1])
		if !v.IsValid() {
			return fmt.Errorf("input is not valid JSON")
		}
		input = v
	}

	opts := client.HTTPOptions{URL: strings.TrimSuffix(callFlags.url, "/")}
	var links []client.Link
	if callFlags.verbose {
		links = append(links, client.LoggerLink(nil))
	}
	links = append(links, client.SplitLink(client.IsSubscription,
		[]client.Link{client.HTTPSubscriptionLink(client.HTTPSubscriptionOptions{HTTPOptions: opts})},
		[]client.Link{client.RetryLink(client.RetryOptions{}), client.HTTPLink(opts)},
	))
	c, err := client.New(client.Config{Links: links})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if typ != procwire.TypeSubscription {
		var out jsontext.Value
		call := c.Query
		if typ == procwire.TypeMutation {
			call = c.Mutate
		}
		if err := call(ctx, path, input, &out); err != nil {
			return err
		}
		printValue(out)
		return nil
	}

	done := make(chan error, 1)
	c.Subscribe(ctx, path, input, observable.Observer[*client.Result]{
		Next: func(r *client.Result) {
			if r.Type != procwire.ResultData {
				return
			}
			if r.EventID != "" {
				fmt.Printf("%s ", r.EventID)
			}
			printValue(r.Data)
		},
		Error:    func(err error) { done <- err },
		Complete: func() { done <- nil },
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

func printValue(v jsontext.Value) {
	if len(v) == 0 {
		fmt.Println("null")
		return
	}
	v = v.Clone()
	v.Compact()
	fmt.Println(string(v))
}
