package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/marrasen/procwire"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config is the serve configuration file.
type Config struct {
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metricsPath"`
	LogLevel    string `yaml:"logLevel"`
	// Encoding is the WebSocket frame encoding: "json" or "zstd".
	Encoding     string `yaml:"encoding"`
	MaxBodyBytes int64  `yaml:"maxBodyBytes"`

	Batching struct {
		Disabled bool `yaml:"disabled"`
		MaxSize  int  `yaml:"maxSize"`
	} `yaml:"batching"`

	RateLimit struct {
		PerSecond float64 `yaml:"perSecond"`
		Burst     int     `yaml:"burst"`
	} `yaml:"rateLimit"`

	Heartbeat struct {
		Interval time.Duration `yaml:"interval"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"heartbeat"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

func defaultConfig() Config {
	var c Config
	c.Addr = ":8080"
	c.MetricsPath = "/metrics"
	c.LogLevel = "info"
	c.Encoding = "json"
	c.ShutdownTimeout = 10 * time.Second
	return c
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Encoding {
	case "json", "zstd":
	default:
		return fmt.Errorf("unknown encoding %q", c.Encoding)
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// serverOptions maps the file onto server options.
func (c Config) serverOptions(logger *slog.Logger, metrics *procwire.Metrics) procwire.ServerOptions {
	opts := procwire.ServerOptions{
		Logger:            logger,
		Metrics:           metrics,
		DisableBatching:   c.Batching.Disabled,
		MaxBatchSize:      c.Batching.MaxSize,
		MaxBodyBytes:      c.MaxBodyBytes,
		HeartbeatInterval: c.Heartbeat.Interval,
		HeartbeatTimeout:  c.Heartbeat.Timeout,
	}
	if c.Encoding == "zstd" {
		opts.Encoder = &procwire.ZstdEncoder{}
	}
	return opts
}

// rateLimiter returns the global limiter, or nil if rate limiting is off.
func (c Config) rateLimiter() *rate.Limiter {
	if c.RateLimit.PerSecond <= 0 {
		return nil
	}
	burst := c.RateLimit.Burst
	if burst == 0 {
		burst = max(1, int(c.RateLimit.PerSecond))
	}
	return rate.NewLimiter(rate.Limit(c.RateLimit.PerSecond), burst)
}
