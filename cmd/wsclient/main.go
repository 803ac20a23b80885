// wsclient connects to a websocket endpoint, optionally sends one message,
// and prints the response and any subscribed pushes as JSON lines.
//
// Settings come from a YAML file (--config or RESILIENTWS_CONFIG) and
// are overridden by flags.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/lightforgemedia/go-resilientws/pkg/client"
	"github.com/lightforgemedia/go-resilientws/pkg/config"
	"github.com/lightforgemedia/go-resilientws/pkg/metrics"
	"github.com/lightforgemedia/go-resilientws/pkg/security"
	"github.com/lightforgemedia/go-resilientws/pkg/transport/gorilla"
)

type flags struct {
	configPath  string
	url         string
	token       string
	tokenFile   string
	msgType     string
	payload     string
	timeout     time.Duration
	notify      bool
	subscribe   []string
	hub         string
	useGorilla  bool
	metricsAddr string
	debug       bool
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var f flags
	fs := pflag.NewFlagSet("wsclient", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVarP(&f.url, "url", "u", "", "websocket URL (ws:// or wss://)")
	fs.StringVar(&f.token, "token", "", "bearer token sent on connect")
	fs.StringVar(&f.tokenFile, "token-file", "", "file holding the bearer token, reloaded on change")
	fs.StringVarP(&f.msgType, "type", "t", "", "message type to send")
	fs.StringVarP(&f.payload, "payload", "p", "null", "JSON payload to send")
	fs.DurationVar(&f.timeout, "timeout", 0, "request timeout (default from config)")
	fs.BoolVar(&f.notify, "notify", false, "send without waiting for a response")
	fs.StringSliceVarP(&f.subscribe, "subscribe", "s", nil, "message types to print until interrupted")
	fs.StringVar(&f.hub, "hub", "", "invoke --type as a method on this hub")
	fs.BoolVar(&f.useGorilla, "gorilla", false, "use the gorilla/websocket transport")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&f.debug, "debug", false, "log at debug level")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if !json.Valid([]byte(f.payload)) {
		return fmt.Errorf("--payload is not valid JSON: %s", f.payload)
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.url != "" {
		cfg.URL = f.url
	}
	if f.token != "" {
		cfg.Auth.Token = f.token
	}
	if f.tokenFile != "" {
		cfg.Auth.TokenFile = f.tokenFile
	}
	if f.debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts, err := cfg.ClientOptions()
	if err != nil {
		return err
	}
	opts.Logger = logger
	if f.useGorilla {
		opts.Dialer = &gorilla.Dialer{}
	}
	if f.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m, err := metrics.New(reg)
		if err != nil {
			return err
		}
		opts.Metrics = m
		go serveMetrics(logger, f.metricsAddr, reg)
	}

	c := client.NewWithOptions(cfg.URL, opts)
	c.ConnectionState().Subscribe(func(s client.State) {
		logger.Info("connection state", "state", s.String())
	})
	c.SecurityEvent().Subscribe(func(e security.Event) {
		logger.Warn("security event", "kind", string(e.Kind), "message", e.Message)
	})
	c.ConnectionError().Subscribe(func(err error) {
		logger.Warn("connection error", "error", err)
	})

	if cfg.Auth.TokenFile != "" {
		w, err := c.WatchTokenFile(cfg.Auth.TokenFile)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	out := json.NewEncoder(os.Stdout)
	for _, msgType := range f.subscribe {
		msgType := msgType
		c.Subscribe(msgType, func(payload json.RawMessage) {
			_ = out.Encode(map[string]any{"type": msgType, "payload": payload})
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	if f.msgType != "" {
		if err := send(ctx, c, f, out); err != nil {
			return err
		}
	}
	if len(f.subscribe) > 0 {
		<-ctx.Done()
	}
	return nil
}

func send(ctx context.Context, c *client.Client, f flags, out *json.Encoder) error {
	payload := json.RawMessage(f.payload)
	switch {
	case f.hub != "":
		var args []any
		if err := json.Unmarshal(payload, &args); err != nil {
			args = []any{payload}
		}
		hub := client.NewHub(c, f.hub)
		defer hub.Close()
		res, err := hub.InvokeTimeout(ctx, f.timeout, f.msgType, args...)
		if err != nil {
			return err
		}
		return out.Encode(map[string]any{"hub": f.hub, "method": f.msgType, "result": res})
	case f.notify:
		return c.Notify(ctx, f.msgType, payload)
	default:
		res, err := c.Request(ctx, f.msgType, payload, f.timeout)
		if err != nil {
			return err
		}
		return out.Encode(map[string]any{"type": f.msgType, "payload": res})
	}
}

func serveMetrics(logger *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
