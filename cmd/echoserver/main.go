// echoserver runs the development counterpart server: it echoes
// correlated messages, answers hub invocations on the "echo" hub, and
// periodically broadcasts an announcement.
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

	"github.com/coder/websocket"
	"github.com/spf13/pflag"

	"github.com/lightforgemedia/go-resilientws/internal/echoserver"
)

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
	var (
		addr     string
		path     string
		token    string
		origins  []string
		ping     time.Duration
		announce time.Duration
		debug    bool
	)
	fs := pflag.NewFlagSet("echoserver", pflag.ContinueOnError)
	fs.StringVarP(&addr, "addr", "a", ":8080", "listen address")
	fs.StringVar(&path, "path", "/ws", "websocket endpoint path")
	fs.StringVar(&token, "token", "", "require this bearer token on the handshake")
	fs.StringSliceVar(&origins, "origin", []string{"localhost:*", "127.0.0.1:*"}, "allowed origin patterns")
	fs.DurationVar(&ping, "ping", 30*time.Second, "server ping interval, negative to disable")
	fs.DurationVar(&announce, "announce", 0, "broadcast an announcement at this interval")
	fs.BoolVar(&debug, "debug", false, "log at debug level")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	srv := echoserver.New(
		echoserver.WithLogger(logger),
		echoserver.WithAcceptOptions(&websocket.AcceptOptions{OriginPatterns: origins}),
		echoserver.WithPingInterval(ping),
		echoserver.WithRequiredToken(token),
	)
	srv.HandleHub("echo", "say", func(ctx context.Context, c *echoserver.Conn, args []json.RawMessage) (any, error) {
		return args, nil
	})
	srv.Handle("time", func(ctx context.Context, c *echoserver.Conn, payload json.RawMessage) (any, error) {
		return map[string]string{"time": time.Now().UTC().Format(time.RFC3339Nano)}, nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if announce > 0 {
		go func() {
			ticker := time.NewTicker(announce)
			defer ticker.Stop()
			for {
				select {
				case t := <-ticker.C:
					if err := srv.Broadcast("announcement", map[string]string{
						"message":   "server announcement",
						"timestamp": t.UTC().Format(time.RFC3339Nano),
					}); err != nil {
						logger.Warn("announcement failed", "error", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle(path, srv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "OK") })
	httpServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("echoserver listening", "addr", addr, "path", path)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("websocket shutdown", "error", err)
	}
	return httpServer.Shutdown(shutdownCtx)
}
