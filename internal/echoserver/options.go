package echoserver

import (
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultQueueLength  = 16
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultReadLimit    = 1 << 20
)

type config struct {
	logger        *slog.Logger
	acceptOptions *websocket.AcceptOptions
	queueLength   int
	writeTimeout  time.Duration
	pingInterval  time.Duration
	token         string
}

// Option configures the Server.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAcceptOptions replaces the websocket accept options.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(c *config) { c.acceptOptions = opts }
}

// WithQueueLength sets the per-connection outgoing buffer.
func WithQueueLength(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueLength = n
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithPingInterval sets the server ping interval. A negative interval
// disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *config) {
		if d != 0 {
			c.pingInterval = d
		}
	}
}

// WithRequiredToken rejects handshakes whose Authorization header is not
// "Bearer <token>".
func WithRequiredToken(token string) Option {
	return func(c *config) { c.token = token }
}
