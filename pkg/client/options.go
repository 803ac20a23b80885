package client

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/lightforgemedia/go-resilientws/pkg/clock"
	"github.com/lightforgemedia/go-resilientws/pkg/metrics"
	"github.com/lightforgemedia/go-resilientws/pkg/ratelimit"
	"github.com/lightforgemedia/go-resilientws/pkg/security"
	"github.com/lightforgemedia/go-resilientws/pkg/token"
	"github.com/lightforgemedia/go-resilientws/pkg/transport"
)

const (
	defaultMaxReconnectAttempts = 10
	defaultReconnectInterval    = 3 * time.Second
	defaultHeartbeatInterval    = 30 * time.Second
	defaultConnectionTimeout    = 10 * time.Second
	defaultRequestTimeout       = 30 * time.Second
	defaultWriteTimeout         = 5 * time.Second
)

// PayloadFunc transforms a raw JSON payload. It is the shape of the
// encrypt and decrypt hooks.
type PayloadFunc func(payload json.RawMessage) (json.RawMessage, error)

// AuthOptions configure the bearer token.
type AuthOptions struct {
	Token            string
	TokenType        string
	RefreshURL       string
	Refresh          token.RefreshFunc
	RefreshThreshold time.Duration
	HTTPClient       *http.Client
}

// EncryptionOptions configure the payload hooks. Both hooks are required
// when Enabled is set.
type EncryptionOptions struct {
	Enabled bool
	Encrypt PayloadFunc
	Decrypt PayloadFunc
}

// Options contains configuration values for NewWithOptions.
type Options struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration
	RequestTimeout       time.Duration
	WriteTimeout         time.Duration

	// Origin is sent as the Origin header and checked against
	// Security.AllowedOrigins before connecting.
	Origin       string
	Security     security.Config
	RateLimits   ratelimit.Limits
	Auth         AuthOptions
	Encryption   EncryptionOptions
	Subprotocols []string
	Headers      http.Header
	Debug        bool

	Logger  *slog.Logger
	Clock   clock.Clock
	Dialer  transport.Dialer
	Metrics *metrics.Metrics

	// Jitter returns a factor in [0.75, 1.25] applied to reconnect delays.
	Jitter func() float64
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		AutoReconnect:        true,
		MaxReconnectAttempts: defaultMaxReconnectAttempts,
		ReconnectInterval:    defaultReconnectInterval,
		HeartbeatInterval:    defaultHeartbeatInterval,
		ConnectionTimeout:    defaultConnectionTimeout,
		RequestTimeout:       defaultRequestTimeout,
		WriteTimeout:         defaultWriteTimeout,
	}
}

// withDefaults fills zero values that have no meaningful zero.
func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Debug {
		o.Logger = slog.New(debugHandler{o.Logger.Handler()})
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Dialer == nil {
		o.Dialer = &transport.WebSocketDialer{Subprotocols: o.Subprotocols}
	}
	if o.Jitter == nil {
		o.Jitter = RandomJitter
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = defaultReconnectInterval
	}
	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	return o
}

// Option configures the Client.
type Option func(*Options)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithDebug logs every level down to debug regardless of the handler's level.
func WithDebug(debug bool) Option {
	return func(o *Options) { o.Debug = debug }
}

// WithClock drives every timer from clk.
func WithClock(clk clock.Clock) Option {
	return func(o *Options) { o.Clock = clk }
}

// WithDialer replaces the websocket transport.
func WithDialer(d transport.Dialer) Option {
	return func(o *Options) { o.Dialer = d }
}

// WithMetrics records client activity into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithAutoReconnect enables reconnection after abnormal closes, giving up
// after maxAttempts consecutive failures.
func WithAutoReconnect(enabled bool, maxAttempts int, interval time.Duration) Option {
	return func(o *Options) {
		o.AutoReconnect = enabled
		if maxAttempts >= 0 {
			o.MaxReconnectAttempts = maxAttempts
		}
		if interval > 0 {
			o.ReconnectInterval = interval
		}
	}
}

// WithJitter replaces the random reconnect jitter source.
func WithJitter(fn func() float64) Option {
	return func(o *Options) { o.Jitter = fn }
}

// WithHeartbeatInterval sets the keep-alive period. Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.HeartbeatInterval = d
		}
	}
}

// WithConnectionTimeout bounds each dial. Zero waits indefinitely.
func WithConnectionTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.ConnectionTimeout = d
		}
	}
}

// WithDefaultRequestTimeout sets the timeout used when Send is given none.
func WithDefaultRequestTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.RequestTimeout = d
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.WriteTimeout = d
		}
	}
}

// WithOrigin sets the origin sent on connect.
func WithOrigin(origin string) Option {
	return func(o *Options) { o.Origin = origin }
}

// WithSecurity sets origin, CSRF, schema and redaction policy.
func WithSecurity(cfg security.Config) Option {
	return func(o *Options) { o.Security = cfg }
}

// WithRateLimits sets the per-minute budgets.
func WithRateLimits(limits ratelimit.Limits) Option {
	return func(o *Options) { o.RateLimits = limits }
}

// WithAuthToken sets the initial bearer token.
func WithAuthToken(tok string) Option {
	return func(o *Options) { o.Auth.Token = tok }
}

// WithAuth sets every authentication option at once.
func WithAuth(auth AuthOptions) Option {
	return func(o *Options) { o.Auth = auth }
}

// WithTokenRefresh sets the callback that obtains new tokens and how long
// before expiry it runs.
func WithTokenRefresh(fn token.RefreshFunc, threshold time.Duration) Option {
	return func(o *Options) {
		o.Auth.Refresh = fn
		if threshold > 0 {
			o.Auth.RefreshThreshold = threshold
		}
	}
}

// WithEncryption enables the payload hooks.
func WithEncryption(encrypt, decrypt PayloadFunc) Option {
	return func(o *Options) {
		o.Encryption = EncryptionOptions{Enabled: true, Encrypt: encrypt, Decrypt: decrypt}
	}
}

// WithSubprotocols sets the websocket subprotocols offered on connect.
func WithSubprotocols(protocols ...string) Option {
	return func(o *Options) { o.Subprotocols = protocols }
}

// WithHeader adds a header sent on every connect.
func WithHeader(key, value string) Option {
	return func(o *Options) {
		if o.Headers == nil {
			o.Headers = http.Header{}
		}
		o.Headers.Add(key, value)
	}
}
