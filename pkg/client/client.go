// Package client is a resilient websocket messaging client. It correlates
// requests with responses, queues sends while disconnected, reconnects
// with jittered backoff and applies origin, CSRF, schema and rate-limit
// policy on the way out.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/lightforgemedia/go-resilientws/pkg/clock"
	"github.com/lightforgemedia/go-resilientws/pkg/correlator"
	"github.com/lightforgemedia/go-resilientws/pkg/heartbeat"
	"github.com/lightforgemedia/go-resilientws/pkg/metrics"
	"github.com/lightforgemedia/go-resilientws/pkg/ratelimit"
	"github.com/lightforgemedia/go-resilientws/pkg/security"
	"github.com/lightforgemedia/go-resilientws/pkg/signal"
	"github.com/lightforgemedia/go-resilientws/pkg/token"
	"github.com/lightforgemedia/go-resilientws/pkg/transport"
	"github.com/lightforgemedia/go-resilientws/pkg/wire"
)

// Client owns one logical connection to url. A new transport connection
// replaces the old one on every reconnect.
//
// Listeners on the client's signals run on the goroutine that raised the
// event, which for received messages is the connection's read loop. They
// must not block waiting for another response.
type Client struct {
	url     string
	opts    Options
	logger  *slog.Logger
	clock   clock.Clock
	dialer  transport.Dialer
	metrics *metrics.Metrics

	limiter   *ratelimit.Limiter
	backoff   *ratelimit.Backoff
	validator *security.Validator
	tokens    *token.Manager
	heartbeat *heartbeat.Scheduler
	pending   *correlator.Table

	stateChanged    *signal.Signal[State]
	messageReceived *signal.Signal[wire.Message]
	connectionError *signal.Signal[error]
	securityEvent   *signal.Signal[security.Event]

	mu             sync.Mutex
	state          State
	conn           transport.Conn
	connGen        uint64
	attempts       int
	userClosed     bool
	flushing       bool
	inflight       *connectAttempt
	cancelAttempt  context.CancelFunc
	reconnectTimer *clock.Timer
	queue          []*wire.Message
	subs           map[string]*signal.Signal[json.RawMessage]

	// writeMu serializes frame writes.
	writeMu sync.Mutex
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New returns a disconnected client for url configured by opts on top of
// DefaultOptions.
func New(url string, opts ...Option) *Client {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return NewWithOptions(url, o)
}

// NewWithOptions returns a disconnected client configured by an Options
// struct. Zero durations fall back to library defaults.
func NewWithOptions(url string, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		url:     url,
		opts:    opts,
		logger:  opts.Logger.With("url", url),
		clock:   opts.Clock,
		dialer:  opts.Dialer,
		metrics: opts.Metrics,

		limiter:   ratelimit.New(opts.RateLimits, opts.Clock),
		backoff:   ratelimit.NewBackoff(ratelimit.DefaultBackoffBase, ratelimit.DefaultBackoffMax),
		validator: security.NewValidator(opts.Security),
		pending:   correlator.New(opts.Clock),

		stateChanged:    signal.New[State](),
		messageReceived: signal.New[wire.Message](),
		connectionError: signal.New[error](),
		securityEvent:   signal.New[security.Event](),

		subs: make(map[string]*signal.Signal[json.RawMessage]),
	}

	refresh := opts.Auth.Refresh
	if refresh == nil && opts.Auth.RefreshURL != "" {
		refresh = token.HTTPRefresher(opts.Auth.RefreshURL, opts.Auth.HTTPClient, func() string {
			return c.tokens.Authorization()
		})
	}
	tokenOpts := []token.Option{
		token.WithClock(opts.Clock),
		token.WithLogger(c.logger),
		token.WithType(opts.Auth.TokenType),
		token.WithRefreshTimeout(opts.RequestTimeout),
		token.WithRefreshFunc(refresh),
		token.WithErrorHandler(func(err error) {
			c.emitSecurity(security.EventTokenRefreshFailed, err.Error(), nil)
		}),
	}
	if opts.Auth.RefreshThreshold > 0 {
		tokenOpts = append(tokenOpts, token.WithThreshold(opts.Auth.RefreshThreshold))
	}
	c.tokens = token.New(tokenOpts...)
	if opts.Auth.Token != "" {
		c.tokens.Update(opts.Auth.Token)
	}

	c.heartbeat = heartbeat.New(opts.Clock, opts.HeartbeatInterval, c.sendHeartbeat, c.logger)
	return c
}

// ConnectionState is raised on every state transition.
func (c *Client) ConnectionState() *signal.Signal[State] { return c.stateChanged }

// MessageReceived is raised for every decoded incoming message, responses
// included, after decryption.
func (c *Client) MessageReceived() *signal.Signal[wire.Message] { return c.messageReceived }

// ConnectionError is raised for dial failures and abnormal closes.
func (c *Client) ConnectionError() *signal.Signal[error] { return c.connectionError }

// SecurityEvent is raised whenever a policy rejects an operation.
func (c *Client) SecurityEvent() *signal.Signal[security.Event] { return c.securityEvent }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the transport is open.
func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int { return c.pending.Len() }

// Queued returns the number of messages waiting for a connection.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// RateLimits returns the current rate-limit window.
func (c *Client) RateLimits() ratelimit.State { return c.limiter.Snapshot() }

// ResetRateLimits zeroes both budgets and the rate-limit backoff.
func (c *Client) ResetRateLimits() {
	c.limiter.Reset()
	c.backoff.Reset()
}

// UpdateAuthToken stores tok for future connects and reschedules its refresh.
func (c *Client) UpdateAuthToken(tok string) { c.tokens.Update(tok) }

// Token returns the current bearer token.
func (c *Client) Token() string { return c.tokens.Token() }

// WatchTokenFile keeps the bearer token in sync with the contents of path.
func (c *Client) WatchTokenFile(path string) (*token.FileWatcher, error) {
	return token.WatchFile(path, c.UpdateAuthToken, token.WithWatchLogger(c.logger))
}

// Connect opens the transport. It returns immediately when already
// connected and joins the attempt in flight when connecting.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

func (c *Client) connect(ctx context.Context, explicit bool) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if a := c.inflight; a != nil {
		c.mu.Unlock()
		return a.wait(ctx)
	}
	if !explicit && c.userClosed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if explicit {
		c.userClosed = false
		if c.state == StateDisconnected {
			c.attempts = 0
		}
	}
	c.reconnectTimer.Stop()
	c.reconnectTimer = nil
	resumeReconnect := c.state == StateReconnecting

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a := &connectAttempt{done: make(chan struct{})}
	c.inflight = a
	c.cancelAttempt = cancel
	c.mu.Unlock()

	err := c.establish(attemptCtx)
	c.finish(a, err)
	switch {
	case err == nil:
	case explicit && ctx.Err() != nil && !resumeReconnect:
		// The caller gave up; that is not a dropped connection.
		c.logger.Info("connect canceled", "error", err)
		c.terminate(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
	default:
		c.handleConnectFailure(err)
	}
	return err
}

func (c *Client) finish(a *connectAttempt, err error) {
	c.mu.Lock()
	if c.inflight == a {
		c.inflight = nil
		c.cancelAttempt = nil
	}
	c.mu.Unlock()
	a.err = err
	close(a.done)
}

func (c *Client) establish(ctx context.Context) error {
	if err := c.validator.CheckOrigin(c.opts.Origin); err != nil {
		c.emitSecurity(security.EventOriginRejected, err.Error(), map[string]any{"origin": c.opts.Origin})
		return err
	}
	if err := c.awaitReconnectBudget(ctx); err != nil {
		return err
	}

	c.setState(StateConnecting)
	conn, err := c.dial(ctx, c.connectHeader())
	if err != nil {
		return err
	}
	return c.onOpen(ctx, conn)
}

// awaitReconnectBudget holds the attempt back with a doubling delay while
// the reconnect budget is spent.
func (c *Client) awaitReconnectBudget(ctx context.Context) error {
	for !c.limiter.Allow(ratelimit.Reconnects) {
		delay := c.backoff.Next()
		c.emitSecurity(security.EventRateLimitExceeded, "reconnect rate limit exceeded", map[string]any{
			"kind":    ratelimit.Reconnects.String(),
			"retryIn": delay.String(),
		})
		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.backoff.Reset()
	return nil
}

func (c *Client) connectHeader() http.Header {
	h := http.Header{}
	for k, vs := range c.opts.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	c.validator.ApplyCSRF(h)
	for k, vs := range c.tokens.Header() {
		h[k] = vs
	}
	if c.opts.Origin != "" {
		h.Set("Origin", c.opts.Origin)
	}
	return h
}

func (c *Client) dial(ctx context.Context, header http.Header) (transport.Conn, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	if d := c.opts.ConnectionTimeout; d > 0 {
		timer := c.clock.AfterFunc(d, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	conn, err := c.dialer.Dial(dialCtx, c.url, header)
	if err != nil {
		if timedOut.Load() {
			return nil, fmt.Errorf("%w after %v", ErrConnectionTimeout, c.opts.ConnectionTimeout)
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) onOpen(ctx context.Context, conn transport.Conn) error {
	c.mu.Lock()
	if c.userClosed || ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close(transport.StatusNormalClosure, "client disconnected")
		return ErrConnectionClosed
	}
	c.connGen++
	gen := c.connGen
	c.conn = conn
	c.attempts = 0
	c.flushing = len(c.queue) > 0
	c.inflight = nil
	c.cancelAttempt = nil
	changed := c.transitionLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("connected")
	c.heartbeat.Start()
	c.tokens.Start()
	go c.readLoop(conn, gen)

	if changed {
		c.emitState(StateConnected)
	}
	c.flush(conn, gen)
	return nil
}

func (c *Client) handleConnectFailure(err error) {
	c.mu.Lock()
	userClosed := c.userClosed
	c.mu.Unlock()
	if userClosed {
		return
	}

	c.logger.Warn("connect failed", "error", err)
	if errors.Is(err, ErrOriginRejected) {
		c.terminate(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
		return
	}
	c.connectionError.Emit(err)
	if c.opts.AutoReconnect {
		c.scheduleReconnect()
		return
	}
	c.terminate(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	if attempt > c.opts.MaxReconnectAttempts {
		c.mu.Unlock()
		c.logger.Warn("giving up reconnecting", "attempts", attempt-1)
		c.connectionError.Emit(ErrReconnectExhausted)
		c.terminate(fmt.Errorf("%w: %w", ErrConnectionClosed, ErrReconnectExhausted))
		return
	}
	changed := c.transitionLocked(StateReconnecting)
	c.mu.Unlock()

	delay := ReconnectDelay(c.opts.ReconnectInterval, attempt, c.opts.Jitter())
	c.metrics.ReconnectScheduled()
	c.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
	if changed {
		c.emitState(StateReconnecting)
	}

	timer := c.clock.AfterFunc(delay, func() { go c.reconnect() })
	c.mu.Lock()
	if c.userClosed || c.state != StateReconnecting {
		timer.Stop()
	} else {
		c.reconnectTimer.Stop()
		c.reconnectTimer = timer
	}
	c.mu.Unlock()
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	c.mu.Unlock()
	if err := c.connect(context.Background(), false); err != nil {
		c.logger.Debug("reconnect attempt failed", "error", err)
	}
}

func (c *Client) readLoop(conn transport.Conn, gen uint64) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			c.handleClose(conn, gen, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleClose(conn transport.Conn, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.connGen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.flushing = false
	reconnect := c.opts.AutoReconnect && !c.userClosed
	c.mu.Unlock()

	c.heartbeat.Stop()
	c.tokens.Stop()
	_ = conn.Close(transport.StatusNormalClosure, "")

	code := transport.CloseCode(err)
	reason := transport.CloseReason(err)
	c.logger.Info("connection closed", "code", code, "reason", reason)

	if code == transport.StatusUnauthorized || code == transport.StatusForbidden {
		c.emitSecurity(security.EventAuthentication, fmt.Sprintf("connection closed with status %d: %s", code, reason),
			map[string]any{"code": code, "reason": reason})
		go c.refreshToken()
	}

	if code == transport.StatusNormalClosure || !reconnect {
		c.terminate(ErrConnectionClosed)
		return
	}
	c.connectionError.Emit(fmt.Errorf("client: connection lost: %w", err))
	c.scheduleReconnect()
}

// terminate moves to disconnected and fails everything still waiting.
func (c *Client) terminate(cause error) {
	c.mu.Lock()
	dropped := len(c.queue)
	c.queue = nil
	changed := c.transitionLocked(StateDisconnected)
	c.mu.Unlock()

	if n := c.pending.RejectAll(cause); n > 0 || dropped > 0 {
		c.logger.Info("rejected outstanding requests", "pending", n, "queued", dropped, "cause", cause)
	}
	c.metrics.SetPending(0)
	c.metrics.SetQueued(0)
	if changed {
		c.emitState(StateDisconnected)
	}
}

// Disconnect closes the connection with a normal closure, cancels every
// timer and rejects every pending request with ErrConnectionClosed.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.userClosed = true
	conn := c.conn
	c.conn = nil
	c.connGen++
	c.flushing = false
	c.attempts = 0
	cancel := c.cancelAttempt
	c.reconnectTimer.Stop()
	c.reconnectTimer = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.heartbeat.Stop()
	c.tokens.Stop()

	var err error
	if conn != nil {
		err = conn.Close(transport.StatusNormalClosure, "client disconnect")
	}
	c.terminate(ErrConnectionClosed)
	return err
}

func (c *Client) refreshToken() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if err := c.tokens.RefreshNow(ctx); err != nil {
		if errors.Is(err, token.ErrNoRefresher) {
			c.logger.Warn("token refresh requested but no refresh function is configured")
			return
		}
		c.logger.Warn("token refresh failed", "error", err)
	}
}

func (c *Client) decrypt(payload json.RawMessage) (json.RawMessage, error) {
	fn := c.opts.Encryption.Decrypt
	if fn == nil {
		return nil, fmt.Errorf("%w: no decrypt function configured", ErrDecryption)
	}
	plain, err := fn(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plain, nil
}

func (c *Client) handleFrame(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		c.metrics.MalformedFrame()
		c.logger.Warn("discarding malformed frame", "error", err, "size", len(data))
		return
	}
	c.metrics.MessageReceived(msg.Type)

	if msg.Encrypted {
		plain, err := c.decrypt(msg.Payload)
		if err != nil {
			c.emitSecurity(security.EventDecryptionFailed, err.Error(), map[string]any{"type": msg.Type, "id": msg.ID})
			if msg.ID != "" {
				c.pending.Reject(msg.ID, err)
			}
			return
		}
		msg.Payload = plain
	}
	if c.logger.Enabled(context.Background(), slog.LevelDebug) {
		c.logger.Debug("message received", "type", msg.Type, "id", msg.ID, "payload", c.validator.Redact(msg.Payload))
	}

	if msg.Type == wire.TypeAuthTokenExpired {
		go c.refreshToken()
	}

	resolved := msg.ID != "" && c.pending.Resolve(msg)
	c.messageReceived.Emit(*msg)
	if resolved {
		c.metrics.SetPending(c.pending.Len())
		return
	}

	c.mu.Lock()
	sub := c.subs[msg.Type]
	c.mu.Unlock()
	if sub != nil {
		sub.Emit(msg.Payload)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.transitionLocked(s)
	c.mu.Unlock()
	if changed {
		c.emitState(s)
	}
}

// transitionLocked must be called with c.mu held. The caller emits.
func (c *Client) transitionLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}

func (c *Client) emitState(s State) {
	c.metrics.SetState(s.String(), allStates)
	c.logger.Debug("connection state changed", "state", s.String())
	c.stateChanged.Emit(s)
}

func (c *Client) emitSecurity(kind security.EventKind, message string, details map[string]any) {
	c.metrics.SecurityEvent(string(kind))
	c.logger.Warn("security event", "kind", string(kind), "message", message)
	c.securityEvent.Emit(security.Event{
		Kind:    kind,
		Message: message,
		Details: details,
		Time:    c.clock.Now(),
	})
}
