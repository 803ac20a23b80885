// Package token manages the bearer token used on connect and refreshes it
// ahead of expiry.
//
// The token's signature is never verified. Only the exp claim of the
// payload segment is read, which is appropriate for a client scheduling
// the refresh of a token it was issued itself and must not be used to
// authorize third-party tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lightforgemedia/go-resilientws/pkg/clock"
)

const (
	DefaultType             = "Bearer"
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultRefreshTimeout   = 30 * time.Second
)

// ErrNoRefresher is returned by RefreshNow when no RefreshFunc is set.
var ErrNoRefresher = errors.New("token: no refresh function configured")

// RefreshFunc obtains a new token.
type RefreshFunc func(ctx context.Context) (string, error)

// ExpiresAt reads the exp claim of an unverified JWT.
func ExpiresAt(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Manager stores the current token and, while started, keeps a refresh
// timer scheduled threshold ahead of the token's expiry.
type Manager struct {
	clock     clock.Clock
	logger    *slog.Logger
	tokenType string
	threshold time.Duration
	timeout   time.Duration
	refresh   RefreshFunc
	onError   func(error)
	onUpdate  func(string)

	mu      sync.Mutex
	token   string
	running bool
	gen     uint64
	timer   *clock.Timer
	next    time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock driving the refresh timer.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithType sets the Authorization scheme.
func WithType(tokenType string) Option {
	return func(m *Manager) {
		if tokenType != "" {
			m.tokenType = tokenType
		}
	}
}

// WithThreshold sets how long before expiry the refresh runs.
func WithThreshold(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.threshold = d
		}
	}
}

// WithRefreshTimeout bounds each scheduled refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithRefreshFunc sets the function that obtains new tokens.
func WithRefreshFunc(fn RefreshFunc) Option {
	return func(m *Manager) { m.refresh = fn }
}

// WithErrorHandler is called when a refresh fails.
func WithErrorHandler(fn func(error)) Option {
	return func(m *Manager) { m.onError = fn }
}

// WithUpdateHandler is called after every token change.
func WithUpdateHandler(fn func(string)) Option {
	return func(m *Manager) { m.onUpdate = fn }
}

// New returns a stopped Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		clock:     clock.Real(),
		logger:    slog.Default(),
		tokenType: DefaultType,
		threshold: DefaultRefreshThreshold,
		timeout:   DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update stores token for future connect attempts and reschedules the
// refresh if the manager is started.
func (m *Manager) Update(token string) {
	m.mu.Lock()
	m.token = token
	m.cancelLocked()
	due := m.running && m.scheduleLocked()
	gen := m.gen
	onUpdate := m.onUpdate
	m.mu.Unlock()

	if onUpdate != nil {
		onUpdate(token)
	}
	if due {
		go m.fire(gen)
	}
}

// Token returns the current token.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Authorization returns the Authorization header value, or "" without a token.
func (m *Manager) Authorization() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return ""
	}
	return m.tokenType + " " + m.token
}

// Header returns the headers to attach on connect.
func (m *Manager) Header() http.Header {
	h := http.Header{}
	if auth := m.Authorization(); auth != "" {
		h.Set("Authorization", auth)
	}
	return h
}

// Start enables refresh scheduling for the current token.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	due := m.scheduleLocked()
	gen := m.gen
	m.mu.Unlock()

	if due {
		go m.fire(gen)
	}
}

// Stop cancels any scheduled refresh.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.running = false
	m.cancelLocked()
	m.mu.Unlock()
}

// NextRefresh reports when the scheduled refresh will run.
func (m *Manager) NextRefresh() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next.IsZero() {
		return time.Time{}, false
	}
	return m.next, true
}

// RefreshNow obtains a new token immediately and stores it.
func (m *Manager) RefreshNow(ctx context.Context) error {
	m.mu.Lock()
	fn := m.refresh
	m.mu.Unlock()
	if fn == nil {
		return ErrNoRefresher
	}

	tok, err := fn(ctx)
	if err == nil && tok == "" {
		err = errors.New("empty token returned")
	}
	if err != nil {
		err = fmt.Errorf("token: refresh: %w", err)
		if m.onError != nil {
			m.onError(err)
		}
		return err
	}
	m.Update(tok)
	return nil
}

// cancelLocked invalidates the current schedule. Must hold m.mu.
func (m *Manager) cancelLocked() {
	m.gen++
	m.timer.Stop()
	m.timer = nil
	m.next = time.Time{}
}

// scheduleLocked arms the refresh timer and reports whether the refresh
// is already due. Must hold m.mu.
func (m *Manager) scheduleLocked() bool {
	if m.refresh == nil || m.token == "" {
		return false
	}
	exp, ok := ExpiresAt(m.token)
	if !ok {
		m.logger.Debug("token: no exp claim, refresh not scheduled")
		return false
	}

	now := m.clock.Now()
	delay := exp.Sub(now) - m.threshold
	if delay < 0 {
		delay = 0
	}
	m.next = now.Add(delay)
	if delay == 0 {
		return true
	}

	gen := m.gen
	m.timer = m.clock.AfterFunc(delay, func() { m.fire(gen) })
	m.logger.Debug("token: refresh scheduled", "in", delay)
	return false
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	timeout := m.timeout
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.RefreshNow(ctx); err != nil {
		m.logger.Warn("token: scheduled refresh failed", "error", err)
	}
}
