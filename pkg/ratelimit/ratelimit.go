// Package ratelimit implements the client's per-minute message and
// reconnect budgets.
package ratelimit

import (
	"sync"
	"time"

	"github.com/lightforgemedia/go-resilientws/pkg/clock"
)

// Window is the fixed length of a counting window.
const Window = 60 * time.Second

const (
	DefaultMessagesPerMinute   = 300
	DefaultReconnectsPerMinute = 10
)

// Kind selects which budget a check consumes.
type Kind int

const (
	Messages Kind = iota
	Reconnects
)

func (k Kind) String() string {
	switch k {
	case Messages:
		return "messages"
	case Reconnects:
		return "reconnects"
	default:
		return "unknown"
	}
}

// Limits are the per-window caps. Zero values fall back to the defaults.
type Limits struct {
	MessagesPerMinute   int `yaml:"messagesPerMinute"`
	ReconnectsPerMinute int `yaml:"reconnectsPerMinute"`
}

// State is a snapshot of the current window.
type State struct {
	MessagesCount   int
	ReconnectsCount int
	LastResetTime   time.Time
}

// Limiter counts attempts in a fixed window that resets lazily once more
// than Window has elapsed since the last reset.
type Limiter struct {
	clock  clock.Clock
	limits Limits

	mu    sync.Mutex
	state State
}

// New returns a Limiter whose first window starts now.
func New(limits Limits, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	if limits.MessagesPerMinute <= 0 {
		limits.MessagesPerMinute = DefaultMessagesPerMinute
	}
	if limits.ReconnectsPerMinute <= 0 {
		limits.ReconnectsPerMinute = DefaultReconnectsPerMinute
	}
	return &Limiter{
		clock:  clk,
		limits: limits,
		state:  State{LastResetTime: clk.Now()},
	}
}

// Allow consumes one unit of the kind's budget. It returns false, without
// counting, when the budget for the current window is spent.
func (l *Limiter) Allow(kind Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.state.LastResetTime) > Window {
		l.state = State{LastResetTime: now}
	}

	switch kind {
	case Messages:
		if l.state.MessagesCount >= l.limits.MessagesPerMinute {
			return false
		}
		l.state.MessagesCount++
	case Reconnects:
		if l.state.ReconnectsCount >= l.limits.ReconnectsPerMinute {
			return false
		}
		l.state.ReconnectsCount++
	default:
		return false
	}
	return true
}

// Reset zeroes both counters and starts a new window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.state = State{LastResetTime: l.clock.Now()}
	l.mu.Unlock()
}

// Snapshot returns the current counters.
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Limits returns the effective caps.
func (l *Limiter) Limits() Limits {
	return l.limits
}
