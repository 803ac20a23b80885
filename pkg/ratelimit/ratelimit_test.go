package ratelimit_test

import (
	"testing"
	"time"

	"github.com/lightforgemedia/go-resilientws/pkg/clock"
	"github.com/lightforgemedia/go-resilientws/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	l := ratelimit.New(ratelimit.Limits{}, clock.Fake(time.Now()))
	assert.Equal(t, 300, l.Limits().MessagesPerMinute)
	assert.Equal(t, 10, l.Limits().ReconnectsPerMinute)
}

func TestMessageBudgetAndWindowReset(t *testing.T) {
	c := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := ratelimit.New(ratelimit.Limits{MessagesPerMinute: 5, ReconnectsPerMinute: 2}, c)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(ratelimit.Messages), "send %d", i)
	}
	assert.False(t, l.Allow(ratelimit.Messages))
	assert.Equal(t, 5, l.Snapshot().MessagesCount, "rejected checks are not counted")

	// Exactly 60s is still inside the window.
	c.Advance(60 * time.Second)
	assert.False(t, l.Allow(ratelimit.Messages))

	c.Advance(time.Millisecond)
	assert.True(t, l.Allow(ratelimit.Messages))
	assert.Equal(t, 1, l.Snapshot().MessagesCount)
}

func TestBudgetsAreIndependent(t *testing.T) {
	l := ratelimit.New(ratelimit.Limits{MessagesPerMinute: 1, ReconnectsPerMinute: 1}, clock.Fake(time.Now()))

	assert.True(t, l.Allow(ratelimit.Reconnects))
	assert.False(t, l.Allow(ratelimit.Reconnects))
	assert.True(t, l.Allow(ratelimit.Messages))
	assert.False(t, l.Allow(ratelimit.Messages))
}

func TestReset(t *testing.T) {
	c := clock.Fake(time.Now())
	l := ratelimit.New(ratelimit.Limits{MessagesPerMinute: 1}, c)
	assert.True(t, l.Allow(ratelimit.Messages))
	assert.False(t, l.Allow(ratelimit.Messages))

	c.Advance(10 * time.Second)
	l.Reset()
	assert.True(t, l.Allow(ratelimit.Messages))
	assert.Equal(t, c.Now(), l.Snapshot().LastResetTime)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := ratelimit.NewBackoff(time.Second, 60*time.Second)
	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.Current())
}
