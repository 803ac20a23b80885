package token_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lightforgemedia/go-resilientws/pkg/clock"
	"github.com/lightforgemedia/go-resilientws/pkg/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

func expiring(t *testing.T, at time.Time) string {
	return signed(t, jwt.MapClaims{"sub": "client", "exp": at.Unix()})
}

func TestExpiresAt(t *testing.T) {
	exp, ok := token.ExpiresAt(expiring(t, epoch.Add(time.Hour)))
	require.True(t, ok)
	assert.True(t, exp.Equal(epoch.Add(time.Hour)))

	_, ok = token.ExpiresAt(signed(t, jwt.MapClaims{"sub": "client"}))
	assert.False(t, ok, "no exp claim")

	_, ok = token.ExpiresAt("not-a-jwt")
	assert.False(t, ok)
}

func TestHeader(t *testing.T) {
	m := token.New()
	assert.Empty(t, m.Header().Get("Authorization"))

	m.Update("abc")
	assert.Equal(t, "Bearer abc", m.Header().Get("Authorization"))
	assert.Equal(t, "abc", m.Token())

	m = token.New(token.WithType("Token"))
	m.Update("abc")
	assert.Equal(t, "Token abc", m.Authorization())
}

func TestScheduledRefresh(t *testing.T) {
	clk := clock.Fake(epoch)
	var calls atomic.Int32
	m := token.New(
		token.WithClock(clk),
		token.WithRefreshFunc(func(ctx context.Context) (string, error) {
			calls.Add(1)
			return expiring(t, clk.Now().Add(10*time.Minute)), nil
		}),
	)
	m.Update(expiring(t, epoch.Add(10*time.Minute)))

	_, ok := m.NextRefresh()
	assert.False(t, ok, "nothing scheduled before Start")

	m.Start()
	defer m.Stop()
	next, ok := m.NextRefresh()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(5*time.Minute), next)

	clk.Advance(5*time.Minute - time.Second)
	assert.Equal(t, int32(0), calls.Load())

	clk.Advance(time.Second)
	assert.Equal(t, int32(1), calls.Load())

	next, ok = m.NextRefresh()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(10*time.Minute), next, "rescheduled from the refreshed token")
}

func TestRefreshDueImmediately(t *testing.T) {
	clk := clock.Fake(epoch)
	refreshed := make(chan struct{}, 1)
	m := token.New(
		token.WithClock(clk),
		token.WithRefreshFunc(func(ctx context.Context) (string, error) {
			refreshed <- struct{}{}
			return "opaque", nil
		}),
	)
	m.Update(expiring(t, epoch.Add(2*time.Minute)))
	m.Start()
	defer m.Stop()

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh inside the threshold did not run")
	}
	assert.Eventually(t, func() bool { return m.Token() == "opaque" }, time.Second, 5*time.Millisecond)
}

func TestStopCancelsRefresh(t *testing.T) {
	clk := clock.Fake(epoch)
	var calls atomic.Int32
	m := token.New(
		token.WithClock(clk),
		token.WithRefreshFunc(func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "x", nil
		}),
	)
	m.Update(expiring(t, epoch.Add(time.Hour)))
	m.Start()
	m.Stop()

	clk.Advance(2 * time.Hour)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, clk.PendingCount())
}

func TestRefreshErrors(t *testing.T) {
	assert.ErrorIs(t, token.New().RefreshNow(context.Background()), token.ErrNoRefresher)

	boom := errors.New("boom")
	var reported error
	m := token.New(
		token.WithRefreshFunc(func(ctx context.Context) (string, error) { return "", boom }),
		token.WithErrorHandler(func(err error) { reported = err }),
	)
	m.Update("keep")
	err := m.RefreshNow(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, reported, boom)
	assert.Equal(t, "keep", m.Token(), "failed refresh keeps the old token")
}

func TestUpdateHandler(t *testing.T) {
	var got []string
	m := token.New(token.WithUpdateHandler(func(s string) { got = append(got, s) }))
	m.Update("a")
	m.Update("b")
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestHTTPRefresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if r.Header.Get("Authorization") != "Token old" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new"}`))
	}))
	defer srv.Close()

	m := token.New(token.WithType("Token"))
	m.Update("old")
	refresh := token.HTTPRefresher(srv.URL, srv.Client(), m.Authorization)
	tok, err := refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", tok)

	m.Update("stale")
	_, err = refresh(context.Background())
	assert.ErrorContains(t, err, "401")

	bearer := token.New()
	bearer.Update("old")
	_, err = token.HTTPRefresher(srv.URL, srv.Client(), bearer.Authorization)(context.Background())
	assert.ErrorContains(t, err, "401", "the configured scheme is sent verbatim")
}

func TestWatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	var mu sync.Mutex
	var got []string
	fw, err := token.WatchFile(path, func(s string) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}, token.WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer fw.Close()

	mu.Lock()
	assert.Equal(t, []string{"first"}, got, "initial read")
	mu.Unlock()

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2 && got[1] == "second"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, fw.Close())
	require.NoError(t, fw.Close())
}
