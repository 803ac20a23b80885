package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	assert.NotPanics(t, func() {
		m.MessageSent("chat")
		m.SecurityEvent("rate-limit-exceeded")
		m.SetState("connected", []string{"connected"})
		m.ObserveRequest(time.Second, nil)
	})
}

func TestCounters(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.MessageSent("chat")
	m.MessageSent("chat")
	m.MessageReceived("echo")
	m.SendError("rate_limited")
	m.SecurityEvent("rate-limit-exceeded")
	m.ReconnectScheduled()
	m.MalformedFrame()
	m.SetPending(3)
	m.SetQueued(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesSent.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesReceived.WithLabelValues("echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendErrors.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.securityEvents.WithLabelValues("rate-limit-exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.malformedFrames))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pending))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queued))
}

func TestStateIsOneHot(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	all := []string{"disconnected", "connecting", "connected"}

	m.SetState("connecting", all)
	m.SetState("connected", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("disconnected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("connected")))
}

func TestObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveRequest(10*time.Millisecond, errors.New("timeout"))
	count, err := testutil.GatherAndCount(reg, "resilientws_client_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}
