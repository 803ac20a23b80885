// Package metrics exposes Prometheus instrumentation for the client.
//
// A nil *Metrics is valid and records nothing, so the client calls its
// methods unconditionally.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "resilientws"
	subsystem = "client"
)

// Metrics holds the client's collectors.
type Metrics struct {
	messagesSent     *prometheus.CounterVec // by type
	messagesReceived *prometheus.CounterVec // by type
	sendErrors       *prometheus.CounterVec // by reason
	malformedFrames  prometheus.Counter
	securityEvents   *prometheus.CounterVec // by kind
	reconnects       prometheus.Counter
	state            *prometheus.GaugeVec // by state, one-hot
	pending          prometheus.Gauge
	queued           prometheus.Gauge
	requestDuration  *prometheus.HistogramVec // by status
}

// New creates the collectors and registers them with reg. A nil reg
// returns a nil *Metrics, which disables instrumentation.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Messages written to the transport",
		}, []string{"type"}),

		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Messages read from the transport",
		}, []string{"type"}),

		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_errors_total",
			Help:      "Sends rejected before or during transmission",
		}, []string{"reason"}), // reason: rate_limited, validation, encryption, write, timeout, closed

		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_frames_total",
			Help:      "Incoming frames discarded as malformed",
		}),

		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "security_events_total",
			Help:      "Security events emitted",
		}, []string{"kind"}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled",
		}),

		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),

		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_requests",
			Help:      "Requests awaiting a response",
		}),

		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queued_messages",
			Help:      "Messages waiting for a connection",
		}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Time from send to response or failure",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to ~16s
		}, []string{"status"}),
	}

	collectors := []prometheus.Collector{
		m.messagesSent, m.messagesReceived, m.sendErrors, m.malformedFrames,
		m.securityEvents, m.reconnects, m.state, m.pending, m.queued, m.requestDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return m, nil
}

// MessageSent counts one written message.
func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

// MessageReceived counts one decoded incoming message.
func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

// SendError counts a failed send.
func (m *Metrics) SendError(reason string) {
	if m == nil {
		return
	}
	m.sendErrors.WithLabelValues(reason).Inc()
}

// MalformedFrame counts a discarded frame.
func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

// SecurityEvent counts an emitted security event.
func (m *Metrics) SecurityEvent(kind string) {
	if m == nil {
		return
	}
	m.securityEvents.WithLabelValues(kind).Inc()
}

// ReconnectScheduled counts a reconnect attempt.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetState marks current as the active state among all.
func (m *Metrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// SetPending records the size of the pending-request table.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// SetQueued records the size of the outbound queue.
func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}

// ObserveRequest records how long a request took.
func (m *Metrics) ObserveRequest(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.requestDuration.WithLabelValues(status).Observe(d.Seconds())
}
