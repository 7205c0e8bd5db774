// Package metrics defines the Prometheus collectors exported by the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes used as the "outcome" label of RequestsTotal.
const (
	OutcomeOK            = "ok"
	OutcomeProtocolError = "protocol_error"
	OutcomeFailed        = "failed"
	OutcomeClosed        = "closed"
)

// Collector groups the proxy metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectFailures *prometheus.CounterVec
	DialErrors      prometheus.Counter
	Disconnects     prometheus.Counter
	State           *prometheus.GaugeVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lspproxy_connect_attempts_total",
				Help: "Connection attempts started, by strategy.",
			},
			[]string{"strategy"}, // strategy: "dial", "accept"
		),
		ConnectFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lspproxy_connect_failures_total",
				Help: "Connection attempts that ended without a connection, by reason.",
			},
			[]string{"reason"}, // reason: "cancelled", "error"
		),
		DialErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lspproxy_dial_errors_total",
				Help: "Failed dials that were retried.",
			},
		),
		Disconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lspproxy_disconnects_total",
				Help: "Established backend connections that closed.",
			},
		),
		State: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lspproxy_connection_state",
				Help: "1 for the current connection state, 0 for the others.",
			},
			[]string{"state"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lspproxy_requests_total",
				Help: "Forwarded requests and notifications, by kind and outcome.",
			},
			[]string{"kind", "outcome"}, // kind: "request", "notification"
		),
		RequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lspproxy_request_duration_seconds",
				Help:    "Time from forwarding a request to receiving its response.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
	}
}

// ConnectAttempt records a new attempt using strategy.
func (c *Collector) ConnectAttempt(strategy string) {
	if c == nil {
		return
	}

	c.ConnectAttempts.WithLabelValues(strategy).Inc()
}

// ConnectFailure records an attempt that did not produce a connection.
func (c *Collector) ConnectFailure(reason string) {
	if c == nil {
		return
	}

	c.ConnectFailures.WithLabelValues(reason).Inc()
}

// DialError records a retried dial failure.
func (c *Collector) DialError() {
	if c == nil {
		return
	}

	c.DialErrors.Inc()
}

// Disconnect records the loss of an established connection.
func (c *Collector) Disconnect() {
	if c == nil {
		return
	}

	c.Disconnects.Inc()
}

// SetState marks current as the active state among all.
func (c *Collector) SetState(current string, all []string) {
	if c == nil {
		return
	}

	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}

		c.State.WithLabelValues(s).Set(v)
	}
}

// Request records a forwarded message and, for requests, its latency.
func (c *Collector) Request(kind, outcome string, seconds float64) {
	if c == nil {
		return
	}

	c.RequestsTotal.WithLabelValues(kind, outcome).Inc()

	if kind == "request" && seconds > 0 {
		c.RequestDuration.Observe(seconds)
	}
}
