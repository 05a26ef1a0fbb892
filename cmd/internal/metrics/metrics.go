// Package metrics owns the Prometheus collectors of the auth service.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stayhi"

// Flow names.
const (
	FlowInvite = "invite"
	FlowSignIn = "signin"
	FlowVerify = "verify"
)

// Outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeInput    = "input_error"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type Metrics struct {
	reg *prometheus.Registry

	flowOutcomes *prometheus.CounterVec
	mailSends    *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		flowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "flow_total",
			Help:      "Auth flow completions by flow and outcome.",
		}, []string{"flow", "outcome"}),
		mailSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mail",
			Name:      "sends_total",
			Help:      "Magic link emails handed to the transport, by result.",
		}, []string{"result"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method, route pattern and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "class"}),
	}

	reg.MustRegister(
		m.flowOutcomes,
		m.mailSends,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) FlowOutcome(flow, outcome string) {
	if m == nil {
		return
	}
	m.flowOutcomes.WithLabelValues(flow, outcome).Inc()
}

func (m *Metrics) MailSent(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mailSends.WithLabelValues(result).Inc()
}

// ObserveHTTP records one request. route must be a pattern, not a raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpDuration.WithLabelValues(method, route, StatusClass(status)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// StatusClass maps 204 to "2xx". Unknown codes map to "other".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
