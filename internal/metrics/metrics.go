// Package metrics exposes Prometheus instrumentation for the Direct client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics tracks crypto, transport and audit activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	CryptoOperations    *prometheus.CounterVec
	TransportOperations *prometheus.CounterVec
	TransportDuration   *prometheus.HistogramVec
	AuditAppends        *prometheus.CounterVec
	MessagesSent        prometheus.Counter
	MessagesReceived    prometheus.Counter
}

// New creates the metrics and registers them with reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CryptoOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "direct_crypto_operations_total",
			Help: "Sign, encrypt, decrypt and verify operations by outcome",
		}, []string{"op", "outcome"}),
		TransportOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "direct_transport_operations_total",
			Help: "Backend operations by backend, operation and outcome",
		}, []string{"backend", "op", "outcome"}),
		TransportDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "direct_transport_duration_seconds",
			Help:    "Duration of backend operations",
			Buckets: durationBuckets,
		}, []string{"backend", "op"}),
		AuditAppends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "direct_audit_appends_total",
			Help: "Audit ledger appends by event kind and outcome",
		}, []string{"kind", "outcome"}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "direct_messages_sent_total",
			Help: "Messages handed to a backend for delivery",
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "direct_messages_received_total",
			Help: "Inbound messages decrypted and verified",
		}),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// IncCrypto records a pipeline operation.
func (m *Metrics) IncCrypto(op string, ok bool) {
	if m == nil {
		return
	}
	m.CryptoOperations.WithLabelValues(op, outcome(ok)).Inc()
}

// ObserveTransport records a backend operation and its duration.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveTransport(backend, op string, start time.Time, ok bool) {
	if m == nil {
		return
	}
	m.TransportOperations.WithLabelValues(backend, op, outcome(ok)).Inc()
	m.TransportDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// IncAuditAppend records a ledger append.
func (m *Metrics) IncAuditAppend(kind string, ok bool) {
	if m == nil {
		return
	}
	m.AuditAppends.WithLabelValues(kind, outcome(ok)).Inc()
}

// IncSent records a message accepted by a backend.
func (m *Metrics) IncSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

// AddReceived records n inbound messages delivered to a caller.
func (m *Metrics) AddReceived(n int) {
	if m == nil {
		return
	}
	m.MessagesReceived.Add(float64(n))
}
