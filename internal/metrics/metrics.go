// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons used as the "reason" label of Rejected.
const (
	ReasonSender = "sender"
	ReasonDecode = "decode"
)

// Metrics groups the collectors updated by the SMTP and HTTP sides.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Captured prometheus.Counter
	Rejected *prometheus.CounterVec
	Evicted  prometheus.Counter
	Cleared  prometheus.Counter
	Logins   prometheus.Counter
}

// New registers the collectors with reg. storeSize is sampled on every
// scrape for the stored-messages gauge; it may be nil.
func New(reg prometheus.Registerer, storeSize func() int) *Metrics {
	f := promauto.With(reg)

	m := &Metrics{
		Captured: f.NewCounter(prometheus.CounterOpts{
			Name: "smtpsink_messages_captured_total",
			Help: "Messages decoded and committed to the store.",
		}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpsink_messages_rejected_total",
			Help: "SMTP transactions that were refused. Reason is sender or decode.",
		}, []string{"reason"}),
		Evicted: f.NewCounter(prometheus.CounterOpts{
			Name: "smtpsink_messages_evicted_total",
			Help: "Messages dropped from the store to stay within capacity.",
		}),
		Cleared: f.NewCounter(prometheus.CounterOpts{
			Name: "smtpsink_messages_cleared_total",
			Help: "Messages removed through the clear endpoint.",
		}),
		Logins: f.NewCounter(prometheus.CounterOpts{
			Name: "smtpsink_smtp_logins_total",
			Help: "SMTP AUTH exchanges. Credentials are never verified.",
		}),
	}

	if storeSize != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "smtpsink_messages_stored",
			Help: "Messages currently held in the store.",
		}, func() float64 { return float64(storeSize()) })
	}

	return m
}

// ObserveCaptured records one committed message and the evictions it caused.
func (m *Metrics) ObserveCaptured(evicted int) {
	if m == nil {
		return
	}
	m.Captured.Inc()
	if evicted > 0 {
		m.Evicted.Add(float64(evicted))
	}
}

// ObserveRejected records a refused transaction.
func (m *Metrics) ObserveRejected(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}

// ObserveCleared records messages removed by a clear request.
func (m *Metrics) ObserveCleared(n int) {
	if m == nil {
		return
	}
	m.Cleared.Add(float64(n))
}

// ObserveLogin records an SMTP AUTH exchange.
func (m *Metrics) ObserveLogin() {
	if m == nil {
		return
	}
	m.Logins.Inc()
}
