package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks gateway activity: submissions by operation and outcome,
// confirmation latency, and read-path failures.
type Metrics struct {
	submissions *prometheus.CounterVec
	confirmWait *prometheus.HistogramVec
	queryErrors *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsReg  *Metrics
)

// SharedMetrics returns the lazily initialised gateway metrics registry.
func SharedMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsReg = &Metrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "gateway",
				Name:      "submissions_total",
				Help:      "Submitted loan operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			confirmWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nftlend",
				Subsystem: "gateway",
				Name:      "confirmation_wait_seconds",
				Help:      "Time between submission and inclusion of a transaction.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			}, []string{"op"}),
			queryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "gateway",
				Name:      "query_errors_total",
				Help:      "Read-only ledger queries that failed, segmented by operation.",
			}, []string{"op"}),
		}
		prometheus.MustRegister(metricsReg.submissions, metricsReg.confirmWait, metricsReg.queryErrors)
	})
	return metricsReg
}

func (m *Metrics) recordSubmission(op, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) observeConfirmWait(op string, seconds float64) {
	if m == nil {
		return
	}
	m.confirmWait.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) recordQueryError(op string) {
	if m == nil {
		return
	}
	m.queryErrors.WithLabelValues(op).Inc()
}
