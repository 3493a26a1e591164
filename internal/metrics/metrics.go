package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "offsync"

var (
	once sync.Once

	actionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_outcomes_total",
			Help:      "Processed actions by outcome (synced, retried, failed, io_error).",
		},
		[]string{"outcome"},
	)

	passes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Finished sync passes by final status.",
		},
		[]string{"status"},
	)

	passDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Wall time of sync passes.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_actions",
			Help:      "Actions currently held in the queue by status.",
		},
		[]string{"status"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin API requests by route.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(actionOutcomes, passes, passDuration, queueDepth, httpRequests)
	})
}

// IncAction counts one processed action.
func IncAction(outcome string) {
	actionOutcomes.WithLabelValues(outcome).Inc()
}

// ObservePass records a finished pass.
func ObservePass(status string, d time.Duration) {
	passes.WithLabelValues(status).Inc()
	passDuration.Observe(d.Seconds())
}

// SetQueueDepth publishes the number of actions in a status.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
