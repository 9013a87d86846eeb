// Package metrics exposes Prometheus collectors for the payment and
// publication pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	orderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adboard",
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Total number of order status transitions.",
		},
		[]string{"to"},
	)

	watcherPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adboard",
			Subsystem: "watcher",
			Name:      "polls_total",
			Help:      "Total number of chain feed polls by outcome.",
		},
		[]string{"outcome"},
	)

	postsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adboard",
			Subsystem: "publisher",
			Name:      "posts_total",
			Help:      "Total number of post publication attempts.",
		},
		[]string{"status"},
	)

	stalePosts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "adboard",
			Subsystem: "publisher",
			Name:      "stale_posts_total",
			Help:      "Posts found overdue beyond the staleness threshold.",
		},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "adboard",
			Subsystem: "publisher",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of publication sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
	)
)

func init() {
	Registry.MustRegister(
		orderTransitions,
		watcherPolls,
		postsPublished,
		stalePosts,
		sweepDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveOrderTransition records a completed order status transition.
func ObserveOrderTransition(to string) {
	orderTransitions.WithLabelValues(to).Inc()
}

// ObserveWatcherPoll records one chain feed poll: "match", "miss" or "error".
func ObserveWatcherPoll(outcome string) {
	watcherPolls.WithLabelValues(outcome).Inc()
}

// ObservePublication records one publication attempt: "published" or "failed".
func ObservePublication(status string) {
	postsPublished.WithLabelValues(status).Inc()
}

// ObserveStalePost records a post flagged as overdue.
func ObserveStalePost() {
	stalePosts.Inc()
}

// ObserveSweep records the duration of a publication sweep.
func ObserveSweep(d time.Duration) {
	sweepDuration.Observe(d.Seconds())
}
