package server

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures attempt lifecycle counters, exposed on /metrics.
type Metrics interface {
	IncAttemptsStarted()
	IncAttemptsCompleted(status string)
	ObserveAttemptDuration(durationSeconds float64)
	SetCapacity(available, total int)
}

// Noop implements Metrics without emitting anything, for tests.
type Noop struct{}

func (Noop) IncAttemptsStarted()            {}
func (Noop) IncAttemptsCompleted(string)    {}
func (Noop) ObserveAttemptDuration(float64) {}
func (Noop) SetCapacity(int, int)           {}

type promMetrics struct {
	started   prometheus.Counter
	completed *prometheus.CounterVec
	duration  prometheus.Histogram
	available prometheus.Gauge
	total     prometheus.Gauge
	once      sync.Once
}

// NewPromMetrics constructs Metrics backed by Prometheus collectors under
// namespace "worker".
func NewPromMetrics() Metrics {
	m := &promMetrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worker",
			Name:      "attempts_started_total",
			Help:      "Attempts started",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worker",
			Name:      "attempts_completed_total",
			Help:      "Attempts completed by status",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "worker",
			Name:      "attempt_duration_seconds",
			Help:      "Attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worker",
			Name:      "capacity_available",
			Help:      "Free attempt execution slots",
		}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worker",
			Name:      "capacity_total",
			Help:      "Configured attempt capacity",
		}),
	}
	m.once.Do(func() {
		prometheus.MustRegister(m.started, m.completed, m.duration, m.available, m.total)
	})
	return m
}

func (m *promMetrics) IncAttemptsStarted() { m.started.Inc() }

func (m *promMetrics) IncAttemptsCompleted(status string) {
	m.completed.WithLabelValues(status).Inc()
}

func (m *promMetrics) ObserveAttemptDuration(durationSeconds float64) {
	m.duration.Observe(durationSeconds)
}

func (m *promMetrics) SetCapacity(available, total int) {
	m.available.Set(float64(available))
	m.total.Set(float64(total))
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
