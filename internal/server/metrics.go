package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "gdescent"

// Metrics collects job statistics on a registry owned by one server, so
// several servers (as in tests) never collide on registration.
// A nil *Metrics records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	jobs        *prometheus.CounterVec
	iterations  prometheus.Counter
	evaluations prometheus.Counter
	duration    *prometheus.HistogramVec
	running     prometheus.Gauge
}

// NewMetrics creates and registers the job metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_total",
			Help:      "Finished jobs by method and final state.",
		}, []string{"method", "state"}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "descent_iterations_total",
			Help:      "Gradient steps taken across all descent jobs.",
		}),
		evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "objective_evaluations_total",
			Help:      "Objective function evaluations across all finished jobs.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of finished jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"method"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_running",
			Help:      "Jobs currently executing.",
		}),
	}

	m.registry.MustRegister(m.jobs, m.iterations, m.evaluations, m.duration, m.running)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) jobStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) iteration() {
	if m == nil {
		return
	}
	m.iterations.Inc()
}

func (m *Metrics) jobFinished(job *Job, wasRunning bool) {
	if m == nil {
		return
	}
	if wasRunning {
		m.running.Dec()
	}
	m.jobs.WithLabelValues(job.Config.Method, string(job.State)).Inc()
	m.evaluations.Add(float64(job.Evaluations))
	m.duration.WithLabelValues(job.Config.Method).Observe(job.Elapsed().Seconds())
}
