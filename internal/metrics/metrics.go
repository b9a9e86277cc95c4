// Package metrics exposes Prometheus collectors for the scheduler, the
// evaluators, the event bus and the HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
)

const namespace = "rice_eval"

// Metrics holds all application collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Scheduler
	QueuePolls      prometheus.Counter
	TasksEnqueued   *prometheus.CounterVec // labels: format
	TasksClaimed    prometheus.Counter
	TasksFinished   *prometheus.CounterVec // labels: format, status
	TasksRunning    prometheus.Gauge
	TaskDuration    *prometheus.HistogramVec // labels: format
	EvaluatorErrors *prometheus.CounterVec   // labels: code

	// Search collaborator
	QueryLatency *prometheus.HistogramVec // labels: format

	// Bus
	BusEventsPublished *prometheus.CounterVec // labels: topic
	BusErrors          *prometheus.CounterVec // labels: topic
	BusLatency         *prometheus.HistogramVec

	// HTTP
	HTTPRequests         *prometheus.CounterVec   // labels: method, path, status
	HTTPDuration         *prometheus.HistogramVec // labels: method, path
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a new registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		QueuePolls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_polls_total",
			Help:      "Scheduler claim attempts.",
		}),
		TasksEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks accepted into the queue.",
		}, []string{"format"}),
		TasksClaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_claimed_total",
			Help:      "Tasks claimed for processing.",
		}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"format", "status"}),
		TasksRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Evaluators currently running.",
		}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of one evaluator run.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
		}, []string{"format"}),
		EvaluatorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluator_errors_total",
			Help:      "Evaluator failures by error code.",
		}, []string{"code"}),

		QueryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_latency_seconds",
			Help:      "Latency of search engine calls made by evaluators.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"format"}),

		BusEventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Events published on the bus.",
		}, []string{"topic"}),
		BusErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_errors_total",
			Help:      "Failed bus publishes.",
		}, []string{"topic"}),
		BusLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_publish_latency_seconds",
			Help:      "Bus publish latency.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"topic"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests being served.",
		}),
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordEnqueued counts an accepted task.
func (m *Metrics) RecordEnqueued(format string) {
	m.TasksEnqueued.WithLabelValues(format).Inc()
}

// RecordPoll counts a claim attempt and whether it found a task.
func (m *Metrics) RecordPoll(claimed bool) {
	m.QueuePolls.Inc()
	if claimed {
		m.TasksClaimed.Inc()
	}
}

// RecordTaskStart marks an evaluator as running.
func (m *Metrics) RecordTaskStart() {
	m.TasksRunning.Inc()
}

// RecordTaskEnd records how a run ended. A nil err counts no evaluator error.
func (m *Metrics) RecordTaskEnd(format, status string, d time.Duration, err error) {
	m.TasksRunning.Dec()
	m.TaskDuration.WithLabelValues(format).Observe(d.Seconds())
	if status != "" {
		m.TasksFinished.WithLabelValues(format, status).Inc()
	}
	if err != nil {
		code := apperrors.Code(err)
		if code == "" {
			code = apperrors.CodeInternal
		}
		m.EvaluatorErrors.WithLabelValues(code).Inc()
	}
}

// RecordQuery observes one search engine call.
func (m *Metrics) RecordQuery(format string, d time.Duration) {
	m.QueryLatency.WithLabelValues(format).Observe(d.Seconds())
}

// RecordBusPublish implements bus.MetricsRecorder.
func (m *Metrics) RecordBusPublish(topic string, latency time.Duration, err error) {
	m.BusLatency.WithLabelValues(topic).Observe(latency.Seconds())
	if err != nil {
		m.BusErrors.WithLabelValues(topic).Inc()
		return
	}
	m.BusEventsPublished.WithLabelValues(topic).Inc()
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(method, path string, status int, d time.Duration) {
	path = normalizePath(path)
	m.HTTPRequests.WithLabelValues(method, path, statusCode(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
