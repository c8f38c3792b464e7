package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/repocheck/internal/pipeline"
)

const namespace = "repocheck"

// MetricsCollector holds all Prometheus metrics for repocheck.
// Uses a custom registry, no global state. A nil *MetricsCollector is a
// valid no-op recorder.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Verification run metrics.
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	FailuresTotal *prometheus.CounterVec

	// Step metrics.
	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec

	// Executor metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Notification and scheduler metrics.
	NotificationsTotal  *prometheus.CounterVec
	ScheduledBatchTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "runs_total",
			Help:      "Total verification runs.",
		}, []string{"project_type", "status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "run_duration_seconds",
			Help:      "Verification run duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"project_type"}),

		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "failures_total",
			Help:      "Failed verification runs by failure kind.",
		}, []string{"kind"}),

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "total",
			Help:      "Total recorded steps by outcome.",
		}, []string{"step", "status"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Step duration in seconds.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"step"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandboxed command executions.",
		}, []string{"program", "class"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandboxed command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120, 600},
		}, []string{"program"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "sent_total",
			Help:      "Report notifications by channel and outcome.",
		}, []string{"channel", "status"}),

		ScheduledBatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "batches_total",
			Help:      "Scheduled re-verification batches by outcome.",
		}, []string{"status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.FailuresTotal,
		m.StepsTotal,
		m.StepDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.NotificationsTotal,
		m.ScheduledBatchTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordStep counts one appended step record.
func (m *MetricsCollector) RecordStep(s pipeline.StepRecord) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(s.Name, stepStatus(s)).Inc()
	if !s.Skipped {
		m.StepDuration.WithLabelValues(s.Name).Observe(float64(s.DurationMs) / 1000)
	}
}

// RecordRun counts one finished report.
func (m *MetricsCollector) RecordRun(r *pipeline.Report) {
	if m == nil || r == nil {
		return
	}
	typ := r.ProjectType
	if typ == "" {
		typ = "none"
	}
	status := "pass"
	if !r.OK {
		status = "fail"
	}
	m.RunsTotal.WithLabelValues(typ, status).Inc()
	m.RunDuration.WithLabelValues(typ).Observe(float64(r.DurationMs) / 1000)
	if r.Failure != nil {
		m.FailuresTotal.WithLabelValues(string(r.Failure.Kind)).Inc()
	}
}

// RecordNotification counts one notification attempt.
func (m *MetricsCollector) RecordNotification(channel string, err error) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(channel, errStatus(err)).Inc()
}

// RecordBatch counts one scheduled batch.
func (m *MetricsCollector) RecordBatch(err error) {
	if m == nil {
		return
	}
	m.ScheduledBatchTotal.WithLabelValues(errStatus(err)).Inc()
}

func stepStatus(s pipeline.StepRecord) string {
	switch {
	case s.Skipped:
		return "skipped"
	case s.OK:
		return "ok"
	default:
		return "failed"
	}
}

func errStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
