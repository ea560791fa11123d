package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the oversight pipeline.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	readingsIngested  *prometheus.CounterVec
	readingsMalformed prometheus.Counter
	tracksFused       prometheus.Gauge

	eventsEmitted  *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	severityCapped prometheus.Counter

	tasksDecided     *prometheus.CounterVec
	approvalsChecked *prometheus.CounterVec

	guardrailDrops  *prometheus.CounterVec
	riskHolds       *prometheus.CounterVec
	riskStoreErrors prometheus.Counter

	exportSinkWrites  *prometheus.CounterVec
	exportSinkErrors  *prometheus.CounterVec
	exportSinkLatency *prometheus.HistogramVec

	auditEntriesWritten prometheus.Counter
	auditVerifyFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_started_total", Help: "Total number of pipeline runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_completed_total", Help: "Total number of pipeline runs completed, by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds", Help: "Duration of a full pipeline run.", Buckets: buckets,
		}, []string{"outcome"}),

		readingsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_ingested_total", Help: "Sensor readings ingested, by mode.",
		}, []string{"mode"}),
		readingsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_malformed_total", Help: "Malformed tail lines dropped.",
		}),
		tracksFused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "entity_tracks", Help: "Entity tracks produced by fusion in the current run.",
		}),

		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_emitted_total", Help: "Events emitted by rules, by domain and severity.",
		}, []string{"domain", "severity"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped by governance, by reason.",
		}, []string{"reason"}),
		severityCapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_severity_capped_total", Help: "Events whose severity was lowered by a governance cap.",
		}),

		tasksDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_decided_total", Help: "Task recommendations decided, by status.",
		}, []string{"status"}),
		approvalsChecked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "approvals_checked_total", Help: "Approver tokens checked, by validity.",
		}, []string{"valid"}),

		guardrailDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "guardrail_drops_total", Help: "Tasks dropped by a guardrail, by rule.",
		}, []string{"rule"}),
		riskHolds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "risk_holds_total", Help: "Tasks rolled back to risk_hold, by tenant.",
		}, []string{"tenant"}),
		riskStoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "risk_store_errors_total", Help: "Risk store transaction failures.",
		}),

		exportSinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "export_sink_writes_total", Help: "Export sink write attempts, by sink.",
		}, []string{"sink"}),
		exportSinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "export_sink_errors_total", Help: "Export sink write failures, by sink and category.",
		}, []string{"sink", "category"}),
		exportSinkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "export_sink_latency_seconds", Help: "Export sink write latency.", Buckets: buckets,
		}, []string{"sink"}),

		auditEntriesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_entries_written_total", Help: "Audit entries appended.",
		}),
		auditVerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_verify_failures_total", Help: "Audit chain verification failures detected at startup.",
		}),
	}

	registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.readingsIngested, m.readingsMalformed, m.tracksFused,
		m.eventsEmitted, m.eventsDropped, m.severityCapped,
		m.tasksDecided, m.approvalsChecked,
		m.guardrailDrops, m.riskHolds, m.riskStoreErrors,
		m.exportSinkWrites, m.exportSinkErrors, m.exportSinkLatency,
		m.auditEntriesWritten, m.auditVerifyFailures,
	)

	return m, nil
}

func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
}

func (m *Metrics) RecordRunCompleted(outcome string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordReadingsIngested(mode string, count int) {
	if m.readingsIngested == nil {
		return
	}
	m.readingsIngested.WithLabelValues(mode).Add(float64(count))
}

func (m *Metrics) RecordReadingsMalformed(count int) {
	if m.readingsMalformed == nil {
		return
	}
	m.readingsMalformed.Add(float64(count))
}

func (m *Metrics) SetTracksFused(count int) {
	if m.tracksFused == nil {
		return
	}
	m.tracksFused.Set(float64(count))
}

func (m *Metrics) RecordEventEmitted(domain string, severity string) {
	if m.eventsEmitted == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(domain, severity).Inc()
}

func (m *Metrics) RecordEventDropped(reason string) {
	if m.eventsDropped == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSeverityCapped() {
	if m.severityCapped == nil {
		return
	}
	m.severityCapped.Inc()
}

func (m *Metrics) RecordTaskDecided(status string) {
	if m.tasksDecided == nil {
		return
	}
	m.tasksDecided.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordApprovalChecked(valid bool) {
	if m.approvalsChecked == nil {
		return
	}
	m.approvalsChecked.WithLabelValues(fmt.Sprintf("%t", valid)).Inc()
}

func (m *Metrics) RecordGuardrailDrop(rule string, count int) {
	if m.guardrailDrops == nil {
		return
	}
	m.guardrailDrops.WithLabelValues(rule).Add(float64(count))
}

func (m *Metrics) RecordRiskHold(tenant string) {
	if m.riskHolds == nil {
		return
	}
	m.riskHolds.WithLabelValues(tenant).Inc()
}

func (m *Metrics) RecordRiskStoreError() {
	if m.riskStoreErrors == nil {
		return
	}
	m.riskStoreErrors.Inc()
}

func (m *Metrics) RecordExportSinkWrite(sink string, duration time.Duration) {
	if m.exportSinkWrites == nil {
		return
	}
	m.exportSinkWrites.WithLabelValues(sink).Inc()
	m.exportSinkLatency.WithLabelValues(sink).Observe(duration.Seconds())
}

func (m *Metrics) RecordExportSinkError(sink, category string) {
	if m.exportSinkErrors == nil {
		return
	}
	m.exportSinkErrors.WithLabelValues(sink, category).Inc()
}

func (m *Metrics) RecordAuditEntryWritten() {
	if m.auditEntriesWritten == nil {
		return
	}
	m.auditEntriesWritten.Inc()
}

func (m *Metrics) RecordAuditVerifyFailure() {
	if m.auditVerifyFailures == nil {
		return
	}
	m.auditVerifyFailures.Inc()
}

// Registry exposes the underlying Prometheus registry, e.g. for the
// metrics export sink to render a text snapshot.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }

// StartMetricsServer starts a background HTTP server exposing the metrics
// handler at config.Path (default /metrics) on config.ListenAddress. A
// no-op when metrics are disabled.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	server := &http.Server{Addr: m.config.ListenAddress, Handler: mux}
	go func() {
		_ = server.ListenAndServe()
	}()
	return nil
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: false})
}
