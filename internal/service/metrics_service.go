package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/session-settlement-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the API and the settlement engines.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	batchRuns       *prometheus.CounterVec
	batchDuration   prometheus.Histogram
	batchErrors     prometheus.Counter
	batchLastRun    prometheus.Gauge
	attendance      *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	payoutActions   *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_transitions_total",
		Help: "Session lifecycle transition attempts by kind and outcome",
	}, []string{"kind", "outcome"})

	batchRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_batch_runs_total",
		Help: "Lifecycle batch evaluations by result",
	}, []string{"result"})

	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lifecycle_batch_duration_seconds",
		Help:    "Duration of lifecycle batch evaluations",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	batchErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifecycle_batch_session_errors_total",
		Help: "Sessions that raised an unexpected error during a batch run",
	})

	batchLastRun := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lifecycle_batch_last_run_timestamp_seconds",
		Help: "Unix time the last batch evaluation finished",
	})

	attendance := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_events_total",
		Help: "Attendance telemetry events by role and outcome",
	}, []string{"role", "outcome"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "earning_settlements_total",
		Help: "Session settlement attempts by outcome and calculation method",
	}, []string{"outcome", "method"})

	payoutActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_actions_total",
		Help: "Payout workflow actions by action and outcome",
	}, []string{"action", "outcome"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitions, batchRuns, batchDuration, batchErrors,
		batchLastRun, attendance, settlements, payoutActions, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		transitions:     transitions,
		batchRuns:       batchRuns,
		batchDuration:   batchDuration,
		batchErrors:     batchErrors,
		batchLastRun:    batchLastRun,
		attendance:      attendance,
		settlements:     settlements,
		payoutActions:   payoutActions,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordTransition counts a lifecycle transition attempt.
func (m *MetricsService) RecordTransition(kind models.TransitionKind, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(kind), outcome).Inc()
}

// ObserveBatchRun records the outcome of one batch evaluation.
func (m *MetricsService) ObserveBatchRun(summary *models.RunSummary, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(duration.Seconds())
	if err != nil {
		m.batchRuns.WithLabelValues("failed").Inc()
		return
	}
	m.batchRuns.WithLabelValues("succeeded").Inc()
	if summary != nil {
		m.batchErrors.Add(float64(len(summary.Errors)))
		m.batchLastRun.Set(float64(summary.FinishedAt.Unix()))
	}
}

// RecordAttendanceEvent counts an ingested telemetry event.
func (m *MetricsService) RecordAttendanceEvent(role models.ParticipantRole, outcome string) {
	if m == nil {
		return
	}
	m.attendance.WithLabelValues(string(role), outcome).Inc()
}

// RecordSettlement counts a settlement attempt.
func (m *MetricsService) RecordSettlement(outcome string, method models.CalculationMethod) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome, string(method)).Inc()
}

// RecordPayoutAction counts a payout workflow action.
func (m *MetricsService) RecordPayoutAction(action, outcome string) {
	if m == nil {
		return
	}
	m.payoutActions.WithLabelValues(action, outcome).Inc()
}
