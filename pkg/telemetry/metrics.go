package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

// Metrics provides Prometheus metrics for rangekeeper. A disabled Metrics
// is a valid no-op recorder.
type Metrics struct {
	config MetricsConfig

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	resourceOutcomes *prometheus.CounterVec
	resourceDuration *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	resourcesByState *prometheus.GaugeVec

	healthSignals *prometheus.CounterVec

	driverCalls    *prometheus.CounterVec
	driverDuration *prometheus.HistogramVec
	driverErrors   *prometheus.CounterVec

	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_total",
			Help:      "Completed deploy and revoke runs by final status",
		}, []string{"operation", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Wall time of deploy and revoke runs",
			Buckets:   buckets,
		}, []string{"operation"}),

		resourceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "resource_outcomes_total",
			Help:      "Per-resource results within runs",
		}, []string{"operation", "outcome"}),
		resourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "resource_duration_seconds",
			Help:      "Time spent driving one resource within a run",
			Buckets:   buckets,
		}, []string{"operation"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "status_transitions_total",
			Help:      "Committed lifecycle status transitions",
		}, []string{"from", "to"}),
		resourcesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "resources",
			Help:      "Registered resources by type and status",
		}, []string{"type", "status"}),

		healthSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "health_signals_total",
			Help:      "Health signals received by source",
		}, []string{"source", "healthy", "changed"}),

		driverCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "driver_calls_total",
			Help:      "Calls into deploy, verify and health drivers",
		}, []string{"driver", "operation"}),
		driverDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "driver_call_duration_seconds",
			Help:      "Latency of driver calls",
			Buckets:   buckets,
		}, []string{"driver", "operation"}),
		driverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "driver_errors_total",
			Help:      "Failed driver calls",
		}, []string{"driver", "operation"}),

		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Engine errors by class and code",
		}, []string{"class", "code"}),
	}

	m.registry.MustRegister(
		m.runsTotal, m.runDuration,
		m.resourceOutcomes, m.resourceDuration, m.transitions, m.resourcesByState,
		m.healthSignals,
		m.driverCalls, m.driverDuration, m.driverErrors,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(op engine.Operation, status engine.RunStatus, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsTotal.WithLabelValues(string(op), string(status)).Inc()
	m.runDuration.WithLabelValues(string(op)).Observe(duration.Seconds())
}

// RecordResourceOutcome records the result of one resource within a run.
func (m *Metrics) RecordResourceOutcome(op engine.Operation, outcome engine.Outcome, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.resourceOutcomes.WithLabelValues(string(op), string(outcome)).Inc()
	if outcome != engine.OutcomeSkipped {
		m.resourceDuration.WithLabelValues(string(op)).Observe(duration.Seconds())
	}
}

// RecordTransition counts a committed status transition.
func (m *Metrics) RecordTransition(from, to engine.ResourceStatus) {
	if !m.enabled() {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordHealthSignal counts a health signal and whether it changed status.
func (m *Metrics) RecordHealthSignal(source engine.HealthSource, healthy bool, changed bool) {
	if !m.enabled() {
		return
	}
	m.healthSignals.WithLabelValues(string(source), strconv.FormatBool(healthy), strconv.FormatBool(changed)).Inc()
}

// RecordDriverCall records one driver invocation. A non-nil err also
// increments the error counters.
func (m *Metrics) RecordDriverCall(driver, operation string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.driverCalls.WithLabelValues(driver, operation).Inc()
	m.driverDuration.WithLabelValues(driver, operation).Observe(duration.Seconds())
	if err != nil {
		m.driverErrors.WithLabelValues(driver, operation).Inc()
		m.RecordError(err)
	}
}

// RecordError counts an error by engine class and code. Errors that are
// not engine errors count as permanent with an empty code.
func (m *Metrics) RecordError(err error) {
	if !m.enabled() || err == nil {
		return
	}
	ee := engine.AsEngineError(err, "")
	m.errorsByCode.WithLabelValues(string(ee.Class), ee.Code).Inc()
}

// ObserveResources recomputes the per-status gauge from a registry listing.
func (m *Metrics) ObserveResources(resources []*engine.Resource) {
	if !m.enabled() {
		return
	}
	m.resourcesByState.Reset()
	for _, r := range resources {
		m.resourcesByState.WithLabelValues(string(r.Type), string(r.Status)).Inc()
	}
}

// TransitionHook returns a registry hook that counts transitions.
func (m *Metrics) TransitionHook() engine.TransitionHook {
	return func(res *engine.Resource, from engine.ResourceStatus, _ engine.Trigger) {
		m.RecordTransition(from, res.Status)
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on the configured address until ctx is
// cancelled. It returns immediately; listen errors are sent to errc when
// it is non-nil.
func (m *Metrics) StartMetricsServer(ctx context.Context, errc chan<- error) {
	if !m.enabled() || m.config.ListenAddress == "" {
		return
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errc != nil {
			errc <- err
		}
	}()
}
